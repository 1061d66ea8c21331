/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package collector

import (
	"sort"
	"time"
)

// RawRecord is a telemetry record as received from a source.
// Timestamp and field values keep the source's representation (time.Time,
// RFC 3339 strings, epoch numbers, numeric strings) until normalized.
type RawRecord struct {
	// UnitID identifies the managed unit the record belongs to.
	UnitID string

	// Timestamp is the measurement time in the source's representation.
	Timestamp any

	// Fields are the named measurements.
	Fields map[string]any
}

// DataPoint represents a single time-series data point.
type DataPoint struct {
	// Timestamp is when this data point was recorded.
	Timestamp time.Time

	// Value is the metric value at this timestamp.
	Value float64
}

// TimeSeries represents a sequence of data points of one measurement.
// Note: This type is not thread-safe.
type TimeSeries struct {
	// Metric is the name of the measurement.
	Metric string

	// Points are the data points in the order they were added.
	Points []DataPoint
}

// NewTimeSeries creates a new TimeSeries with the given measurement name.
func NewTimeSeries(metric string) *TimeSeries {
	return &TimeSeries{
		Metric: metric,
		Points: make([]DataPoint, 0),
	}
}

// AddPoint adds a data point to the time series.
func (ts *TimeSeries) AddPoint(timestamp time.Time, value float64) {
	ts.Points = append(ts.Points, DataPoint{
		Timestamp: timestamp,
		Value:     value,
	})
}

// JoinSeries merges per-measurement series of one unit into records keyed by
// timestamp, oldest first. A measurement absent at a timestamp is absent from
// that record's fields.
func JoinSeries(unitID string, series []*TimeSeries) []RawRecord {
	byTime := make(map[int64]map[string]any)
	stamps := make(map[int64]time.Time)
	for _, ts := range series {
		if ts == nil {
			continue
		}
		for _, p := range ts.Points {
			key := p.Timestamp.UnixNano()
			fields, ok := byTime[key]
			if !ok {
				fields = make(map[string]any)
				byTime[key] = fields
				stamps[key] = p.Timestamp
			}
			fields[ts.Metric] = p.Value
		}
	}

	keys := make([]int64, 0, len(byTime))
	for k := range byTime {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	records := make([]RawRecord, 0, len(keys))
	for _, k := range keys {
		records = append(records, RawRecord{
			UnitID:    unitID,
			Timestamp: stamps[k],
			Fields:    byTime[k],
		})
	}
	return records
}
