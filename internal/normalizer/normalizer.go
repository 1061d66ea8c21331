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

// Package normalizer turns raw telemetry records into validated metric samples.
package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/oran-energy/energy-saving-rapp/internal/collector"
	"github.com/oran-energy/energy-saving-rapp/internal/config"
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

// ErrMalformedRecord is returned for records that cannot become a sample.
// The record is dropped; the unit's pass continues.
var ErrMalformedRecord = errors.New("malformed telemetry record")

// Normalizer validates records against a per-field schema.
// It holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	schema   map[string]config.FieldRule
	required []string
}

// New creates a Normalizer. Field names are matched case-insensitively.
func New(schema map[string]config.FieldRule) *Normalizer {
	n := &Normalizer{schema: make(map[string]config.FieldRule, len(schema))}
	for name, rule := range schema {
		key := strings.ToLower(name)
		n.schema[key] = rule
		if rule.Required {
			n.required = append(n.required, key)
		}
	}
	sort.Strings(n.required)
	return n
}

// Normalize converts a raw record into a MetricSample.
//
// Required fields that are missing, non-numeric or rejected as out of range
// fail the record with ErrMalformedRecord. Optional fields that fail are
// dropped from the sample.
func (n *Normalizer) Normalize(raw collector.RawRecord) (core.MetricSample, error) {
	if raw.UnitID == "" {
		return core.MetricSample{}, fmt.Errorf("%w: missing unit id", ErrMalformedRecord)
	}
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return core.MetricSample{}, fmt.Errorf("%w: unit %s: %v", ErrMalformedRecord, raw.UnitID, err)
	}

	fields := make(map[string]any, len(raw.Fields))
	for name, v := range raw.Fields {
		fields[strings.ToLower(name)] = v
	}

	values := make(map[string]float64, len(fields))
	for name, v := range fields {
		rule := n.schema[name]
		f, err := n.field(name, v, rule)
		if err != nil {
			if rule.Required {
				return core.MetricSample{}, fmt.Errorf("%w: unit %s at %s: %v",
					ErrMalformedRecord, raw.UnitID, ts.Format(time.RFC3339), err)
			}
			continue
		}
		values[name] = f
	}
	for _, name := range n.required {
		if _, ok := fields[name]; !ok {
			return core.MetricSample{}, fmt.Errorf("%w: unit %s at %s: required field %q missing",
				ErrMalformedRecord, raw.UnitID, ts.Format(time.RFC3339), name)
		}
	}
	if len(values) == 0 {
		return core.MetricSample{}, fmt.Errorf("%w: unit %s at %s: no numeric measurements",
			ErrMalformedRecord, raw.UnitID, ts.Format(time.RFC3339))
	}

	return core.MetricSample{
		UnitID:    raw.UnitID,
		Timestamp: ts,
		Values:    values,
	}, nil
}

func (n *Normalizer) field(name string, v any, rule config.FieldRule) (float64, error) {
	f, err := toNumber(v)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", name, err)
	}
	low := rule.Min != nil && f < *rule.Min
	high := rule.Max != nil && f > *rule.Max
	if !low && !high {
		return f, nil
	}
	if rule.OutOfRange != config.OutOfRangeClamp {
		return 0, fmt.Errorf("field %q: value %g out of range", name, f)
	}
	if low {
		return *rule.Min, nil
	}
	return *rule.Max, nil
}

// NormalizeBatch normalizes every record. Valid samples are returned in input
// order together with one error per rejected record.
func (n *Normalizer) NormalizeBatch(records []collector.RawRecord) ([]core.MetricSample, []error) {
	samples := make([]core.MetricSample, 0, len(records))
	var errs []error
	for _, r := range records {
		s, err := n.Normalize(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		samples = append(samples, s)
	}
	return samples, errs
}

func toNumber(v any) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, errors.New("value is null")
	case bool:
		return 0, errors.New("boolean is not numeric")
	case string:
		if strings.TrimSpace(t) == "" {
			return 0, errors.New("empty string")
		}
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("not numeric: %v", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite: %v", f)
	}
	return f, nil
}

func parseTimestamp(v any) (time.Time, error) {
	var ts time.Time
	switch t := v.(type) {
	case nil:
		return time.Time{}, errors.New("missing timestamp")
	case time.Time:
		ts = t
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return time.Time{}, fmt.Errorf("invalid timestamp %v", t)
		}
		sec, frac := math.Modf(t)
		ts = time.Unix(int64(sec), int64(frac*1e9))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", t)
		}
		return parseTimestamp(f)
	default:
		parsed, err := cast.ToTimeE(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp: %v", err)
		}
		ts = parsed
	}
	if ts.IsZero() {
		return time.Time{}, errors.New("zero timestamp")
	}
	return ts.UTC(), nil
}
