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

package core

import (
	"fmt"
	"sort"
	"time"
)

// Mode is the operating mode of a managed unit.
type Mode string

const (
	// ModeNominal is full transmit/processing capacity.
	ModeNominal Mode = "nominal"
	// ModeReduced is the energy-saving mode.
	ModeReduced Mode = "reduced"
	// ModeNone marks the absence of a pending transition.
	ModeNone Mode = ""
)

// ParseMode converts a string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNominal, ModeReduced:
		return Mode(s), nil
	default:
		return ModeNone, fmt.Errorf("unknown mode %q", s)
	}
}

// MetricSample is a normalized telemetry record for one managed unit.
// Samples are immutable once ingested; Values must not be modified after construction.
type MetricSample struct {
	// UnitID identifies the managed radio unit or cell.
	UnitID string

	// Timestamp is the measurement time of the record.
	Timestamp time.Time

	// Values holds the named numeric measurements (e.g. "prb_util", "active_ues").
	Values map[string]float64
}

// Value returns the named measurement and whether it is present.
func (s MetricSample) Value(field string) (float64, bool) {
	v, ok := s.Values[field]
	return v, ok
}

// Fields returns the measurement names in sorted order.
func (s MetricSample) Fields() []string {
	keys := make([]string, 0, len(s.Values))
	for k := range s.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FeatureWindow is a point-in-time copy of a unit's rolling sample window.
type FeatureWindow struct {
	// UnitID identifies the managed unit that owns the window.
	UnitID string

	// Capacity is the model sequence length N.
	Capacity int

	// Samples are the buffered samples, oldest first.
	Samples []MetricSample

	// Ready is true when the window holds exactly Capacity samples with no gap
	// larger than the tolerated sampling interval.
	Ready bool
}

// Len returns the number of buffered samples.
func (w FeatureWindow) Len() int {
	return len(w.Samples)
}

// Latest returns the most recent sample, or false if the window is empty.
func (w FeatureWindow) Latest() (MetricSample, bool) {
	if len(w.Samples) == 0 {
		return MetricSample{}, false
	}
	return w.Samples[len(w.Samples)-1], true
}

// Quantiles holds the model's quantile outputs in measurement units.
type Quantiles struct {
	P10 float64 `json:"p10"`
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
}

// Forecast is the forecaster's output for a single decision cycle.
type Forecast struct {
	// UnitID identifies the managed unit.
	UnitID string `json:"unitId"`

	// Timestamp is the time of the latest sample the forecast was derived from.
	Timestamp time.Time `json:"timestamp"`

	// PredictedLoad is the point forecast (p50) in original measurement units.
	PredictedLoad float64 `json:"predictedLoad"`

	// Confidence is in [0,1]; 0 means the forecast must be treated as unreliable.
	Confidence float64 `json:"confidence"`

	// Quantiles are the denormalized quantile outputs.
	Quantiles Quantiles `json:"quantiles"`

	// ModelVersion is the version of the model artifact that produced the forecast.
	ModelVersion string `json:"modelVersion"`
}

// UnitControlState is the hysteresis state of a managed unit, persistent across ticks.
type UnitControlState struct {
	// CurrentMode is the committed operating mode.
	CurrentMode Mode `json:"currentMode"`

	// PendingMode is the mode a transition is accumulating confirmation towards,
	// or ModeNone when no transition is pending.
	PendingMode Mode `json:"pendingMode,omitempty"`

	// DwellCounter is the number of consecutive qualifying ticks for PendingMode.
	DwellCounter int `json:"dwellCounter"`

	// LastTransitionTime is when the last transition was committed. Zero if never.
	LastTransitionTime time.Time `json:"lastTransitionTime,omitempty"`
}

// NewUnitControlState returns the state of a unit on first observation.
func NewUnitControlState() UnitControlState {
	return UnitControlState{CurrentMode: ModeNominal}
}

// Opposite returns the other operating mode.
func (m Mode) Opposite() Mode {
	if m == ModeReduced {
		return ModeNominal
	}
	return ModeReduced
}
