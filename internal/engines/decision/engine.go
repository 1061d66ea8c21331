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

// Package decision implements the hysteresis state machine that maps a
// forecast and the current operating mode of a unit to a control action.
package decision

import (
	"time"

	"github.com/oran-energy/energy-saving-rapp/internal/config"
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

// Action is the outcome of one decision step.
type Action string

const (
	ActionDownshift Action = "downshift"
	ActionRestore   Action = "restore"
	ActionHold      Action = "hold"
)

// Reasons explain a decision. They are carried into policy rationale and the audit log.
const (
	ReasonLowLoad          = "forecast_below_low_threshold"
	ReasonHighLoad         = "forecast_above_high_threshold"
	ReasonLowConfidence    = "confidence_below_minimum"
	ReasonInferenceFailure = "model_inference_failed"
	ReasonConfirming       = "confirming"
	ReasonDwellBlocked     = "min_dwell_time_not_elapsed"
	ReasonConditionBroken  = "condition_broken"
	ReasonSteady           = "steady"
	ReasonNoForecast       = "no_forecast"
)

// Threshold names reported in Decision.ThresholdCrossed.
const (
	ThresholdLow           = "low_threshold"
	ThresholdHigh          = "high_threshold"
	ThresholdMinConfidence = "min_confidence"
)

// ObservationKind tells what the pipeline produced for the unit this tick.
type ObservationKind int

const (
	// ObservedForecast carries a usable forecast.
	ObservedForecast ObservationKind = iota
	// ObservedNoForecast means the window was not ready or input was malformed.
	ObservedNoForecast
	// ObservedInferenceFailure means the model failed; confidence is taken as 0.
	ObservedInferenceFailure
)

// Observation is the input of one decision step.
type Observation struct {
	Kind     ObservationKind
	Forecast core.Forecast
}

// ForecastObservation wraps a forecast.
func ForecastObservation(f core.Forecast) Observation {
	return Observation{Kind: ObservedForecast, Forecast: f}
}

// Decision is the output of one decision step.
type Decision struct {
	Action Action `json:"action"`
	// From is the mode before the step, To the mode after it.
	From core.Mode `json:"from"`
	To   core.Mode `json:"to"`
	// Pending is the transition being confirmed, if any.
	Pending core.Mode `json:"pending,omitempty"`
	Reason  string    `json:"reason"`
	// ThresholdCrossed names the threshold that made the tick qualify.
	ThresholdCrossed string  `json:"thresholdCrossed,omitempty"`
	ThresholdValue   float64 `json:"thresholdValue,omitempty"`
	// ConfirmTicks is the number of consecutive qualifying ticks counted so far.
	ConfirmTicks int `json:"confirmTicks"`
	// Blocked is true when a satisfied transition waits for min_dwell_time.
	Blocked   bool      `json:"blocked,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsTransition reports whether the decision commits a mode change.
func (d Decision) IsTransition() bool {
	return d.Action == ActionDownshift || d.Action == ActionRestore
}

type condition struct {
	qualifies bool
	reason    string
	threshold string
	value     float64
}

// evaluate checks whether obs argues for leaving mode.
func evaluate(th config.Thresholds, mode core.Mode, obs Observation) condition {
	inferenceFailed := obs.Kind == ObservedInferenceFailure
	load, conf := obs.Forecast.PredictedLoad, obs.Forecast.Confidence
	if inferenceFailed {
		conf = 0
	}

	if mode == core.ModeNominal {
		if !inferenceFailed && load < th.LowThreshold && conf >= th.MinConfidence {
			return condition{qualifies: true, reason: ReasonLowLoad, threshold: ThresholdLow, value: th.LowThreshold}
		}
		return condition{}
	}

	switch {
	case inferenceFailed:
		return condition{qualifies: true, reason: ReasonInferenceFailure,
			threshold: ThresholdMinConfidence, value: th.MinConfidence}
	case conf < th.MinConfidence:
		return condition{qualifies: true, reason: ReasonLowConfidence,
			threshold: ThresholdMinConfidence, value: th.MinConfidence}
	case load > th.HighThreshold:
		return condition{qualifies: true, reason: ReasonHighLoad, threshold: ThresholdHigh, value: th.HighThreshold}
	}
	return condition{}
}

// Step advances the control state of one unit by one tick. It is a pure
// function: the same inputs always yield the same state and decision.
//
// A tick without a forecast neither counts towards nor breaks a pending
// transition. A satisfied transition commits only once min_dwell_time has
// elapsed since the last one; qualifying ticks keep counting while blocked.
func Step(th config.Thresholds, state core.UnitControlState, obs Observation, now time.Time) (core.UnitControlState, Decision) {
	next := state
	if next.CurrentMode != core.ModeReduced {
		next.CurrentMode = core.ModeNominal
	}
	from := next.CurrentMode
	d := Decision{
		Action:    ActionHold,
		From:      from,
		To:        from,
		Timestamp: now,
	}

	if obs.Kind == ObservedNoForecast {
		d.Reason = ReasonNoForecast
		d.Pending = next.PendingMode
		d.ConfirmTicks = next.DwellCounter
		return next, d
	}

	c := evaluate(th, from, obs)
	if !c.qualifies {
		d.Reason = ReasonSteady
		if next.PendingMode != core.ModeNone {
			d.Reason = ReasonConditionBroken
		}
		next.PendingMode = core.ModeNone
		next.DwellCounter = 0
		return next, d
	}

	target := from.Opposite()
	if next.PendingMode != target {
		next.PendingMode = target
		next.DwellCounter = 0
	}
	next.DwellCounter++

	d.Pending = target
	d.ThresholdCrossed = c.threshold
	d.ThresholdValue = c.value
	d.ConfirmTicks = next.DwellCounter

	required := th.ConfirmTicksDown
	if target == core.ModeNominal {
		required = th.ConfirmTicksUp
	}
	if next.DwellCounter < required {
		d.Reason = ReasonConfirming
		return next, d
	}
	if !state.LastTransitionTime.IsZero() && now.Sub(state.LastTransitionTime) < th.MinDwellTime {
		d.Reason = ReasonDwellBlocked
		d.Blocked = true
		return next, d
	}

	next.CurrentMode = target
	next.PendingMode = core.ModeNone
	next.DwellCounter = 0
	next.LastTransitionTime = now

	d.To = target
	d.Pending = core.ModeNone
	d.Reason = c.reason
	d.Action = ActionRestore
	if target == core.ModeReduced {
		d.Action = ActionDownshift
	}
	return next, d
}
