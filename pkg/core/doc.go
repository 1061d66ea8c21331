// Package core provides the fundamental data structures shared by every stage of the
// energy-saving control loop.
//
// This package contains the domain models that flow through a single tick:
//
//   - MetricSample: a normalized, time-indexed telemetry record for one managed unit
//   - FeatureWindow: an immutable snapshot of the last N samples of a unit
//   - Forecast: the denormalized load prediction and its confidence
//   - Mode / UnitControlState: the hysteresis state kept per managed unit
//
// Example usage:
//
//	sample := core.MetricSample{
//		UnitID:    "RU_001",
//		Timestamp: ts,
//		Values:    map[string]float64{"prb_util": 37.5, "active_ues": 12},
//	}
//
//	state := core.NewUnitControlState()
//	if state.CurrentMode == core.ModeReduced {
//		// unit is in energy-saving mode
//	}
//
// The core package is designed to be:
//   - Immutable where possible (value types, defensive copies on snapshot)
//   - Independent of transports, storage and Kubernetes APIs
//   - Deterministic: nothing here reads the wall clock
package core
