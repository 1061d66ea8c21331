// Package controller runs the energy-saving control loop.
//
// On every tick the Controller runs one pass per managed unit, concurrently
// and bounded by a worker limit:
//
//  1. Fetch telemetry newer than the unit's cursor
//  2. Normalize records, dropping malformed ones
//  3. Push samples into a staged copy of the unit's feature window
//  4. Forecast the load when the window is ready and fresh
//  5. Step the hysteresis state machine with the unit's effective thresholds
//  6. Build, validate and send a policy payload for committed transitions
//     (and for holds when heartbeat mode is on)
//  7. Commit the window, control state and cursor together
//
// A pass that times out or fails to send leaves the unit exactly as it was;
// the next tick retries with the same inputs plus anything new. A unit whose
// previous pass is still in flight is skipped.
//
// Each tick and pass is traced, counted in the metrics recorder and, once a
// decision is made, written to the audit trail.
package controller
