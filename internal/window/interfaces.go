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

package window

import (
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

// Reader provides read-only access to the per-unit windows.
// This interface is used by the service layer to report unit state.
type Reader interface {
	// Snapshot returns a copy of the unit's window.
	// Returns false if the unit has no window.
	Snapshot(unitID string) (core.FeatureWindow, bool)

	// Units returns the unit IDs that own a window, sorted.
	Units() []string
}

// Writer provides write access to the per-unit windows.
type Writer interface {
	// Push appends a sample to the unit's window, creating it on first use.
	Push(unitID string, sample core.MetricSample) (State, error)

	// Remove destroys the unit's window.
	Remove(unitID string)
}

// Stager lets a caller prepare a window change and apply it in one step.
// A staged window that is never committed has no effect.
type Stager interface {
	// Clone returns a private copy of the unit's window, or an empty one.
	Clone(unitID string) *Window

	// Commit replaces the unit's window with w.
	Commit(unitID string, w *Window)
}

// ReadWriter combines read, write and staging access.
type ReadWriter interface {
	Reader
	Writer
	Stager
}
