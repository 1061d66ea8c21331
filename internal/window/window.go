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

// Package window maintains the rolling per-unit sample windows that feed the forecaster.
package window

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

// ErrOutOfOrderSample is returned for a sample that is not newer than the
// unit's latest sample. The sample is discarded and the window is unchanged.
var ErrOutOfOrderSample = errors.New("out-of-order sample")

// Limits are the timing rules shared by every window.
type Limits struct {
	// Capacity is the model sequence length N.
	Capacity int

	// GapLimit: a gap longer than this since the latest sample clears the window.
	GapLimit time.Duration

	// ContiguityLimit is the largest gap between consecutive samples of a ready window.
	ContiguityLimit time.Duration
}

// State reports the effect of a push.
type State struct {
	// Len is the number of buffered samples after the push.
	Len int

	// Ready is the readiness of the window after the push.
	Ready bool

	// Reset is true when a gap cleared the window before the sample was inserted.
	Reset bool

	// Evicted is true when the oldest sample was dropped to make room.
	Evicted bool
}

// Window is a fixed-capacity ring buffer of one unit's samples.
// Note: This type is not thread-safe. Builder serializes access to the windows it owns;
// a cloned window belongs to the caller.
type Window struct {
	unitID string
	limits Limits
	buf    []core.MetricSample
	head   int
	size   int
}

// NewWindow creates an empty window.
func NewWindow(unitID string, limits Limits) *Window {
	return &Window{
		unitID: unitID,
		limits: limits,
		buf:    make([]core.MetricSample, limits.Capacity),
	}
}

// Len returns the number of buffered samples.
func (w *Window) Len() int {
	return w.size
}

// at returns the i-th oldest sample.
func (w *Window) at(i int) core.MetricSample {
	return w.buf[(w.head+i)%len(w.buf)]
}

// Latest returns the newest sample, or false if the window is empty.
func (w *Window) Latest() (core.MetricSample, bool) {
	if w.size == 0 {
		return core.MetricSample{}, false
	}
	return w.at(w.size - 1), true
}

// Push inserts a sample.
func (w *Window) Push(sample core.MetricSample) (State, error) {
	var st State
	if sample.UnitID != w.unitID {
		return w.state(st), fmt.Errorf("sample for unit %s pushed to window of %s", sample.UnitID, w.unitID)
	}
	if latest, ok := w.Latest(); ok {
		if !sample.Timestamp.After(latest.Timestamp) {
			return w.state(st), fmt.Errorf("%w: unit %s: %s is not after %s", ErrOutOfOrderSample,
				w.unitID, sample.Timestamp.Format(time.RFC3339), latest.Timestamp.Format(time.RFC3339))
		}
		if w.limits.GapLimit > 0 && sample.Timestamp.Sub(latest.Timestamp) > w.limits.GapLimit {
			w.clear()
			st.Reset = true
		}
	}

	if w.size == len(w.buf) {
		w.buf[w.head] = sample
		w.head = (w.head + 1) % len(w.buf)
		st.Evicted = true
	} else {
		w.buf[(w.head+w.size)%len(w.buf)] = sample
		w.size++
	}
	return w.state(st), nil
}

func (w *Window) state(st State) State {
	st.Len = w.size
	st.Ready = w.Ready()
	return st
}

func (w *Window) clear() {
	for i := range w.buf {
		w.buf[i] = core.MetricSample{}
	}
	w.head = 0
	w.size = 0
}

// Ready is true when the window is full and every consecutive gap is within
// the contiguity limit.
func (w *Window) Ready() bool {
	if w.size != len(w.buf) || w.size == 0 {
		return false
	}
	for i := 1; i < w.size; i++ {
		if w.at(i).Timestamp.Sub(w.at(i-1).Timestamp) > w.limits.ContiguityLimit {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of the window, oldest sample first.
func (w *Window) Snapshot() core.FeatureWindow {
	samples := make([]core.MetricSample, w.size)
	for i := range samples {
		samples[i] = w.at(i)
	}
	return core.FeatureWindow{
		UnitID:   w.unitID,
		Capacity: len(w.buf),
		Samples:  samples,
		Ready:    w.Ready(),
	}
}

// Clone returns an independent copy. Samples are immutable and shared.
func (w *Window) Clone() *Window {
	c := &Window{
		unitID: w.unitID,
		limits: w.limits,
		buf:    make([]core.MetricSample, len(w.buf)),
		head:   w.head,
		size:   w.size,
	}
	copy(c.buf, w.buf)
	return c
}

// Builder owns one window per managed unit.
type Builder struct {
	mu      sync.RWMutex
	limits  Limits
	windows map[string]*Window
}

var _ ReadWriter = (*Builder)(nil)

// NewBuilder creates a Builder. Capacity must be positive.
func NewBuilder(limits Limits) (*Builder, error) {
	if limits.Capacity <= 0 {
		return nil, fmt.Errorf("window capacity must be positive, got %d", limits.Capacity)
	}
	return &Builder{
		limits:  limits,
		windows: make(map[string]*Window),
	}, nil
}

// Push implements Writer.
func (b *Builder) Push(unitID string, sample core.MetricSample) (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.windows[unitID]
	if !ok {
		w = NewWindow(unitID, b.limits)
		b.windows[unitID] = w
	}
	return w.Push(sample)
}

// Snapshot implements Reader.
func (b *Builder) Snapshot(unitID string) (core.FeatureWindow, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.windows[unitID]
	if !ok {
		return core.FeatureWindow{}, false
	}
	return w.Snapshot(), true
}

// Units implements Reader.
func (b *Builder) Units() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.windows))
	for id := range b.windows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove implements Writer.
func (b *Builder) Remove(unitID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.windows, unitID)
}

// Clone implements Stager.
func (b *Builder) Clone(unitID string) *Window {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if w, ok := b.windows[unitID]; ok {
		return w.Clone()
	}
	return NewWindow(unitID, b.limits)
}

// Commit implements Stager.
func (b *Builder) Commit(unitID string, w *Window) {
	if w == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.windows[unitID] = w
}
