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

// Package common holds state shared between the control loop and the service layer.
package common

import (
	"sync"
	"time"

	"github.com/oran-energy/energy-saving-rapp/internal/config"
	"github.com/oran-energy/energy-saving-rapp/internal/engines/decision"
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

// UnitRecord is everything the control loop remembers about a unit between ticks,
// apart from its feature window.
type UnitRecord struct {
	// State is the hysteresis state.
	State core.UnitControlState `json:"state"`

	// Cursor is the timestamp of the newest sample consumed. Fetches start after it.
	Cursor time.Time `json:"cursor"`

	// LastDecision is the decision of the last committed pass, if any.
	LastDecision *decision.Decision `json:"lastDecision,omitempty"`

	// LastForecast is the forecast of the last committed pass, if any.
	LastForecast *core.Forecast `json:"lastForecast,omitempty"`
}

// UnitStateCache is a thread-safe map of unit ID to UnitRecord.
type UnitStateCache struct {
	mu    sync.RWMutex
	items map[string]UnitRecord
}

// NewUnitStateCache creates an empty cache.
func NewUnitStateCache() *UnitStateCache {
	return &UnitStateCache{items: make(map[string]UnitRecord)}
}

// Get returns the unit's record.
func (c *UnitStateCache) Get(unitID string) (UnitRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.items[unitID]
	return r, ok
}

// Set replaces the unit's record.
func (c *UnitStateCache) Set(unitID string, r UnitRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[unitID] = r
}

// Delete drops the unit's record.
func (c *UnitStateCache) Delete(unitID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, unitID)
}

// CountByMode returns the number of units in each mode.
func (c *UnitStateCache) CountByMode() map[core.Mode]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[core.Mode]int{core.ModeNominal: 0, core.ModeReduced: 0}
	for _, r := range c.items {
		out[r.State.CurrentMode]++
	}
	return out
}

// GlobalConfig holds the thresholds configuration that can change while the loop runs.
type GlobalConfig struct {
	mu        sync.RWMutex
	base      config.Thresholds
	overrides config.UnitOverrideData
}

// NewGlobalConfig creates a GlobalConfig with the base thresholds.
func NewGlobalConfig(base config.Thresholds) *GlobalConfig {
	return &GlobalConfig{base: base}
}

// UpdateUnitOverrides replaces the per-unit overrides.
func (g *GlobalConfig) UpdateUnitOverrides(overrides config.UnitOverrideData) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrides = overrides
}

// ThresholdsFor returns the effective thresholds of a unit.
func (g *GlobalConfig) ThresholdsFor(unitID string) config.Thresholds {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.overrides.ThresholdsFor(unitID, g.base)
}
