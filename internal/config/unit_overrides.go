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

package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/oran-energy/energy-saving-rapp/internal/logging"
)

const (
	// DefaultUnitOverridesConfigMapName is the default name of the ConfigMap that stores
	// per-unit decision threshold overrides.
	DefaultUnitOverridesConfigMapName = "unit-thresholds-config"

	// GlobalDefaultsKey is the entry applied to every unit before its own override.
	GlobalDefaultsKey = "default"
)

// UnitOverride holds threshold overrides for a single managed unit.
// Unset fields inherit from the global defaults entry and then from the base configuration.
type UnitOverride struct {
	// UnitID is the managed unit identifier (only used in per-unit entries)
	UnitID string `yaml:"unit_id,omitempty" json:"unit_id,omitempty"`

	LowThreshold     *float64 `yaml:"lowThreshold,omitempty" json:"lowThreshold,omitempty"`
	HighThreshold    *float64 `yaml:"highThreshold,omitempty" json:"highThreshold,omitempty"`
	MinConfidence    *float64 `yaml:"minConfidence,omitempty" json:"minConfidence,omitempty"`
	ConfirmTicksDown *int     `yaml:"confirmTicksDown,omitempty" json:"confirmTicksDown,omitempty"`
	ConfirmTicksUp   *int     `yaml:"confirmTicksUp,omitempty" json:"confirmTicksUp,omitempty"`

	// MinDwellTime is stored as a string duration (e.g., "5m", "1h", "30s").
	MinDwellTime string `yaml:"minDwellTime,omitempty" json:"minDwellTime,omitempty"`
}

// UnitOverrideData maps unit ID (or GlobalDefaultsKey) to its override.
type UnitOverrideData map[string]UnitOverride

// ApplyTo returns base with every set field of the override replaced, validated.
func (o UnitOverride) ApplyTo(base Thresholds) (Thresholds, error) {
	out := Thresholds{
		LowThreshold:     ptr.Deref(o.LowThreshold, base.LowThreshold),
		HighThreshold:    ptr.Deref(o.HighThreshold, base.HighThreshold),
		MinConfidence:    ptr.Deref(o.MinConfidence, base.MinConfidence),
		ConfirmTicksDown: ptr.Deref(o.ConfirmTicksDown, base.ConfirmTicksDown),
		ConfirmTicksUp:   ptr.Deref(o.ConfirmTicksUp, base.ConfirmTicksUp),
		MinDwellTime:     base.MinDwellTime,
	}
	if o.MinDwellTime != "" {
		d, err := time.ParseDuration(o.MinDwellTime)
		if err != nil {
			return base, fmt.Errorf("%w: invalid minDwellTime: %v", ErrConfigInvalid, err)
		}
		out.MinDwellTime = d
	}
	if err := out.Validate(); err != nil {
		return base, err
	}
	return out, nil
}

// ParseUnitOverrides parses per-unit overrides from a ConfigMap's data.
// The ConfigMap format:
//   - "default": overrides applied to all units
//   - "<entry-name>": per-unit override with a unit_id field
//
// Entries that fail to parse, or that produce invalid thresholds when layered on
// base, are skipped and logged.
func ParseUnitOverrides(data map[string]string, base Thresholds) UnitOverrideData {
	entries := make(map[string]UnitOverride, len(data))
	for key, raw := range data {
		var o UnitOverride
		if err := yaml.Unmarshal([]byte(raw), &o); err != nil {
			ctrl.Log.Info("Failed to parse unit override entry, skipping",
				"key", key,
				"error", err)
			continue
		}
		entries[key] = o
	}
	return buildOverrides(entries, base)
}

// LoadUnitOverridesFile reads overrides from a YAML file mapping entry name to override.
func LoadUnitOverridesFile(path string, base Thresholds) (UnitOverrideData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading overrides file %s: %w", path, err)
	}
	entries := make(map[string]UnitOverride)
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: parsing overrides file %s: %v", ErrConfigInvalid, path, err)
	}
	return buildOverrides(entries, base), nil
}

func buildOverrides(entries map[string]UnitOverride, base Thresholds) UnitOverrideData {
	out := make(UnitOverrideData)

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	defaults := base
	if d, ok := entries[GlobalDefaultsKey]; ok {
		merged, err := d.ApplyTo(base)
		if err != nil {
			ctrl.Log.Info("Invalid default unit override, ignoring", "error", err)
		} else {
			out[GlobalDefaultsKey] = d
			defaults = merged
		}
	}

	unitToKey := make(map[string]string)
	for _, key := range keys {
		if key == GlobalDefaultsKey {
			continue
		}
		o := entries[key]
		if o.UnitID == "" {
			ctrl.Log.Info("Skipping unit override without unit_id field", "key", key)
			continue
		}
		if winner, exists := unitToKey[o.UnitID]; exists {
			ctrl.Log.Info("Duplicate unit_id found in unit overrides - first key wins",
				"unit_id", o.UnitID,
				"winningKey", winner,
				"duplicateKey", key)
			continue
		}
		if _, err := o.ApplyTo(defaults); err != nil {
			ctrl.Log.Info("Invalid unit override entry, skipping",
				"key", key,
				"error", err)
			continue
		}
		unitToKey[o.UnitID] = key
		out[o.UnitID] = o
	}

	ctrl.Log.V(logging.DEBUG).Info("Parsed unit overrides", "unitCount", len(unitToKey))
	return out
}

// ThresholdsFor returns the effective thresholds for a unit: base, then the
// global defaults entry, then the unit's own entry.
func (data UnitOverrideData) ThresholdsFor(unitID string, base Thresholds) Thresholds {
	effective := base
	if d, ok := data[GlobalDefaultsKey]; ok {
		if merged, err := d.ApplyTo(effective); err == nil {
			effective = merged
		}
	}
	if o, ok := data[unitID]; ok && unitID != GlobalDefaultsKey {
		if merged, err := o.ApplyTo(effective); err == nil {
			effective = merged
		}
	}
	return effective
}
