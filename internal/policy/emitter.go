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

// Package policy builds energy-saving policy payloads from decisions.
package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/oran-energy/energy-saving-rapp/api/v1alpha1"
	"github.com/oran-energy/energy-saving-rapp/internal/config"
	"github.com/oran-energy/energy-saving-rapp/internal/engines/decision"
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

var (
	// ErrNotActionable is returned for decisions that do not produce a payload.
	ErrNotActionable = errors.New("decision does not produce a policy")

	// ErrInvalidPayload is returned when a payload fails schema validation.
	ErrInvalidPayload = errors.New("policy payload failed validation")
)

//go:embed schema.json
var defaultSchema []byte

const defaultSchemaURL = "mem://policy/schema.json"

// policyNamespace scopes the UUIDv5 policy IDs of this application.
var policyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:oran-energy:energy-saving-rapp:policy"))

// PolicyID returns the deterministic ID of the policy for a unit, target mode and decision time.
func PolicyID(unitID string, target core.Mode, ts time.Time) string {
	name := fmt.Sprintf("%s/%s/%s", unitID, target, ts.UTC().Format(time.RFC3339Nano))
	return uuid.NewSHA1(policyNamespace, []byte(name)).String()
}

// Emitter builds and validates policy payloads. It has no side effects.
type Emitter struct {
	policyTypeID string
	expiry       time.Duration
	heartbeat    bool
	schema       *jsonschema.Schema
}

// NewEmitter creates an Emitter. The payload schema is read from cfg.SchemaPath,
// or the built-in schema is used when it is empty.
func NewEmitter(cfg config.PolicyConfig, heartbeat bool) (*Emitter, error) {
	raw, url := defaultSchema, defaultSchemaURL
	if cfg.SchemaPath != "" {
		b, err := os.ReadFile(cfg.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("reading policy schema %s: %w", cfg.SchemaPath, err)
		}
		abs, err := filepath.Abs(cfg.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("resolve policy schema path: %w", err)
		}
		raw, url = b, abs
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: add policy schema: %v", config.ErrConfigInvalid, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: compile policy schema: %v", config.ErrConfigInvalid, err)
	}
	if cfg.Expiry <= 0 {
		return nil, fmt.Errorf("%w: policy expiry must be positive", config.ErrConfigInvalid)
	}
	return &Emitter{
		policyTypeID: cfg.PolicyTypeID,
		expiry:       cfg.Expiry,
		heartbeat:    heartbeat,
		schema:       schema,
	}, nil
}

// ShouldEmit reports whether a decision produces a payload.
func (e *Emitter) ShouldEmit(d decision.Decision) bool {
	return d.IsTransition() || (e.heartbeat && d.Action == decision.ActionHold)
}

// Emit builds the payload of a decision. forecast may be nil on ticks without one.
func (e *Emitter) Emit(unitID string, d decision.Decision, forecast *core.Forecast) (*v1alpha1.PolicyPayload, error) {
	if !e.ShouldEmit(d) {
		return nil, fmt.Errorf("%w: %s for unit %s", ErrNotActionable, d.Action, unitID)
	}

	ts := d.Timestamp.UTC()
	p := &v1alpha1.PolicyPayload{
		PolicyTypeID:      e.policyTypeID,
		PolicyID:          PolicyID(unitID, d.To, ts),
		SchemaVersion:     v1alpha1.SchemaVersion,
		ManagedUnitID:     unitID,
		TargetMode:        d.To,
		Action:            string(d.Action),
		DecisionTimestamp: metav1.NewTime(ts),
		ExpiresAt:         metav1.NewTime(ts.Add(e.expiry)),
		Heartbeat:         d.Action == decision.ActionHold,
		Rationale: v1alpha1.Rationale{
			ThresholdCrossed: d.ThresholdCrossed,
			ConfirmTicks:     d.ConfirmTicks,
			Reason:           d.Reason,
		},
	}
	if d.ThresholdCrossed != "" {
		v := d.ThresholdValue
		p.Rationale.ThresholdValue = &v
	}
	if forecast != nil {
		p.Rationale.PredictedLoad = forecast.PredictedLoad
		p.Rationale.Confidence = forecast.Confidence
		p.Rationale.Quantiles = forecast.Quantiles
		p.Rationale.ModelVersion = forecast.ModelVersion
	}

	if err := e.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks a payload against its invariants and the policy-type schema.
func (e *Emitter) Validate(p *v1alpha1.PolicyPayload) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
