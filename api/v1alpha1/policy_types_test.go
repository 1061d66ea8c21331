package v1alpha1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

// helper: build a valid PolicyPayload
func makeValidPayload() *PolicyPayload {
	ts := time.Unix(1740830400, 0).UTC()
	return &PolicyPayload{
		PolicyTypeID:      "ORAN_EnergySaving_1.0.0",
		PolicyID:          "2f1d6d8e-5c43-5b64-9a0e-0d7c1a3e7d11",
		SchemaVersion:     SchemaVersion,
		ManagedUnitID:     "RU_001",
		TargetMode:        core.ModeReduced,
		Action:            "downshift",
		DecisionTimestamp: metav1.NewTime(ts),
		ExpiresAt:         metav1.NewTime(ts.Add(30 * time.Minute)),
		Rationale: Rationale{
			PredictedLoad:    0.18,
			Confidence:       0.91,
			Quantiles:        core.Quantiles{P10: 0.15, P50: 0.18, P90: 0.21},
			ThresholdCrossed: "low_threshold",
			ThresholdValue:   ptr.To(0.25),
			ConfirmTicks:     10,
			Reason:           "forecast_below_low_threshold",
			ModelVersion:     "lqr-prb-2025.03",
		},
	}
}

func TestPolicyPayloadValidate(t *testing.T) {
	if err := makeValidPayload().Validate(); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(p *PolicyPayload)
		want   string
	}{
		{"missing type", func(p *PolicyPayload) { p.PolicyTypeID = "" }, "policyTypeId"},
		{"missing id", func(p *PolicyPayload) { p.PolicyID = "" }, "policyId"},
		{"missing unit", func(p *PolicyPayload) { p.ManagedUnitID = "" }, "managedUnitId"},
		{"bad mode", func(p *PolicyPayload) { p.TargetMode = "sleep" }, "targetMode"},
		{"expiry before decision", func(p *PolicyPayload) { p.ExpiresAt = p.DecisionTimestamp }, "expiresAt"},
		{"confidence above one", func(p *PolicyPayload) { p.Rationale.Confidence = 1.2 }, "confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := makeValidPayload()
			tt.mutate(p)
			err := p.Validate()
			if err == nil {
				t.Fatalf("expected error for %s", tt.name)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestPolicyPayloadWireFormat(t *testing.T) {
	raw, err := json.Marshal(makeValidPayload())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if m["decisionTimestamp"] != "2025-03-01T12:00:00Z" {
		t.Errorf("unexpected decisionTimestamp %v", m["decisionTimestamp"])
	}
	if m["targetMode"] != "reduced" {
		t.Errorf("unexpected targetMode %v", m["targetMode"])
	}
	if hb, ok := m["heartbeat"].(bool); !ok || hb {
		t.Errorf("heartbeat must always be present, got %v", m["heartbeat"])
	}
	rationale, ok := m["rationale"].(map[string]any)
	if !ok {
		t.Fatalf("rationale missing: %s", raw)
	}
	if _, ok := rationale["quantiles"].(map[string]any)["p90"]; !ok {
		t.Errorf("quantiles.p90 missing: %s", raw)
	}
}
