package v1alpha1

import (
	"errors"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

// SchemaVersion is the version of the PolicyPayload format.
const SchemaVersion = "v1alpha1"

// PolicyPayload is the energy-saving policy sent to the enforcement plane.
// One payload is produced per committed transition, or per hold tick when
// heartbeat mode is on. Payloads are immutable once built.
type PolicyPayload struct {
	// PolicyTypeID is the A1 policy type, e.g. "ORAN_EnergySaving_1.0.0".
	// +kubebuilder:validation:MinLength=1
	PolicyTypeID string `json:"policyTypeId"`

	// PolicyID is a UUIDv5 derived from the unit, target mode and decision time.
	// Replaying the same decision yields the same ID, so it doubles as idempotency key.
	PolicyID string `json:"policyId"`

	// SchemaVersion is the payload format version.
	SchemaVersion string `json:"schemaVersion"`

	// ManagedUnitID is the radio unit or cell the policy applies to.
	// +kubebuilder:validation:MinLength=1
	ManagedUnitID string `json:"managedUnitId"`

	// TargetMode is the operating mode the unit must be in.
	// +kubebuilder:validation:Enum=nominal;reduced
	TargetMode core.Mode `json:"targetMode"`

	// Action is the decision that produced the payload: downshift, restore or hold.
	Action string `json:"action"`

	// DecisionTimestamp is the tick time of the decision.
	DecisionTimestamp metav1.Time `json:"decisionTimestamp"`

	// ExpiresAt is when the enforcement plane should drop the policy if not renewed.
	ExpiresAt metav1.Time `json:"expiresAt"`

	// Heartbeat marks a payload that re-asserts the current mode on a hold tick.
	// +optional
	Heartbeat bool `json:"heartbeat"`

	// Rationale explains the decision.
	Rationale Rationale `json:"rationale"`
}

// Rationale carries the inputs of a decision.
type Rationale struct {
	// PredictedLoad is the point forecast in measurement units.
	PredictedLoad float64 `json:"predictedLoad"`

	// Confidence is the forecast confidence in [0,1].
	// +kubebuilder:validation:Minimum=0
	// +kubebuilder:validation:Maximum=1
	Confidence float64 `json:"confidence"`

	// Quantiles are the forecast quantiles.
	Quantiles core.Quantiles `json:"quantiles"`

	// ThresholdCrossed names the threshold that triggered the transition.
	// +optional
	ThresholdCrossed string `json:"thresholdCrossed,omitempty"`

	// ThresholdValue is the value of ThresholdCrossed.
	// +optional
	ThresholdValue *float64 `json:"thresholdValue,omitempty"`

	// ConfirmTicks is the number of consecutive qualifying ticks observed.
	ConfirmTicks int `json:"confirmTicks"`

	// Reason is a machine-readable explanation, e.g. "forecast_below_low_threshold".
	Reason string `json:"reason"`

	// ModelVersion identifies the forecasting model.
	// +optional
	ModelVersion string `json:"modelVersion,omitempty"`
}

// Validate checks the structural invariants of a payload.
func (p *PolicyPayload) Validate() error {
	var errs []error
	if p.PolicyTypeID == "" {
		errs = append(errs, errors.New("policyTypeId is required"))
	}
	if p.PolicyID == "" {
		errs = append(errs, errors.New("policyId is required"))
	}
	if p.ManagedUnitID == "" {
		errs = append(errs, errors.New("managedUnitId is required"))
	}
	if _, err := core.ParseMode(string(p.TargetMode)); err != nil {
		errs = append(errs, fmt.Errorf("targetMode: %w", err))
	}
	if p.DecisionTimestamp.IsZero() {
		errs = append(errs, errors.New("decisionTimestamp is required"))
	}
	if !p.ExpiresAt.After(p.DecisionTimestamp.Time) {
		errs = append(errs, errors.New("expiresAt must be after decisionTimestamp"))
	}
	if p.Rationale.Confidence < 0 || p.Rationale.Confidence > 1 {
		errs = append(errs, fmt.Errorf("rationale.confidence %v outside [0,1]", p.Rationale.Confidence))
	}
	return errors.Join(errs...)
}
