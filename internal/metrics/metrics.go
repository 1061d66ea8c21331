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

// Package metrics exposes the Prometheus metrics of the control loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

const namespace = "rapp"

// Outcomes of a unit pass.
const (
	OutcomeCommitted = "committed"
	OutcomeBusy      = "skipped_busy"
	OutcomeTimeout   = "abandoned_timeout"
	OutcomeError     = "abandoned_error"
	OutcomeRemoved   = "dropped_removed"
)

// Reasons a sample is dropped.
const (
	DropMalformed  = "malformed"
	DropOutOfOrder = "out_of_order"
)

// Reasons a forecast is missing.
const (
	ForecastNotReady  = "not_ready"
	ForecastInference = "inference"
)

// Send results.
const (
	SendSuccess = "success"
	SendFailure = "failure"
)

// Recorder holds the control loop metrics, registered on one registry.
type Recorder struct {
	Ticks            prometheus.Counter
	TickDuration     prometheus.Histogram
	UnitPasses       *prometheus.CounterVec
	SamplesDropped   *prometheus.CounterVec
	WindowResets     prometheus.Counter
	ForecastFailures *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	PolicySends      *prometheus.CounterVec
	UnitsManaged     prometheus.Gauge
	UnitMode         *prometheus.GaugeVec
	ForecastLoad     *prometheus.GaugeVec
	ForecastConf     *prometheus.GaugeVec
}

// NewRecorder creates the metrics and registers them on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "ticks_total",
			Help:      "Total control loop ticks",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "tick_duration_seconds",
			Help:      "Control loop tick duration across all units",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		UnitPasses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "unit_passes_total",
			Help:      "Unit pipeline passes by outcome",
		}, []string{"outcome"}),
		SamplesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "samples_dropped_total",
			Help:      "Telemetry samples dropped before entering a window",
		}, []string{"reason"}),
		WindowResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "resets_total",
			Help:      "Windows cleared because of a telemetry gap",
		}),
		ForecastFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forecaster",
			Name:      "failures_total",
			Help:      "Ticks without a usable forecast",
		}, []string{"reason"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "decisions_total",
			Help:      "Committed decisions by action",
		}, []string{"action"}),
		PolicySends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "sends_total",
			Help:      "Policy payload deliveries by sink and result",
		}, []string{"sink", "result"}),
		UnitsManaged: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_managed",
			Help:      "Number of managed units",
		}),
		UnitMode: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "unit",
			Name:      "reduced_mode",
			Help:      "1 when the unit is in the energy-saving mode, 0 otherwise",
		}, []string{"unit"}),
		ForecastLoad: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "unit",
			Name:      "forecast_load",
			Help:      "Latest point forecast of the unit load",
		}, []string{"unit"}),
		ForecastConf: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "unit",
			Name:      "forecast_confidence",
			Help:      "Confidence of the latest forecast",
		}, []string{"unit"}),
	}
}

// SetMode records the committed mode of a unit.
func (r *Recorder) SetMode(unitID string, mode core.Mode) {
	v := 0.0
	if mode == core.ModeReduced {
		v = 1
	}
	r.UnitMode.WithLabelValues(unitID).Set(v)
}

// SetForecast records the latest forecast of a unit.
func (r *Recorder) SetForecast(f core.Forecast) {
	r.ForecastLoad.WithLabelValues(f.UnitID).Set(f.PredictedLoad)
	r.ForecastConf.WithLabelValues(f.UnitID).Set(f.Confidence)
}

// DeleteUnit drops the per-unit series of a decommissioned unit.
func (r *Recorder) DeleteUnit(unitID string) {
	r.UnitMode.DeleteLabelValues(unitID)
	r.ForecastLoad.DeleteLabelValues(unitID)
	r.ForecastConf.DeleteLabelValues(unitID)
}
