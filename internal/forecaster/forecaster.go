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

package forecaster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/oran-energy/energy-saving-rapp/internal/config"
	"github.com/oran-energy/energy-saving-rapp/internal/window"
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

var (
	// ErrWindowNotReady is returned when the window cannot feed the model.
	// The decision engine holds.
	ErrWindowNotReady = errors.New("feature window not ready")

	// ErrModelInference is returned when the model fails, produces a
	// non-finite output or the context expires. The decision engine treats
	// it as confidence 0.
	ErrModelInference = errors.New("model inference failed")
)

// Forecaster adapts a Model to feature windows.
type Forecaster struct {
	model             Model
	transform         window.Transform
	fields            []string
	maxRelativeSpread float64
	spreadFloor       float64
}

// New creates a Forecaster.
func New(model Model, transform window.Transform, cfg config.ForecastConfig) *Forecaster {
	meta := model.Metadata()
	fields := append([]string(nil), meta.Features...)
	if !slices.Contains(fields, meta.Target) {
		fields = append(fields, meta.Target)
	}
	return &Forecaster{
		model:             model,
		transform:         transform,
		fields:            fields,
		maxRelativeSpread: cfg.MaxRelativeSpread,
		spreadFloor:       cfg.SpreadFloor,
	}
}

// ModelVersion returns the version of the loaded model.
func (f *Forecaster) ModelVersion() string {
	return f.model.Metadata().Version
}

// Predict forecasts the load of the window's unit.
func (f *Forecaster) Predict(ctx context.Context, w core.FeatureWindow) (core.Forecast, error) {
	meta := f.model.Metadata()
	latest, ok := w.Latest()
	if !w.Ready || !ok || w.Len() != meta.WindowLength {
		return core.Forecast{}, fmt.Errorf("%w: unit %s has %d/%d samples (ready=%t)",
			ErrWindowNotReady, w.UnitID, w.Len(), meta.WindowLength, w.Ready)
	}
	if err := ctx.Err(); err != nil {
		return core.Forecast{}, fmt.Errorf("%w: %v", ErrModelInference, err)
	}

	scaling, err := f.transform.Fit(w, f.fields)
	if err != nil {
		return core.Forecast{}, classifyInputError(w.UnitID, err)
	}
	input, err := scaling.Matrix(w, meta.Features)
	if err != nil {
		return core.Forecast{}, classifyInputError(w.UnitID, err)
	}

	q, err := f.model.Predict(ctx, input)
	if err != nil {
		return core.Forecast{}, fmt.Errorf("%w: unit %s: %v", ErrModelInference, w.UnitID, err)
	}

	out := []float64{q.P10, q.P50, q.P90}
	for i, v := range out {
		d, err := scaling.Denormalize(meta.Target, v)
		if err != nil {
			return core.Forecast{}, fmt.Errorf("%w: unit %s: %v", ErrModelInference, w.UnitID, err)
		}
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return core.Forecast{}, fmt.Errorf("%w: unit %s: non-finite quantile %v", ErrModelInference, w.UnitID, d)
		}
		out[i] = d
	}
	sort.Float64s(out)
	quantiles := core.Quantiles{P10: out[0], P50: out[1], P90: out[2]}

	return core.Forecast{
		UnitID:        w.UnitID,
		Timestamp:     latest.Timestamp,
		PredictedLoad: quantiles.P50,
		Confidence:    Confidence(quantiles, f.spreadFloor, f.maxRelativeSpread),
		Quantiles:     quantiles,
		ModelVersion:  meta.Version,
	}, nil
}

// Confidence derives a [0,1] score from the relative quantile spread.
func Confidence(q core.Quantiles, spreadFloor, maxRelativeSpread float64) float64 {
	if maxRelativeSpread <= 0 {
		return 0
	}
	spread := (q.P90 - q.P10) / math.Max(math.Abs(q.P50), spreadFloor)
	c := 1 - spread/maxRelativeSpread
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// CheckCompatibility verifies that the model fits the configured window and
// the measurements the normalizer produces. An empty available list skips the
// feature check.
func CheckCompatibility(meta Metadata, windowLength int, available []string) error {
	if meta.WindowLength != windowLength {
		return fmt.Errorf("%w: model %s expects window_length %d, configured %d",
			config.ErrConfigInvalid, meta.Version, meta.WindowLength, windowLength)
	}
	if len(available) == 0 {
		return nil
	}
	var missing []string
	for _, f := range append(append([]string(nil), meta.Features...), meta.Target) {
		if !slices.Contains(available, f) && !slices.Contains(missing, f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: model %s needs measurements not in the schema: %s",
			config.ErrConfigInvalid, meta.Version, strings.Join(missing, ", "))
	}
	return nil
}

func classifyInputError(unitID string, err error) error {
	if errors.Is(err, window.ErrMissingFeature) {
		return fmt.Errorf("%w: unit %s: %v", ErrWindowNotReady, unitID, err)
	}
	return fmt.Errorf("%w: unit %s: %v", ErrModelInference, unitID, err)
}
