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
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/oran-energy/energy-saving-rapp/internal/config"
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

// ErrMissingFeature is returned when a sample lacks a measurement the model needs.
var ErrMissingFeature = errors.New("sample is missing a model feature")

// Transform derives the per-feature scaling used to build the model input.
// Implementations are stateless.
type Transform interface {
	// Name returns the transform name (e.g., "fixed", "zscore").
	Name() string

	// Fit returns the scaling of fields for the given window.
	Fit(w core.FeatureWindow, fields []string) (Scaling, error)
}

// Scaling is a per-field affine normalization: scaled = (x - Mean) / Std.
type Scaling struct {
	Fields []string
	Mean   []float64
	Std    []float64
}

func (s Scaling) index(field string) int {
	for i, f := range s.Fields {
		if f == field {
			return i
		}
	}
	return -1
}

// Matrix builds the [N][F] model input for features, oldest sample first.
func (s Scaling) Matrix(w core.FeatureWindow, features []string) ([][]float64, error) {
	idx := make([]int, len(features))
	for j, f := range features {
		if idx[j] = s.index(f); idx[j] < 0 {
			return nil, fmt.Errorf("no scaling for feature %q", f)
		}
	}
	out := make([][]float64, len(w.Samples))
	for i, sample := range w.Samples {
		row := make([]float64, len(features))
		for j, f := range features {
			v, ok := sample.Value(f)
			if !ok {
				return nil, fmt.Errorf("%w: %q at %s", ErrMissingFeature, f, sample.Timestamp)
			}
			k := idx[j]
			row[j] = (v - s.Mean[k]) / s.Std[k]
		}
		out[i] = row
	}
	return out, nil
}

// Denormalize maps a scaled value of field back into measurement units.
func (s Scaling) Denormalize(field string, v float64) (float64, error) {
	k := s.index(field)
	if k < 0 {
		return 0, fmt.Errorf("no scaling for field %q", field)
	}
	return v*s.Std[k] + s.Mean[k], nil
}

// FixedScaling uses statistics recorded at training time.
type FixedScaling struct {
	Mean map[string]float64
	Std  map[string]float64
}

// Name implements Transform.
func (FixedScaling) Name() string {
	return config.TransformFixed
}

// Fit implements Transform.
func (t FixedScaling) Fit(_ core.FeatureWindow, fields []string) (Scaling, error) {
	s := Scaling{
		Fields: fields,
		Mean:   make([]float64, len(fields)),
		Std:    make([]float64, len(fields)),
	}
	for i, f := range fields {
		mean, ok := t.Mean[f]
		if !ok {
			return Scaling{}, fmt.Errorf("no training mean for %q", f)
		}
		s.Mean[i] = mean
		s.Std[i] = safeStd(t.Std[f])
	}
	return s, nil
}

// WindowZScore standardizes every feature over the window contents.
type WindowZScore struct{}

// Name implements Transform.
func (WindowZScore) Name() string {
	return config.TransformZScore
}

// Fit implements Transform.
func (WindowZScore) Fit(w core.FeatureWindow, fields []string) (Scaling, error) {
	s := Scaling{
		Fields: fields,
		Mean:   make([]float64, len(fields)),
		Std:    make([]float64, len(fields)),
	}
	col := make([]float64, len(w.Samples))
	for i, f := range fields {
		for j, sample := range w.Samples {
			v, ok := sample.Value(f)
			if !ok {
				return Scaling{}, fmt.Errorf("%w: %q at %s", ErrMissingFeature, f, sample.Timestamp)
			}
			col[j] = v
		}
		if len(col) < 2 {
			s.Mean[i] = stat.Mean(col, nil)
			s.Std[i] = 1
			continue
		}
		mean, std := stat.MeanStdDev(col, nil)
		s.Mean[i] = mean
		s.Std[i] = safeStd(std)
	}
	return s, nil
}

// NewTransform returns the transform registered under name.
func NewTransform(name string, fixed FixedScaling) (Transform, error) {
	switch name {
	case config.TransformFixed, "":
		return fixed, nil
	case config.TransformZScore:
		return WindowZScore{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown transform %q", config.ErrConfigInvalid, name)
	}
}

func safeStd(std float64) float64 {
	if std == 0 || math.IsNaN(std) || math.IsInf(std, 0) {
		return 1
	}
	return math.Abs(std)
}
