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
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/oran-energy/energy-saving-rapp/internal/config"
	"github.com/oran-energy/energy-saving-rapp/internal/window"
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

// Metadata describes the input and output contract of a model artifact.
type Metadata struct {
	// Version identifies the trained artifact.
	Version string
	// WindowLength is the input sequence length N.
	WindowLength int
	// Features are the input measurements, in column order.
	Features []string
	// Target is the measurement the quantiles predict.
	Target string
}

// Model is a pretrained quantile forecaster over normalized inputs.
// Implementations must be safe for concurrent use.
type Model interface {
	Metadata() Metadata

	// Predict evaluates an [N][F] normalized input and returns normalized quantiles.
	Predict(ctx context.Context, input [][]float64) (core.Quantiles, error)
}

// quantileHead is the linear head of one quantile.
type quantileHead struct {
	// Weights has shape [N][F].
	Weights [][]float64 `yaml:"weights"`
	Bias    float64     `yaml:"bias"`
}

// artifact is the on-disk model format (YAML or JSON).
type artifact struct {
	Version      string   `yaml:"version"`
	WindowLength int      `yaml:"window_length"`
	Features     []string `yaml:"features"`
	Target       string   `yaml:"target"`
	Scaling      struct {
		Mean map[string]float64 `yaml:"mean"`
		Std  map[string]float64 `yaml:"std"`
	} `yaml:"scaling"`
	Quantiles struct {
		P10 quantileHead `yaml:"p10"`
		P50 quantileHead `yaml:"p50"`
		P90 quantileHead `yaml:"p90"`
	} `yaml:"quantiles"`
}

// LinearQuantileModel predicts each quantile as a linear function of the
// flattened input window.
type LinearQuantileModel struct {
	meta    Metadata
	scaling window.FixedScaling
	// weights is [3][N*F], one row per quantile.
	weights *mat.Dense
	bias    *mat.VecDense
}

var _ Model = (*LinearQuantileModel)(nil)

// LoadLinearQuantileModel reads and validates a model artifact.
func LoadLinearQuantileModel(path string) (*LinearQuantileModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model artifact %s: %w", path, err)
	}
	return ParseLinearQuantileModel(raw)
}

// ParseLinearQuantileModel builds a model from artifact bytes.
func ParseLinearQuantileModel(raw []byte) (*LinearQuantileModel, error) {
	var a artifact
	if err := yaml.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("%w: parsing model artifact: %v", config.ErrConfigInvalid, err)
	}
	if a.WindowLength <= 0 || len(a.Features) == 0 || a.Target == "" {
		return nil, fmt.Errorf("%w: model artifact needs window_length, features and target", config.ErrConfigInvalid)
	}

	n, f := a.WindowLength, len(a.Features)
	heads := []quantileHead{a.Quantiles.P10, a.Quantiles.P50, a.Quantiles.P90}
	weights := mat.NewDense(len(heads), n*f, nil)
	bias := mat.NewVecDense(len(heads), nil)
	for q, head := range heads {
		if len(head.Weights) != n {
			return nil, fmt.Errorf("%w: quantile %d has %d weight rows, want %d",
				config.ErrConfigInvalid, q, len(head.Weights), n)
		}
		for i, row := range head.Weights {
			if len(row) != f {
				return nil, fmt.Errorf("%w: quantile %d row %d has %d weights, want %d",
					config.ErrConfigInvalid, q, i, len(row), f)
			}
			for j, w := range row {
				weights.Set(q, i*f+j, w)
			}
		}
		bias.SetVec(q, head.Bias)
	}

	return &LinearQuantileModel{
		meta: Metadata{
			Version:      a.Version,
			WindowLength: n,
			Features:     append([]string(nil), a.Features...),
			Target:       a.Target,
		},
		scaling: window.FixedScaling{Mean: a.Scaling.Mean, Std: a.Scaling.Std},
		weights: weights,
		bias:    bias,
	}, nil
}

// Metadata implements Model.
func (m *LinearQuantileModel) Metadata() Metadata {
	return m.meta
}

// Scaling returns the training-time statistics stored in the artifact.
func (m *LinearQuantileModel) Scaling() window.FixedScaling {
	return m.scaling
}

// Predict implements Model.
func (m *LinearQuantileModel) Predict(ctx context.Context, input [][]float64) (core.Quantiles, error) {
	if err := ctx.Err(); err != nil {
		return core.Quantiles{}, err
	}
	n, f := m.meta.WindowLength, len(m.meta.Features)
	if len(input) != n {
		return core.Quantiles{}, fmt.Errorf("input has %d rows, want %d", len(input), n)
	}
	x := mat.NewVecDense(n*f, nil)
	for i, row := range input {
		if len(row) != f {
			return core.Quantiles{}, fmt.Errorf("input row %d has %d columns, want %d", i, len(row), f)
		}
		for j, v := range row {
			x.SetVec(i*f+j, v)
		}
	}

	var out mat.VecDense
	out.MulVec(m.weights, x)
	out.AddVec(&out, m.bias)
	return core.Quantiles{P10: out.AtVec(0), P50: out.AtVec(1), P90: out.AtVec(2)}, nil
}
