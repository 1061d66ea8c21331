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

package collector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/oran-energy/energy-saving-rapp/internal/config"
	"github.com/oran-energy/energy-saving-rapp/internal/logging"
)

// UnitPlaceholder is replaced by the unit identifier in query templates.
const UnitPlaceholder = "$unit"

// PrometheusSource fetches unit telemetry with Prometheus range queries.
type PrometheusSource struct {
	api     promv1.API
	step    time.Duration
	queries map[string]string
}

var _ TelemetrySource = (*PrometheusSource)(nil)

// NewPrometheusSource creates a source for the configured Prometheus endpoint.
func NewPrometheusSource(cfg config.TelemetryConfig) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: cfg.PrometheusURL})
	if err != nil {
		return nil, fmt.Errorf("creating prometheus client: %w", err)
	}
	return NewPrometheusSourceWithAPI(promv1.NewAPI(client), cfg.Step, cfg.Queries), nil
}

// NewPrometheusSourceWithAPI creates a source on top of an existing API client.
func NewPrometheusSourceWithAPI(promAPI promv1.API, step time.Duration, queries map[string]string) *PrometheusSource {
	if step <= 0 {
		step = time.Minute
	}
	return &PrometheusSource{
		api:     promAPI,
		step:    step,
		queries: queries,
	}
}

// Name implements TelemetrySource.
func (s *PrometheusSource) Name() string {
	return config.SourcePrometheus
}

// Fetch implements TelemetrySource. Each configured measurement is queried
// separately and the results are joined on timestamp.
func (s *PrometheusSource) Fetch(ctx context.Context, unitID string, start, end time.Time) ([]RawRecord, error) {
	logger := ctrl.LoggerFrom(ctx)

	names := make([]string, 0, len(s.queries))
	for name := range s.queries {
		names = append(names, name)
	}
	sort.Strings(names)

	// Range queries are evaluated at Start + k*Step. The first evaluation is one
	// step after the exclusive start, so fetches resumed from the cursor stay on
	// the grid of the previous fetch.
	first := start.Add(s.step)
	if first.After(end) {
		return nil, nil
	}
	r := promv1.Range{Start: first, End: end, Step: s.step}

	series := make([]*TimeSeries, 0, len(names))
	for _, name := range names {
		query := strings.ReplaceAll(s.queries[name], UnitPlaceholder, unitID)
		value, warnings, err := s.api.QueryRange(ctx, query, r)
		if err != nil {
			return nil, fmt.Errorf("querying %s for unit %s: %w", name, unitID, err)
		}
		if len(warnings) > 0 {
			logger.V(logging.DEBUG).Info("Prometheus query returned warnings",
				"unit", unitID,
				"measurement", name,
				"warnings", warnings)
		}
		ts, err := toTimeSeries(name, value)
		if err != nil {
			return nil, fmt.Errorf("unit %s: %w", unitID, err)
		}
		series = append(series, ts)
	}
	return JoinSeries(unitID, series), nil
}

func toTimeSeries(name string, value model.Value) (*TimeSeries, error) {
	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("query for %s returned %s, expected matrix", name, value.Type())
	}
	ts := NewTimeSeries(name)
	switch len(matrix) {
	case 0:
		return ts, nil
	case 1:
	default:
		return nil, fmt.Errorf("query for %s returned %d series, expected 1", name, len(matrix))
	}
	for _, pair := range matrix[0].Values {
		ts.AddPoint(pair.Timestamp.Time().UTC(), float64(pair.Value))
	}
	return ts, nil
}
