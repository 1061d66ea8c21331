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
	"time"
)

// TelemetrySource is the interface for pluggable telemetry sources.
// Implementations include PrometheusSource and StaticSource.
type TelemetrySource interface {
	// Name returns the unique name of this source (e.g., "prometheus", "static").
	Name() string

	// Fetch returns the raw records of unitID with start < timestamp <= end,
	// in chronological order. Records are not validated.
	Fetch(ctx context.Context, unitID string, start, end time.Time) ([]RawRecord, error)
}
