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

// Package server exposes health, metrics and unit state over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/oran-energy/energy-saving-rapp/internal/collector"
	"github.com/oran-energy/energy-saving-rapp/internal/controller"
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

const (
	shutdownTimeout = 5 * time.Second
	maxIngestBytes  = 8 << 20
)

// UnitStatusProvider is the read side of the control loop.
type UnitStatusProvider interface {
	Units() []string
	Status(unitID string) (controller.UnitStatus, bool)
	ModeCounts() map[core.Mode]int
}

// UnitManager adds and decommissions managed units.
type UnitManager interface {
	UnitStatusProvider
	AddUnit(unitID string) bool
	RemoveUnit(unitID string) bool
}

// Ingester accepts pushed telemetry.
type Ingester interface {
	Append(records ...collector.RawRecord)
}

// Info describes the loaded runtime for the health endpoint.
type Info struct {
	ModelVersion string
	Sink         string
	DryRun       bool
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status       string            `json:"status"`
	ModelVersion string            `json:"modelVersion"`
	Sink         string            `json:"sink"`
	DryRun       bool              `json:"dryRun"`
	Units        int               `json:"units"`
	Modes        map[core.Mode]int `json:"modes"`
}

// IngestRecord is one pushed telemetry record.
type IngestRecord struct {
	UnitID    string         `json:"unitId"`
	Timestamp any            `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

// IngestResponse is the body of a POST /telemetry reply.
type IngestResponse struct {
	Accepted int `json:"accepted"`
	// Ignored counts records of units that are not managed.
	Ignored int `json:"ignored"`
}

// NewRouter builds the HTTP routes. POST /telemetry is only served when
// ingest is not nil.
func NewRouter(units UnitManager, info Info, gatherer prometheus.Gatherer, ingest Ingester) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthHandler(units, info)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/units", listUnitsHandler(units)).Methods(http.MethodGet)
	r.HandleFunc("/units/{id}", unitHandler(units)).Methods(http.MethodGet)
	r.HandleFunc("/units/{id}", addUnitHandler(units)).Methods(http.MethodPut)
	r.HandleFunc("/units/{id}", removeUnitHandler(units)).Methods(http.MethodDelete)
	if ingest != nil {
		r.HandleFunc("/telemetry", ingestHandler(units, ingest)).Methods(http.MethodPost)
	}
	return r
}

// ingestHandler appends records of managed units as they are; validation
// happens on the next tick.
func ingestHandler(units UnitStatusProvider, ingest Ingester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in []IngestRecord
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBytes)).Decode(&in); err != nil {
			writeJSON(r.Context(), w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		managed := make(map[string]bool)
		for _, id := range units.Units() {
			managed[id] = true
		}
		records := make([]collector.RawRecord, 0, len(in))
		for _, rec := range in {
			if !managed[rec.UnitID] {
				continue
			}
			records = append(records, collector.RawRecord{UnitID: rec.UnitID, Timestamp: rec.Timestamp, Fields: rec.Fields})
		}
		ingest.Append(records...)
		writeJSON(r.Context(), w, http.StatusAccepted, IngestResponse{Accepted: len(records), Ignored: len(in) - len(records)})
	}
}

func healthHandler(units UnitStatusProvider, info Info) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:       "ok",
			ModelVersion: info.ModelVersion,
			Sink:         info.Sink,
			DryRun:       info.DryRun,
			Units:        len(units.Units()),
			Modes:        units.ModeCounts(),
		}
		code := http.StatusOK
		if info.ModelVersion == "" || info.Sink == "" {
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
		writeJSON(r.Context(), w, code, resp)
	}
}

func listUnitsHandler(units UnitStatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make([]controller.UnitStatus, 0)
		for _, id := range units.Units() {
			if st, ok := units.Status(id); ok {
				out = append(out, st)
			}
		}
		writeJSON(r.Context(), w, http.StatusOK, out)
	}
}

func unitHandler(units UnitStatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		st, ok := units.Status(id)
		if !ok {
			writeJSON(r.Context(), w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unit %q is not managed", id)})
			return
		}
		writeJSON(r.Context(), w, http.StatusOK, st)
	}
}

func addUnitHandler(units UnitManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		code := http.StatusOK
		if units.AddUnit(id) {
			code = http.StatusCreated
			ctrl.LoggerFrom(r.Context()).Info("Unit added", "unit", id)
		}
		st, _ := units.Status(id)
		writeJSON(r.Context(), w, code, st)
	}
}

// removeUnitHandler decommissions a unit. Its hysteresis state is discarded.
func removeUnitHandler(units UnitManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if !units.RemoveUnit(id) {
			writeJSON(r.Context(), w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unit %q is not managed", id)})
			return
		}
		ctrl.LoggerFrom(r.Context()).Info("Unit decommissioned", "unit", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		ctrl.LoggerFrom(ctx).Error(err, "Failed to write response")
	}
}

// Run serves handler on addr until ctx is cancelled.
func Run(ctx context.Context, addr string, handler http.Handler) error {
	logger := ctrl.LoggerFrom(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error(err, "HTTP server shutdown")
		}
	}()

	logger.Info("HTTP server started", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
