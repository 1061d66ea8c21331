// Package collector provides telemetry collection for the energy-saving control loop.
//
// The collector package implements pluggable telemetry sources that return the
// raw, unvalidated records of a managed unit (radio unit or cell) for a time range.
// Records are handed to the normalizer before anything else looks at them.
//
// # Supported Backends
//
//   - Prometheus: range queries against a Prometheus-compatible API (PrometheusSource)
//   - Static: in-memory records, used for replay, emulation and tests (StaticSource)
//
// # Prometheus Queries
//
// Each measurement is configured as a PromQL template. The "$unit" placeholder
// is replaced with the unit identifier before the query runs:
//
//	telemetry:
//	  type: prometheus
//	  prometheus_url: http://prometheus:9090
//	  queries:
//	    prb_util: avg(ru_prb_utilization{ru="$unit"})
//	    active_ues: sum(ru_active_ues{ru="$unit"})
//
// Query results are joined on timestamp: every distinct timestamp yields one
// RawRecord holding whatever measurements were present at that instant. Missing
// measurements are left out and reported by the normalizer when required.
//
// # Usage Example
//
//	source, err := collector.NewPrometheusSource(cfg.Telemetry)
//	if err != nil {
//		return err
//	}
//	records, err := source.Fetch(ctx, "RU_001", start, end)
package collector
