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

package e2eemulated

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oran-energy/energy-saving-rapp/internal/actuator"
	"github.com/oran-energy/energy-saving-rapp/internal/audit"
	"github.com/oran-energy/energy-saving-rapp/internal/collector"
	"github.com/oran-energy/energy-saving-rapp/internal/config"
	"github.com/oran-energy/energy-saving-rapp/internal/controller"
	"github.com/oran-energy/energy-saving-rapp/internal/engines/common"
	"github.com/oran-energy/energy-saving-rapp/internal/forecaster"
	"github.com/oran-energy/energy-saving-rapp/internal/metrics"
	"github.com/oran-energy/energy-saving-rapp/internal/normalizer"
	"github.com/oran-energy/energy-saving-rapp/internal/policy"
	"github.com/oran-energy/energy-saving-rapp/internal/server"
	"github.com/oran-energy/energy-saving-rapp/internal/window"
)

// Emulated cell IDs.
const (
	nightCell  = "RU_001"
	steadyCell = "RU_002"
)

// epoch is minute 0 of the emulation.
var epoch = time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC)

func minuteAt(m int) time.Time {
	return epoch.Add(time.Duration(m) * time.Minute)
}

// nightThenPeak is a cell that idles until minute 14 and then carries peak traffic.
func nightThenPeak(m int) float64 {
	if m < 14 {
		return 0.2
	}
	return 0.7
}

// steadyLoad sits inside the hysteresis band.
func steadyLoad(int) float64 {
	return 0.35
}

const configTemplate = `
window_length: 12
expected_interval: 1m
max_gap: 3
low_threshold: 0.25
high_threshold: 0.50
min_confidence: 0.8
confirm_ticks_down: 3
confirm_ticks_up: 1
min_dwell_time: 5m
schema:
  prb_util:
    required: true
    min: 0
    max: 1
    out_of_range: clamp
forecast:
  model_path: %q
sink:
  type: file
  file_dir: %q
audit_path: %q
loop:
  units: [%s, %s]
  tick_interval: 1m
  tick_timeout: 5s
  workers: 2
`

// Emulator is an in-process rApp wired to an emulated telemetry feed.
type Emulator struct {
	Dir      string
	Config   *config.Config
	Source   *collector.StaticSource
	Sink     actuator.Sink
	Loop     *controller.Controller
	Registry *prometheus.Registry
	Server   *httptest.Server
	audit    *audit.Recorder
}

// NewEmulator writes a configuration into dir and builds the rApp from it.
// Emulators sharing store share their delivered-policy claims.
func NewEmulator(dir string, store actuator.ClaimStore) (*Emulator, error) {
	modelPath, err := filepath.Abs(filepath.Join("..", "..", "models", "model.yaml"))
	if err != nil {
		return nil, err
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(configTemplate, modelPath,
		filepath.Join(dir, "policies"), filepath.Join(dir, "logs", "decision_log.jsonl"),
		nightCell, steadyCell)
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath, nil)
	if err != nil {
		return nil, err
	}

	model, err := forecaster.LoadLinearQuantileModel(cfg.Forecast.ModelPath)
	if err != nil {
		return nil, err
	}
	if err := forecaster.CheckCompatibility(model.Metadata(), cfg.WindowLength, []string{"prb_util"}); err != nil {
		return nil, err
	}
	transform, err := window.NewTransform(cfg.Forecast.Transform, model.Scaling())
	if err != nil {
		return nil, err
	}
	windows, err := window.NewBuilder(window.Limits{
		Capacity:        cfg.WindowLength,
		GapLimit:        cfg.GapLimit(),
		ContiguityLimit: cfg.ContiguityLimit(),
	})
	if err != nil {
		return nil, err
	}
	emitter, err := policy.NewEmitter(cfg.Policy, cfg.HeartbeatMode)
	if err != nil {
		return nil, err
	}
	files, err := actuator.NewFileSink(cfg.Sink.FileDir)
	if err != nil {
		return nil, err
	}
	sink := actuator.NewDedupSink(files, store, cfg.Sink.DedupTTL)
	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		return nil, err
	}

	source := collector.NewStaticSource()
	reg := prometheus.NewRegistry()
	loop, err := controller.New(controller.Deps{
		Source:     source,
		Normalizer: normalizer.New(cfg.Schema),
		Windows:    windows,
		Forecaster: forecaster.New(model, transform, cfg.Forecast),
		Emitter:    emitter,
		Sink:       sink,
		Thresholds: common.NewGlobalConfig(cfg.Thresholds),
		Metrics:    metrics.NewRecorder(reg),
		Audit:      auditLog,
	}, controller.OptionsFromConfig(cfg))
	if err != nil {
		return nil, err
	}

	router := server.NewRouter(loop, server.Info{
		ModelVersion: model.Metadata().Version,
		Sink:         sink.Name(),
	}, reg, source)

	return &Emulator{
		Dir:      dir,
		Config:   cfg,
		Source:   source,
		Sink:     sink,
		Loop:     loop,
		Registry: reg,
		Server:   httptest.NewServer(router),
		audit:    auditLog,
	}, nil
}

// Feed appends one sample per minute in [from, to] for a cell.
func (e *Emulator) Feed(unitID string, from, to int, load func(int) float64) {
	for m := from; m <= to; m++ {
		e.Source.Append(collector.RawRecord{
			UnitID:    unitID,
			Timestamp: minuteAt(m),
			Fields:    map[string]any{"prb_util": load(m)},
		})
	}
}

// Tick runs the control loop at minute m.
func (e *Emulator) Tick(ctx context.Context, m int) controller.TickSummary {
	return e.Loop.RunTick(ctx, minuteAt(m))
}

// PolicyFiles lists the policies written for a cell.
func (e *Emulator) PolicyFiles(unitID string) []string {
	files, _ := filepath.Glob(filepath.Join(e.Config.Sink.FileDir, unitID+"-*.json"))
	return files
}

// AuditPath is the decision log file.
func (e *Emulator) AuditPath() string {
	return e.Config.AuditPath
}

// Close stops the HTTP server and flushes the audit log.
func (e *Emulator) Close() {
	e.Server.Close()
	_ = e.audit.Close()
	_ = e.Sink.Close()
}
