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

package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/oran-energy/energy-saving-rapp/internal/actuator"
	"github.com/oran-energy/energy-saving-rapp/internal/audit"
	"github.com/oran-energy/energy-saving-rapp/internal/collector"
	"github.com/oran-energy/energy-saving-rapp/internal/config"
	"github.com/oran-energy/energy-saving-rapp/internal/controller"
	"github.com/oran-energy/energy-saving-rapp/internal/engines/common"
	"github.com/oran-energy/energy-saving-rapp/internal/forecaster"
	"github.com/oran-energy/energy-saving-rapp/internal/logging"
	"github.com/oran-energy/energy-saving-rapp/internal/metrics"
	"github.com/oran-energy/energy-saving-rapp/internal/normalizer"
	"github.com/oran-energy/energy-saving-rapp/internal/policy"
	"github.com/oran-energy/energy-saving-rapp/internal/server"
	"github.com/oran-energy/energy-saving-rapp/internal/tracing"
	"github.com/oran-energy/energy-saving-rapp/internal/window"
)

// overridesRefreshInterval is how often ConfigMap overrides are re-read.
const overridesRefreshInterval = time.Minute

func main() {
	flags := pflag.NewFlagSet("rapp", pflag.ExitOnError)
	configPath := flags.String("config", "", "Path to the YAML configuration file")
	flags.String("addr", ":8080", "Address of the health, metrics and state endpoints")
	flags.String("log-level", "info", "Log verbosity: info, debug or trace")
	flags.Bool("development", false, "Use the development logger")
	flags.Bool("dry-run", false, "Write policies to files instead of sending them")
	flags.String("model-path", "", "Path to the forecast model artifact")
	flags.String("audit-path", "", "Path of the JSON lines decision audit log")
	_ = flags.Parse(os.Args[1:])

	if err := run(*configPath, flags); err != nil {
		fmt.Fprintf(os.Stderr, "rapp: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, flags *pflag.FlagSet) error {
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return err
	}
	logger, err := logging.Setup(cfg.Server.LogLevel, cfg.Server.Development)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfigInvalid, err)
	}
	setupLog := logger.WithName("setup")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.IntoContext(ctx, logger)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			setupLog.Error(err, "Tracing shutdown")
		}
	}()

	model, err := forecaster.LoadLinearQuantileModel(cfg.Forecast.ModelPath)
	if err != nil {
		return err
	}
	if err := forecaster.CheckCompatibility(model.Metadata(), cfg.WindowLength, availableFields(cfg)); err != nil {
		return err
	}
	transform, err := window.NewTransform(cfg.Forecast.Transform, model.Scaling())
	if err != nil {
		return err
	}
	windows, err := window.NewBuilder(window.Limits{
		Capacity:        cfg.WindowLength,
		GapLimit:        cfg.GapLimit(),
		ContiguityLimit: cfg.ContiguityLimit(),
	})
	if err != nil {
		return err
	}
	emitter, err := policy.NewEmitter(cfg.Policy, cfg.HeartbeatMode)
	if err != nil {
		return err
	}

	source, ingest, err := newSource(cfg)
	if err != nil {
		return err
	}
	sink, err := actuator.NewSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			setupLog.Error(err, "Closing policy sink")
		}
	}()

	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		return err
	}
	defer func() { _ = auditLog.Close() }()

	thresholds := common.NewGlobalConfig(cfg.Thresholds)
	if err := loadOverrides(ctx, cfg, thresholds); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	loop, err := controller.New(controller.Deps{
		Source:     source,
		Normalizer: normalizer.New(cfg.Schema),
		Windows:    windows,
		Forecaster: forecaster.New(model, transform, cfg.Forecast),
		Emitter:    emitter,
		Sink:       sink,
		Thresholds: thresholds,
		Metrics:    metrics.NewRecorder(reg),
		Audit:      auditLog,
	}, controller.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}

	setupLog.Info("Energy-saving rApp configured",
		"model", model.Metadata().Version,
		"source", source.Name(),
		"sink", sink.Name(),
		"units", len(cfg.Loop.Units),
		"dryRun", cfg.DryRun)

	router := server.NewRouter(loop, server.Info{
		ModelVersion: model.Metadata().Version,
		Sink:         sink.Name(),
		DryRun:       cfg.DryRun,
	}, reg, ingest)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gCtx, cfg.Server.Addr, router) })
	g.Go(func() error { return loop.Start(gCtx) })
	if cfg.Overrides.ConfigMapName != "" {
		g.Go(func() error {
			refreshOverrides(gCtx, cfg, thresholds)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	setupLog.Info("Energy-saving rApp stopped")
	return nil
}

// availableFields lists the measurements the configured pipeline can produce.
func availableFields(cfg *config.Config) []string {
	if cfg.Telemetry.Type == config.SourcePrometheus {
		return slices.Sorted(maps.Keys(cfg.Telemetry.Queries))
	}
	return slices.Sorted(maps.Keys(cfg.Schema))
}

func newSource(cfg *config.Config) (collector.TelemetrySource, server.Ingester, error) {
	switch cfg.Telemetry.Type {
	case config.SourcePrometheus:
		src, err := collector.NewPrometheusSource(cfg.Telemetry)
		return src, nil, err
	case config.SourceStatic:
		src := collector.NewStaticSource()
		return src, src, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown telemetry.type %q", config.ErrConfigInvalid, cfg.Telemetry.Type)
	}
}

func loadOverrides(ctx context.Context, cfg *config.Config, thresholds *common.GlobalConfig) error {
	logger := ctrl.LoggerFrom(ctx)
	switch {
	case cfg.Overrides.File != "":
		data, err := config.LoadUnitOverridesFile(cfg.Overrides.File, cfg.Thresholds)
		if err != nil {
			return err
		}
		thresholds.UpdateUnitOverrides(data)
		logger.Info("Loaded unit overrides", "file", cfg.Overrides.File, "units", len(data))
	case cfg.Overrides.ConfigMapName != "":
		client, err := config.NewKubeClient()
		if err != nil {
			return err
		}
		data, err := config.LoadUnitOverridesConfigMap(ctx, client,
			cfg.Overrides.ConfigMapNamespace, cfg.Overrides.ConfigMapName, cfg.Thresholds)
		if err != nil {
			return err
		}
		thresholds.UpdateUnitOverrides(data)
		logger.Info("Loaded unit overrides", "configMap", cfg.Overrides.ConfigMapName, "units", len(data))
	}
	return nil
}

// refreshOverrides re-reads the overrides ConfigMap until ctx is done.
// Failed reads keep the previous overrides.
func refreshOverrides(ctx context.Context, cfg *config.Config, thresholds *common.GlobalConfig) {
	logger := ctrl.LoggerFrom(ctx)
	client, err := config.NewKubeClient()
	if err != nil {
		logger.Error(err, "Overrides refresh disabled")
		return
	}
	ticker := time.NewTicker(overridesRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := config.LoadUnitOverridesConfigMap(ctx, client,
				cfg.Overrides.ConfigMapNamespace, cfg.Overrides.ConfigMapName, cfg.Thresholds)
			if err != nil {
				logger.Error(err, "Refreshing unit overrides")
				continue
			}
			thresholds.UpdateUnitOverrides(data)
			logger.V(logging.DEBUG).Info("Refreshed unit overrides", "units", len(data))
		}
	}
}
