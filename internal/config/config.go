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

// Package config loads and validates the rApp configuration.
//
// Configuration sources, highest priority first:
//
//  1. Command-line flags that were explicitly set
//  2. RAPP_* environment variables (nested keys use "_" instead of ".")
//  3. The YAML configuration file
//  4. Default values
//
// Per-unit threshold overrides are layered on top of the decision thresholds,
// see ParseUnitOverrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrConfigInvalid is returned for configuration that cannot be used. It is fatal at startup.
var ErrConfigInvalid = errors.New("invalid configuration")

// Out-of-range policies for FieldRule.
const (
	OutOfRangeClamp  = "clamp"
	OutOfRangeReject = "reject"
)

// Sink types.
const (
	SinkFile  = "file"
	SinkA1    = "a1"
	SinkKafka = "kafka"
)

// Telemetry source types.
const (
	SourcePrometheus = "prometheus"
	SourceStatic     = "static"
)

// Feature transform names.
const (
	TransformFixed  = "fixed"
	TransformZScore = "zscore"
)

// Thresholds are the decision engine parameters. They can be overridden per unit.
type Thresholds struct {
	// LowThreshold: downshift is considered when forecasted load < LowThreshold.
	LowThreshold float64 `mapstructure:"low_threshold" json:"lowThreshold"`

	// HighThreshold: restore is considered when forecasted load > HighThreshold.
	// Must be greater than LowThreshold (hysteresis gap).
	HighThreshold float64 `mapstructure:"high_threshold" json:"highThreshold"`

	// MinConfidence: forecasts below this confidence never downshift and drive restore.
	MinConfidence float64 `mapstructure:"min_confidence" json:"minConfidence"`

	// ConfirmTicksDown is the number of consecutive qualifying ticks before a downshift commits.
	ConfirmTicksDown int `mapstructure:"confirm_ticks_down" json:"confirmTicksDown"`

	// ConfirmTicksUp is the number of consecutive qualifying ticks before a restore commits.
	ConfirmTicksUp int `mapstructure:"confirm_ticks_up" json:"confirmTicksUp"`

	// MinDwellTime blocks any transition until it has elapsed since the last one.
	MinDwellTime time.Duration `mapstructure:"min_dwell_time" json:"minDwellTime"`
}

// Validate checks threshold consistency.
func (t Thresholds) Validate() error {
	if t.HighThreshold <= t.LowThreshold {
		return fmt.Errorf("%w: high_threshold (%.4g) must be greater than low_threshold (%.4g)",
			ErrConfigInvalid, t.HighThreshold, t.LowThreshold)
	}
	if t.MinConfidence < 0 || t.MinConfidence > 1 {
		return fmt.Errorf("%w: min_confidence must be between 0 and 1, got %.2f", ErrConfigInvalid, t.MinConfidence)
	}
	if t.ConfirmTicksDown < 1 {
		return fmt.Errorf("%w: confirm_ticks_down must be >= 1, got %d", ErrConfigInvalid, t.ConfirmTicksDown)
	}
	if t.ConfirmTicksUp < 1 {
		return fmt.Errorf("%w: confirm_ticks_up must be >= 1, got %d", ErrConfigInvalid, t.ConfirmTicksUp)
	}
	if t.ConfirmTicksUp > t.ConfirmTicksDown {
		return fmt.Errorf("%w: confirm_ticks_up (%d) must not exceed confirm_ticks_down (%d)",
			ErrConfigInvalid, t.ConfirmTicksUp, t.ConfirmTicksDown)
	}
	if t.MinDwellTime < 0 {
		return fmt.Errorf("%w: min_dwell_time must be >= 0, got %s", ErrConfigInvalid, t.MinDwellTime)
	}
	return nil
}

// FieldRule describes how a telemetry field is validated by the normalizer.
type FieldRule struct {
	Min        *float64 `mapstructure:"min"`
	Max        *float64 `mapstructure:"max"`
	Required   bool     `mapstructure:"required"`
	OutOfRange string   `mapstructure:"out_of_range"`
}

// TelemetryConfig selects and configures the telemetry source.
type TelemetryConfig struct {
	Type          string        `mapstructure:"type"`
	PrometheusURL string        `mapstructure:"prometheus_url"`
	Step          time.Duration `mapstructure:"step"`
	// Queries maps a measurement name to a PromQL template; "$unit" is replaced by the unit id.
	Queries map[string]string `mapstructure:"queries"`
}

// ForecastConfig configures the model artifact and confidence derivation.
type ForecastConfig struct {
	ModelPath         string  `mapstructure:"model_path"`
	Transform         string  `mapstructure:"transform"`
	MaxRelativeSpread float64 `mapstructure:"max_relative_spread"`
	SpreadFloor       float64 `mapstructure:"spread_floor"`
}

// PolicyConfig configures payload construction.
type PolicyConfig struct {
	PolicyTypeID string        `mapstructure:"policy_type_id"`
	Expiry       time.Duration `mapstructure:"expiry"`
	SchemaPath   string        `mapstructure:"schema_path"`
}

// SinkConfig selects and configures the policy sink.
type SinkConfig struct {
	Type           string        `mapstructure:"type"`
	A1URL          string        `mapstructure:"a1_url"`
	Rate           float64       `mapstructure:"rate"`
	Burst          int           `mapstructure:"burst"`
	MaxRetries     uint          `mapstructure:"max_retries"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	KafkaBrokers   []string      `mapstructure:"kafka_brokers"`
	KafkaTopic     string        `mapstructure:"kafka_topic"`
	FileDir        string        `mapstructure:"file_dir"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	DedupTTL       time.Duration `mapstructure:"dedup_ttl"`
}

// LoopConfig configures the control loop scheduler.
type LoopConfig struct {
	Units        []string      `mapstructure:"units"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	TickTimeout  time.Duration `mapstructure:"tick_timeout"`
	Workers      int           `mapstructure:"workers"`
}

// ServerConfig configures the service endpoints and logging.
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	LogLevel    string `mapstructure:"log_level"`
	Development bool   `mapstructure:"development"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

// OverridesConfig locates per-unit threshold overrides.
type OverridesConfig struct {
	File               string `mapstructure:"file"`
	ConfigMapNamespace string `mapstructure:"configmap_namespace"`
	ConfigMapName      string `mapstructure:"configmap_name"`
}

// Config is the complete rApp configuration.
type Config struct {
	// WindowLength is the model sequence length N.
	WindowLength int `mapstructure:"window_length"`
	// ExpectedInterval is the telemetry sampling interval.
	ExpectedInterval time.Duration `mapstructure:"expected_interval"`
	// MaxGap: a gap longer than MaxGap*ExpectedInterval clears the window.
	MaxGap float64 `mapstructure:"max_gap"`
	// JitterTolerance is the fraction of ExpectedInterval a gap may exceed it by
	// while the window still counts as contiguous.
	JitterTolerance float64 `mapstructure:"jitter_tolerance"`

	Thresholds `mapstructure:",squash"`

	// HeartbeatMode re-asserts the current mode with a payload on hold ticks.
	HeartbeatMode bool `mapstructure:"heartbeat_mode"`
	// DryRun builds and audits payloads without sending them.
	DryRun bool `mapstructure:"dry_run"`

	Schema    map[string]FieldRule `mapstructure:"schema"`
	Telemetry TelemetryConfig      `mapstructure:"telemetry"`
	Forecast  ForecastConfig       `mapstructure:"forecast"`
	Policy    PolicyConfig         `mapstructure:"policy"`
	Sink      SinkConfig           `mapstructure:"sink"`
	Loop      LoopConfig           `mapstructure:"loop"`
	AuditPath string               `mapstructure:"audit_path"`
	Server    ServerConfig         `mapstructure:"server"`
	Tracing   TracingConfig        `mapstructure:"tracing"`
	Overrides OverridesConfig      `mapstructure:"overrides"`
}

// flagBindings maps configuration keys to command-line flag names.
var flagBindings = map[string]string{
	"server.addr":         "addr",
	"server.log_level":    "log-level",
	"server.development":  "development",
	"dry_run":             "dry-run",
	"forecast.model_path": "model-path",
	"audit_path":          "audit-path",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("window_length", 12)
	v.SetDefault("expected_interval", time.Minute)
	v.SetDefault("max_gap", 3.0)
	v.SetDefault("jitter_tolerance", 0.5)

	v.SetDefault("low_threshold", 0.25)
	v.SetDefault("high_threshold", 0.50)
	v.SetDefault("min_confidence", 0.8)
	v.SetDefault("confirm_ticks_down", 10)
	v.SetDefault("confirm_ticks_up", 1)
	v.SetDefault("min_dwell_time", 20*time.Minute)
	v.SetDefault("heartbeat_mode", false)
	v.SetDefault("dry_run", false)

	v.SetDefault("telemetry.type", SourceStatic)
	v.SetDefault("telemetry.step", time.Minute)

	v.SetDefault("forecast.model_path", "models/model.yaml")
	v.SetDefault("forecast.transform", TransformFixed)
	v.SetDefault("forecast.max_relative_spread", 1.0)
	v.SetDefault("forecast.spread_floor", 0.05)

	v.SetDefault("policy.policy_type_id", "ORAN_EnergySaving_1.0.0")
	v.SetDefault("policy.expiry", 30*time.Minute)

	v.SetDefault("sink.type", SinkFile)
	v.SetDefault("sink.rate", 5.0)
	v.SetDefault("sink.burst", 10)
	v.SetDefault("sink.max_retries", 3)
	v.SetDefault("sink.request_timeout", 5*time.Second)
	v.SetDefault("sink.file_dir", "data/processed")
	v.SetDefault("sink.dedup_ttl", 24*time.Hour)

	v.SetDefault("loop.tick_interval", time.Minute)
	v.SetDefault("loop.tick_timeout", 20*time.Second)
	v.SetDefault("loop.workers", 8)

	v.SetDefault("audit_path", "logs/decision_log.jsonl")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "energy-saving-rapp")
}

// Load reads configuration from the optional file at path, the environment and flags.
// The returned configuration has been validated.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RAPP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	if flags != nil {
		for key, name := range flagBindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks for invalid configuration values.
func (c *Config) Validate() error {
	if c.WindowLength <= 0 {
		return fmt.Errorf("%w: window_length must be positive, got %d", ErrConfigInvalid, c.WindowLength)
	}
	if c.ExpectedInterval <= 0 {
		return fmt.Errorf("%w: expected_interval must be positive, got %s", ErrConfigInvalid, c.ExpectedInterval)
	}
	if c.MaxGap < 1 {
		return fmt.Errorf("%w: max_gap must be >= 1, got %.2f", ErrConfigInvalid, c.MaxGap)
	}
	if c.JitterTolerance < 0 {
		return fmt.Errorf("%w: jitter_tolerance must be >= 0, got %.2f", ErrConfigInvalid, c.JitterTolerance)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	for name, rule := range c.Schema {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("schema field %q: %w", name, err)
		}
	}
	switch c.Forecast.Transform {
	case TransformFixed, TransformZScore:
	default:
		return fmt.Errorf("%w: unknown forecast.transform %q", ErrConfigInvalid, c.Forecast.Transform)
	}
	if c.Forecast.MaxRelativeSpread <= 0 {
		return fmt.Errorf("%w: forecast.max_relative_spread must be positive", ErrConfigInvalid)
	}
	if c.Forecast.SpreadFloor <= 0 {
		return fmt.Errorf("%w: forecast.spread_floor must be positive", ErrConfigInvalid)
	}
	if c.Policy.PolicyTypeID == "" {
		return fmt.Errorf("%w: policy.policy_type_id is required", ErrConfigInvalid)
	}
	switch c.Sink.Type {
	case SinkFile:
	case SinkA1:
		if c.Sink.A1URL == "" {
			return fmt.Errorf("%w: sink.a1_url is required for sink type %q", ErrConfigInvalid, SinkA1)
		}
	case SinkKafka:
		if len(c.Sink.KafkaBrokers) == 0 || c.Sink.KafkaTopic == "" {
			return fmt.Errorf("%w: sink.kafka_brokers and sink.kafka_topic are required for sink type %q",
				ErrConfigInvalid, SinkKafka)
		}
	default:
		return fmt.Errorf("%w: unknown sink.type %q", ErrConfigInvalid, c.Sink.Type)
	}
	switch c.Telemetry.Type {
	case SourceStatic:
	case SourcePrometheus:
		if c.Telemetry.PrometheusURL == "" {
			return fmt.Errorf("%w: telemetry.prometheus_url is required", ErrConfigInvalid)
		}
		if len(c.Telemetry.Queries) == 0 {
			return fmt.Errorf("%w: telemetry.queries must name at least one measurement", ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown telemetry.type %q", ErrConfigInvalid, c.Telemetry.Type)
	}
	if c.Loop.TickInterval <= 0 {
		return fmt.Errorf("%w: loop.tick_interval must be positive", ErrConfigInvalid)
	}
	if c.Loop.TickTimeout <= 0 || c.Loop.TickTimeout > c.Loop.TickInterval {
		return fmt.Errorf("%w: loop.tick_timeout must be in (0, tick_interval], got %s",
			ErrConfigInvalid, c.Loop.TickTimeout)
	}
	if c.Loop.Workers < 1 {
		return fmt.Errorf("%w: loop.workers must be >= 1", ErrConfigInvalid)
	}
	return nil
}

// Validate checks a single schema rule.
func (r FieldRule) Validate() error {
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("%w: min (%.4g) greater than max (%.4g)", ErrConfigInvalid, *r.Min, *r.Max)
	}
	switch r.OutOfRange {
	case "", OutOfRangeClamp, OutOfRangeReject:
		return nil
	default:
		return fmt.Errorf("%w: unknown out_of_range policy %q", ErrConfigInvalid, r.OutOfRange)
	}
}

// GapLimit is the elapsed time after which a window is invalidated.
func (c *Config) GapLimit() time.Duration {
	return time.Duration(c.MaxGap * float64(c.ExpectedInterval))
}

// ContiguityLimit is the largest gap between consecutive samples of a ready window.
func (c *Config) ContiguityLimit() time.Duration {
	return time.Duration((1 + c.JitterTolerance) * float64(c.ExpectedInterval))
}
