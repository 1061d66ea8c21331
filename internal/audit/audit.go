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

// Package audit writes the decision audit trail as JSON lines.
package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oran-energy/energy-saving-rapp/internal/engines/decision"
	"github.com/oran-energy/energy-saving-rapp/pkg/core"
)

// Push results recorded with each entry.
const (
	PushSent    = "sent"
	PushFailed  = "failed"
	PushNone    = "none"
	PushDryRun  = "dry_run"
	PushInvalid = "invalid"
)

// Entry is one audited decision.
type Entry struct {
	UnitID     string
	Decision   decision.Decision
	Forecast   *core.Forecast
	PolicyID   string
	PushResult string
	Err        error
}

// Recorder appends one JSON object per decision.
type Recorder struct {
	logger *zap.Logger
	closer io.Closer
}

// Open creates a Recorder that appends to the file at path, creating parent
// directories as needed. An empty path discards entries.
func Open(path string) (*Recorder, error) {
	if path == "" {
		return &Recorder{logger: zap.NewNop()}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	r := New(f)
	r.closer = f
	return r, nil
}

// New creates a Recorder writing to w.
func New(w io.Writer) *Recorder {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	jsonCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(zapcore.AddSync(w)), zapcore.InfoLevel)
	return &Recorder{logger: zap.New(jsonCore)}
}

// Record writes one entry.
func (r *Recorder) Record(e Entry) {
	d := e.Decision
	fields := []zap.Field{
		zap.String("unit", e.UnitID),
		zap.String("action", string(d.Action)),
		zap.String("reason", d.Reason),
		zap.String("modeBefore", string(d.From)),
		zap.String("modeAfter", string(d.To)),
		zap.Int("confirmTicks", d.ConfirmTicks),
		zap.Time("decisionTime", d.Timestamp.UTC()),
		zap.String("pushResult", e.PushResult),
	}
	if d.Pending != core.ModeNone {
		fields = append(fields, zap.String("pending", string(d.Pending)))
	}
	if d.Blocked {
		fields = append(fields, zap.Bool("dwellBlocked", true))
	}
	if d.ThresholdCrossed != "" {
		fields = append(fields,
			zap.String("thresholdCrossed", d.ThresholdCrossed),
			zap.Float64("thresholdValue", d.ThresholdValue))
	}
	if f := e.Forecast; f != nil {
		fields = append(fields,
			zap.Float64("predictedLoad", f.PredictedLoad),
			zap.Float64("confidence", f.Confidence),
			zap.Float64("p10", f.Quantiles.P10),
			zap.Float64("p90", f.Quantiles.P90),
			zap.String("modelVersion", f.ModelVersion))
	}
	if e.PolicyID != "" {
		fields = append(fields, zap.String("policyId", e.PolicyID))
	}
	if e.Err != nil {
		fields = append(fields, zap.NamedError("error", e.Err))
	}
	r.logger.Info("decision", fields...)
}

// Close flushes and closes the underlying file, if any.
func (r *Recorder) Close() error {
	_ = r.logger.Sync()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
