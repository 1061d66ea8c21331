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

// Package logging configures the process-wide logr logger backed by zap.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Verbosity levels used with logger.V(...).
const (
	DEBUG = 1
	TRACE = 2
)

// ParseLevel maps a level name to a logr verbosity.
func ParseLevel(level string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return 0, nil
	case "debug":
		return DEBUG, nil
	case "trace":
		return TRACE, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

// Setup builds the zap-backed logger and installs it as the controller-runtime
// global logger so ctrl.Log and ctrl.LoggerFrom(ctx) resolve to it.
func Setup(level string, development bool) (logr.Logger, error) {
	verbosity, err := ParseLevel(level)
	if err != nil {
		return logr.Discard(), err
	}
	opts := crzap.Options{
		Development: development,
		// logr V(n) maps to zap level -n.
		Level:       zapcore.Level(-verbosity),
		DestWriter:  os.Stderr,
		TimeEncoder: zapcore.ISO8601TimeEncoder,
	}
	logger := crzap.New(crzap.UseFlagOptions(&opts))
	ctrl.SetLogger(logger)
	return logger, nil
}

// NewTestLogger installs a development logger at TRACE verbosity for test suites.
func NewTestLogger() logr.Logger {
	logger := crzap.New(
		crzap.UseDevMode(true),
		crzap.WriteTo(os.Stderr),
		crzap.Level(zapcore.Level(-TRACE)),
	)
	ctrl.SetLogger(logger)
	return logger
}
