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

package actuator

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/oran-energy/energy-saving-rapp/api/v1alpha1"
	"github.com/oran-energy/energy-saving-rapp/internal/config"
)

// ErrSendFailed is returned when a payload could not be delivered.
var ErrSendFailed = errors.New("policy send failed")

// Sink delivers policy payloads.
type Sink interface {
	// Name returns the sink type (e.g., "a1", "kafka", "file").
	Name() string

	// Send delivers one payload.
	Send(ctx context.Context, p *v1alpha1.PolicyPayload) error

	// Close releases the sink's resources.
	Close() error
}

// NewSink is a factory that creates the configured sink. Dry runs always use
// the file sink. When a Redis address is configured the sink is wrapped with
// Redis-backed deduplication.
func NewSink(ctx context.Context, cfg *config.Config) (Sink, error) {
	logger := ctrl.LoggerFrom(ctx)

	sinkType := cfg.Sink.Type
	if cfg.DryRun {
		sinkType = config.SinkFile
	}

	var sink Sink
	var err error
	switch sinkType {
	case config.SinkFile:
		sink, err = NewFileSink(cfg.Sink.FileDir)
	case config.SinkA1:
		sink, err = NewA1Sink(cfg.Sink, cfg.Policy.PolicyTypeID, nil)
	case config.SinkKafka:
		sink, err = NewKafkaSink(cfg.Sink)
	default:
		return nil, fmt.Errorf("%w: unsupported sink type %q", config.ErrConfigInvalid, sinkType)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Sink.RedisAddr != "" {
		opts, err := redis.ParseURL(cfg.Sink.RedisAddr)
		if err != nil {
			opts = &redis.Options{Addr: cfg.Sink.RedisAddr}
		}
		sink = NewDedupSink(sink, NewRedisStore(redis.NewClient(opts)), cfg.Sink.DedupTTL)
	}

	logger.Info("Policy sink configured",
		"type", sink.Name(),
		"dryRun", cfg.DryRun,
		"dedup", cfg.Sink.RedisAddr != "")
	return sink, nil
}
