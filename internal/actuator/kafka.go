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
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/oran-energy/energy-saving-rapp/api/v1alpha1"
	"github.com/oran-energy/energy-saving-rapp/internal/config"
)

// kafkaMessageWriter is the subset of *kafka.Writer the sink uses.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes payloads to a Kafka topic, keyed by unit ID so that the
// policies of a unit stay ordered within one partition.
type KafkaSink struct {
	writer kafkaMessageWriter
	topic  string
}

var _ Sink = (*KafkaSink)(nil)

// NewKafkaSink creates a Kafka sink for the configured brokers and topic.
func NewKafkaSink(cfg config.SinkConfig) (*KafkaSink, error) {
	if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopic == "" {
		return nil, fmt.Errorf("%w: kafka_brokers and kafka_topic are required", config.ErrConfigInvalid)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  int(cfg.MaxRetries) + 1,
		WriteTimeout: timeout,
	}
	return newKafkaSinkWithWriter(w, cfg.KafkaTopic), nil
}

func newKafkaSinkWithWriter(w kafkaMessageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

// Name implements Sink.
func (s *KafkaSink) Name() string {
	return config.SinkKafka
}

// Send implements Sink.
func (s *KafkaSink) Send(ctx context.Context, p *v1alpha1.PolicyPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %v", ErrSendFailed, err)
	}
	msg := kafka.Message{
		Key:   []byte(p.ManagedUnitID),
		Value: body,
		Time:  p.DecisionTimestamp.Time,
		Headers: []kafka.Header{
			{Key: "policy-id", Value: []byte(p.PolicyID)},
			{Key: "policy-type-id", Value: []byte(p.PolicyTypeID)},
			{Key: "schema-version", Value: []byte(p.SchemaVersion)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: topic %s unit %s: %v", ErrSendFailed, s.topic, p.ManagedUnitID, err)
	}
	return nil
}

// Close implements Sink.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
