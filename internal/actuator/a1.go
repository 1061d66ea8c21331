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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/oran-energy/energy-saving-rapp/api/v1alpha1"
	"github.com/oran-energy/energy-saving-rapp/internal/config"
	"github.com/oran-energy/energy-saving-rapp/internal/logging"
)

// A1Sink creates policies through the A1 policy management API.
type A1Sink struct {
	baseURL      string
	policyTypeID string
	client       *http.Client
	limiter      *rate.Limiter
	maxTries     uint
	backoff      func() backoff.BackOff
}

var _ Sink = (*A1Sink)(nil)

// NewA1Sink creates an A1 sink. A nil client uses one with cfg.RequestTimeout.
func NewA1Sink(cfg config.SinkConfig, policyTypeID string, client *http.Client) (*A1Sink, error) {
	if cfg.A1URL == "" {
		return nil, fmt.Errorf("%w: a1_url is required", config.ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.A1URL); err != nil {
		return nil, fmt.Errorf("%w: a1_url: %v", config.ErrConfigInvalid, err)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &A1Sink{
		baseURL:      strings.TrimRight(cfg.A1URL, "/"),
		policyTypeID: policyTypeID,
		client:       client,
		limiter:      rate.NewLimiter(limit, burst),
		maxTries:     cfg.MaxRetries + 1,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}, nil
}

// Name implements Sink.
func (s *A1Sink) Name() string {
	return config.SinkA1
}

// PolicyURL returns the A1 resource URL of a policy.
func (s *A1Sink) PolicyURL(policyTypeID, policyID string) string {
	return fmt.Sprintf("%s/A1-P/v2/policytypes/%s/policies/%s",
		s.baseURL, url.PathEscape(policyTypeID), url.PathEscape(policyID))
}

// Send implements Sink.
func (s *A1Sink) Send(ctx context.Context, p *v1alpha1.PolicyPayload) error {
	logger := ctrl.LoggerFrom(ctx)

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %v", ErrSendFailed, err)
	}
	typeID := p.PolicyTypeID
	if typeID == "" {
		typeID = s.policyTypeID
	}
	target := s.PolicyURL(typeID, p.PolicyID)

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := s.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, s.put(ctx, target, body)
	},
		backoff.WithBackOff(s.backoff()),
		backoff.WithMaxTries(s.maxTries),
	)
	if err != nil {
		return fmt.Errorf("%w: unit %s policy %s after %d attempt(s): %v",
			ErrSendFailed, p.ManagedUnitID, p.PolicyID, attempt, err)
	}
	logger.V(logging.DEBUG).Info("Policy sent to A1",
		"unit", p.ManagedUnitID,
		"policyId", p.PolicyID,
		"attempts", attempt)
	return nil
}

func (s *A1Sink) put(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("a1 returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	default:
		return backoff.Permanent(fmt.Errorf("a1 rejected policy with %d: %s",
			resp.StatusCode, strings.TrimSpace(string(msg))))
	}
}

// Close implements Sink.
func (s *A1Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
