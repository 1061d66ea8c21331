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
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/oran-energy/energy-saving-rapp/api/v1alpha1"
	"github.com/oran-energy/energy-saving-rapp/internal/logging"
)

const dedupKeyPrefix = "energy-saving-rapp:policy:"

// ClaimStore records which policy IDs have been sent.
type ClaimStore interface {
	// Claim marks key as sent for ttl. It returns false if the key was already claimed.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release removes a claim.
	Release(ctx context.Context, key string) error
}

// RedisStore keeps claims in Redis so that replicas share them.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a store on top of a Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Claim implements ClaimStore.
func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, dedupKeyPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Release implements ClaimStore.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, dedupKeyPrefix+key).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore keeps claims in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]time.Time), now: time.Now}
}

// Claim implements ClaimStore. A ttl of zero or less claims the key until it
// is released.
func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweep(now)
	if _, ok := s.claims[key]; ok {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	s.claims[key] = exp
	return true, nil
}

// sweep drops expired claims. Callers hold s.mu.
func (s *MemoryStore) sweep(now time.Time) {
	for key, exp := range s.claims {
		if !exp.IsZero() && !now.Before(exp) {
			delete(s.claims, key)
		}
	}
}

// Release implements ClaimStore.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}

// DedupSink drops payloads whose policy ID was already delivered.
type DedupSink struct {
	next  Sink
	store ClaimStore
	ttl   time.Duration
}

var _ Sink = (*DedupSink)(nil)

// NewDedupSink wraps next.
func NewDedupSink(next Sink, store ClaimStore, ttl time.Duration) *DedupSink {
	return &DedupSink{next: next, store: store, ttl: ttl}
}

// Name implements Sink.
func (s *DedupSink) Name() string {
	return s.next.Name()
}

// Send implements Sink.
func (s *DedupSink) Send(ctx context.Context, p *v1alpha1.PolicyPayload) error {
	claimed, err := s.store.Claim(ctx, p.PolicyID, s.ttl)
	if err != nil {
		return fmt.Errorf("%w: claiming policy %s: %v", ErrSendFailed, p.PolicyID, err)
	}
	if !claimed {
		ctrl.LoggerFrom(ctx).V(logging.DEBUG).Info("Skipping already delivered policy",
			"unit", p.ManagedUnitID,
			"policyId", p.PolicyID)
		return nil
	}
	if err := s.next.Send(ctx, p); err != nil {
		if rerr := s.store.Release(context.WithoutCancel(ctx), p.PolicyID); rerr != nil {
			ctrl.LoggerFrom(ctx).Error(rerr, "Failed to release policy claim", "policyId", p.PolicyID)
		}
		return err
	}
	return nil
}

// Close implements Sink.
func (s *DedupSink) Close() error {
	err := s.next.Close()
	if c, ok := s.store.(interface{ Close() error }); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
