// Package cache implements the two-tier cache of spec §4.1: an
// in-process bounded LRU (L1) in front of the shared KV store (L2).
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/howard-nolan/llmgateway/internal/kv"
)

// Manager is the process-wide cache singleton (spec §9: "the cache
// manager (process-wide, wraps the KV client)"). It is safe for
// concurrent use.
type Manager struct {
	l1         *l1
	kv         *kv.Client
	defaultTTL time.Duration
	l2Required bool
	log        *slog.Logger
}

// New builds a Manager. kvClient may be nil, in which case the cache
// runs L1-only forever (every L2 op is a no-op miss) — useful for tests
// and for the fail-open posture the rest of the gateway takes on KV
// outages.
func New(kvClient *kv.Client, l1MaxSize int, defaultTTL time.Duration, l2Required bool, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		l1:         newL1(l1MaxSize),
		kv:         kvClient,
		defaultTTL: defaultTTL,
		l2Required: l2Required,
		log:        log,
	}
}

// Get probes L1, then L2 on an L1 miss, warming L1 on an L2 hit.
func (m *Manager) Get(ctx context.Context, key string) (string, bool) {
	if v, ok := m.l1.get(key); ok {
		return v, true
	}

	if m.kv == nil {
		return "", false
	}

	v, err := m.kv.Get(ctx, key)
	if err != nil {
		if err != kv.ErrNotFound {
			// CACHE_CONNECTION: logged, downgraded to a miss, never
			// propagated to the caller (spec §4.1 failure semantics).
			m.log.Warn("l2 cache read failed, downgrading to L1-only", "key", key, "error", err)
		}
		return "", false
	}

	m.l1.set(key, v)
	return v, true
}

// Set writes L1 (may evict one entry), then writes L2 with ttl. ttl <= 0
// uses the manager's default TTL. An L2 write failure is logged and
// swallowed unless l2Required is set, per spec §4.1.
func (m *Manager) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.l1.set(key, value)

	if m.kv == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	if err := m.kv.Set(ctx, key, value, ttl); err != nil {
		m.log.Warn("l2 cache write failed", "key", key, "error", err)
		if m.l2Required {
			return err
		}
	}
	return nil
}

// GetOrCompute performs read-through: on a miss (L1 and L2), it invokes
// compute, stores the result, and returns it.
func (m *Manager) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (string, error)) (string, error) {
	if v, ok := m.Get(ctx, key); ok {
		return v, nil
	}
	v, err := compute(ctx)
	if err != nil {
		return "", err
	}
	_ = m.Set(ctx, key, v, 0)
	return v, nil
}

// BatchGet partitions keys into L1 hits and L1 misses, fetches every L1
// miss from L2 in one pipelined round trip, and warms each L2 hit into
// L1. Missing keys are simply absent from the returned map, matching
// spec §4.1's batch_get contract.
func (m *Manager) BatchGet(ctx context.Context, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	var misses []string

	for _, k := range keys {
		if v, ok := m.l1.get(k); ok {
			out[k] = v
		} else {
			misses = append(misses, k)
		}
	}

	if len(misses) == 0 || m.kv == nil {
		return out
	}

	values, err := m.kv.MGet(ctx, misses)
	if err != nil {
		m.log.Warn("l2 batch read failed, downgrading to L1-only", "keys", misses, "error", err)
		return out
	}

	for i, k := range misses {
		if values[i] != "" {
			out[k] = values[i]
			m.l1.set(k, values[i])
		}
	}
	return out
}

// Delete removes key from both tiers.
func (m *Manager) Delete(ctx context.Context, key string) {
	m.l1.delete(key)
	if m.kv != nil {
		if err := m.kv.Delete(ctx, key); err != nil {
			m.log.Warn("l2 cache delete failed", "key", key, "error", err)
		}
	}
}

// L1Size reports the current number of entries in L1 — used by tests.
func (m *Manager) L1Size() int {
	return m.l1.len()
}
