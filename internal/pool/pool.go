// Package pool implements the connection-pool admission controller of
// spec §4.5, ported from original_source's ConnectionPoolManager:
// distributed total/per-user slot counting in the KV store, with a
// local-process fallback when the KV store is unreachable.
package pool

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/howard-nolan/llmgateway/internal/kv"
)

// Decision is the outcome of Acquire.
type Decision int

const (
	Granted Decision = iota
	Exhausted
	UserLimit
)

// State is the pool's health state, reported on the health endpoint and
// consumed by the load shedder.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateCritical  State = "critical"
	StateExhausted State = "exhausted"
)

const (
	keyTotal      = "connection_pool:total"
	keyUserPrefix = "connection_pool:user:"
	keyConnections = "connection_pool:connections"
)

// Pool is the admission controller. All three counters (total, per-user,
// live thread set) are updated together under one critical section per
// acquire/release, per spec's ConnectionSlot invariant.
type Pool struct {
	maxTotal  int
	maxPerUser int
	degradedThreshold float64
	criticalThreshold float64

	kv  *kv.Client
	log *slog.Logger

	mu              sync.Mutex
	degraded        bool // true once we've fallen back to local counters
	localTotal      int
	localPerUser    map[string]int
	localThreadSet  map[string]struct{}
}

// New creates a Pool. kvClient may be nil to run entirely on local
// counters (e.g. single-instance deployments or tests).
func New(kvClient *kv.Client, maxTotal, maxPerUser int, degradedThreshold, criticalThreshold float64, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if degradedThreshold <= 0 {
		degradedThreshold = 0.70
	}
	if criticalThreshold <= 0 {
		criticalThreshold = 0.90
	}
	return &Pool{
		maxTotal:          maxTotal,
		maxPerUser:        maxPerUser,
		degradedThreshold: degradedThreshold,
		criticalThreshold: criticalThreshold,
		kv:                kvClient,
		log:               log,
		localPerUser:      make(map[string]int),
		localThreadSet:    make(map[string]struct{}),
	}
}

// Acquire attempts to reserve a slot for (userID, threadID). See spec
// §4.5 for the exact check order: total capacity, then per-user limit,
// then reserve.
func (p *Pool) Acquire(ctx context.Context, userID, threadID string) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	total, userCount, err := p.readCounts(ctx, userID)
	if err != nil {
		p.fallbackToLocal("acquire: read counts", err)
		total, userCount = p.localTotal, p.localPerUser[userID]
	}

	if total >= p.maxTotal {
		return Exhausted
	}
	if userCount >= p.maxPerUser {
		return UserLimit
	}

	if err := p.incrementCounts(ctx, userID, threadID); err != nil {
		p.fallbackToLocal("acquire: increment counts", err)
		p.incrementLocal(userID, threadID)
	}
	return Granted
}

// Release decrements the counters reserved by a prior successful
// Acquire. It is the symmetric inverse: if the user's count reaches
// zero, the per-user key is removed rather than left at zero (spec
// §4.5), and is idempotent against double-release by clamping at zero.
func (p *Pool) Release(ctx context.Context, userID, threadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.decrementCounts(ctx, userID, threadID); err != nil {
		p.fallbackToLocal("release: decrement counts", err)
		p.decrementLocal(userID, threadID)
	}
}

// State reports the pool's current health bucket based on total
// utilization, per spec §4.5's HEALTHY/DEGRADED/CRITICAL/EXHAUSTED
// thresholds.
func (p *Pool) State(ctx context.Context) State {
	p.mu.Lock()
	total, _, err := p.readCounts(ctx, "")
	p.mu.Unlock()
	if err != nil {
		total = p.localTotal
	}

	if p.maxTotal <= 0 {
		return StateHealthy
	}
	utilization := float64(total) / float64(p.maxTotal)
	switch {
	case total >= p.maxTotal:
		return StateExhausted
	case utilization >= p.criticalThreshold:
		return StateCritical
	case utilization >= p.degradedThreshold:
		return StateDegraded
	default:
		return StateHealthy
	}
}

// Utilization reports total connections in use as a fraction of
// maxTotal, for the gateway_pool_utilization_ratio gauge.
func (p *Pool) Utilization(ctx context.Context) float64 {
	p.mu.Lock()
	total, _, err := p.readCounts(ctx, "")
	p.mu.Unlock()
	if err != nil {
		total = p.localTotal
	}
	if p.maxTotal <= 0 {
		return 0
	}
	return float64(total) / float64(p.maxTotal)
}

// Degraded reports whether the pool has fallen back to local
// (non-distributed) counters because the KV store was unreachable.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Pool) fallbackToLocal(op string, err error) {
	if !p.degraded {
		p.log.Warn("connection pool falling back to local counters", "op", op, "error", err)
	}
	p.degraded = true
}

// --- internal counter plumbing ---

func (p *Pool) readCounts(ctx context.Context, userID string) (total, userCount int, err error) {
	if p.kv == nil {
		return p.localTotal, p.localPerUser[userID], nil
	}
	t, err := p.kv.Get(ctx, keyTotal)
	if err != nil && err != kv.ErrNotFound {
		return 0, 0, err
	}
	total = atoiOrZero(t)

	if userID == "" {
		return total, 0, nil
	}
	u, err := p.kv.Get(ctx, keyUserPrefix+userID)
	if err != nil && err != kv.ErrNotFound {
		return 0, 0, err
	}
	userCount = atoiOrZero(u)
	return total, userCount, nil
}

func (p *Pool) incrementCounts(ctx context.Context, userID, threadID string) error {
	if p.kv == nil {
		p.incrementLocal(userID, threadID)
		return nil
	}
	if _, err := p.kv.Incr(ctx, keyTotal); err != nil {
		return err
	}
	if _, err := p.kv.Incr(ctx, keyUserPrefix+userID); err != nil {
		return err
	}
	return p.kv.SAdd(ctx, keyConnections, threadID)
}

func (p *Pool) decrementCounts(ctx context.Context, userID, threadID string) error {
	if p.kv == nil {
		p.decrementLocal(userID, threadID)
		return nil
	}
	total, err := p.kv.Decr(ctx, keyTotal)
	if err != nil {
		return err
	}
	if total < 0 {
		p.log.Warn("connection pool distributed total decremented past zero, clamping", "user_id", userID)
		if _, err := p.kv.Incr(ctx, keyTotal); err != nil {
			return err
		}
	}
	if userID != "" {
		n, err := p.kv.Decr(ctx, keyUserPrefix+userID)
		if err != nil {
			return err
		}
		if n <= 0 {
			if err := p.kv.Delete(ctx, keyUserPrefix+userID); err != nil {
				return err
			}
		}
	}
	return p.kv.SRem(ctx, keyConnections, threadID)
}

func (p *Pool) incrementLocal(userID, threadID string) {
	p.localTotal++
	p.localPerUser[userID]++
	p.localThreadSet[threadID] = struct{}{}
}

func (p *Pool) decrementLocal(userID, threadID string) {
	if p.localTotal > 0 {
		p.localTotal--
	} else {
		p.log.Warn("connection pool local total decremented past zero, clamping", "user_id", userID)
	}
	if c, ok := p.localPerUser[userID]; ok {
		if c <= 1 {
			delete(p.localPerUser, userID)
		} else {
			p.localPerUser[userID] = c - 1
		}
	}
	delete(p.localThreadSet, threadID)
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
