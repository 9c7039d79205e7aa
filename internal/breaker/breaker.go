// Package breaker implements the distributed circuit breaker of spec
// §4.4: per-upstream state lives in the KV store so every instance
// fails fast on the same provider at the same time, ported from
// original_source's DistributedCircuitBreaker (Redis-backed) state
// machine.
package breaker

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/howard-nolan/llmgateway/internal/kv"
)

// State is one of the three circuit states. HALF_OPEN is virtual — spec
// §4.4 never stores it; should_allow_request computes it on the fly from
// OPEN + elapsed time.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// Breaker is a per-upstream circuit breaker backed by three keys in the
// KV store: circuit:<name>:state, circuit:<name>:failures,
// circuit:<name>:last_failure_time.
type Breaker struct {
	name             string
	kv               *kv.Client
	failureThreshold int
	recoveryTimeout  time.Duration
	log              *slog.Logger

	stateKey   string
	failuresKey string
	lastFailKey string
}

// New creates a Breaker for the named upstream. kvClient may be nil —
// every method then behaves as the KV-unreachable fail-open path below.
func New(name string, kvClient *kv.Client, failureThreshold int, recoveryTimeout time.Duration, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return &Breaker{
		name:             name,
		kv:               kvClient,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		log:              log,
		stateKey:         "circuit:" + name + ":state",
		failuresKey:      "circuit:" + name + ":failures",
		lastFailKey:      "circuit:" + name + ":last_failure_time",
	}
}

// Name returns the upstream this breaker guards.
func (b *Breaker) Name() string { return b.name }

// GetState returns the current state, defaulting to CLOSED if the key
// is absent or the KV store is unreachable.
func (b *Breaker) GetState(ctx context.Context) State {
	if b.kv == nil {
		return StateClosed
	}
	v, err := b.kv.Get(ctx, b.stateKey)
	if err != nil {
		if err != kv.ErrNotFound {
			b.log.Warn("failed to read circuit state", "circuit", b.name, "error", err)
		}
		return StateClosed
	}
	if v == string(StateOpen) {
		return StateOpen
	}
	return StateClosed
}

func (b *Breaker) setState(ctx context.Context, s State) {
	if b.kv == nil {
		return
	}
	if err := b.kv.Set(ctx, b.stateKey, string(s), 0); err != nil {
		b.log.Warn("failed to set circuit state", "circuit", b.name, "error", err)
		return
	}
	b.log.Info("circuit state changed", "circuit", b.name, "state", string(s))
}

// ShouldAllowRequest implements spec §4.4's admission check:
//   - CLOSED: allow.
//   - OPEN, recovery timeout elapsed: allow (the state key is not changed
//     here — that happens in RecordSuccess/RecordFailure). Every check
//     made after the timeout is allowed until one of those records an
//     outcome; concurrent checks are not limited to a single probe.
//   - OPEN, recovery timeout not elapsed: deny.
//   - KV unreachable: fail open (spec §4.4's fail-safe).
func (b *Breaker) ShouldAllowRequest(ctx context.Context) bool {
	if b.kv == nil {
		return true
	}

	state := b.GetState(ctx)
	if state == StateClosed {
		return true
	}

	// state == StateOpen
	lastFailStr, err := b.kv.Get(ctx, b.lastFailKey)
	if err != nil {
		if err == kv.ErrNotFound {
			return true // OPEN with no recorded failure time shouldn't happen; fail safe.
		}
		b.log.Warn("failed to read last failure time, failing open", "circuit", b.name, "error", err)
		return true
	}

	lastFailUnix, err := strconv.ParseFloat(lastFailStr, 64)
	if err != nil {
		return true
	}
	lastFail := time.Unix(0, int64(lastFailUnix*float64(time.Second)))
	if time.Since(lastFail) > b.recoveryTimeout {
		b.log.Info("circuit probe allowed, recovery timeout elapsed", "circuit", b.name)
		return true
	}
	return false
}

// RecordSuccess resets the failure counter and, if the circuit was not
// CLOSED, transitions it back to CLOSED (the HALF_OPEN-probe-succeeded
// case of spec §4.4).
func (b *Breaker) RecordSuccess(ctx context.Context) {
	if b.kv == nil {
		return
	}
	if b.GetState(ctx) != StateClosed {
		b.setState(ctx, StateClosed)
	}
	if err := b.kv.Set(ctx, b.failuresKey, "0", 0); err != nil {
		b.log.Warn("failed to reset failure counter", "circuit", b.name, "error", err)
	}
}

// RecordFailure increments the failure counter and, on a CLOSED circuit
// that crosses failureThreshold, opens it. On an already-OPEN circuit
// (the HALF_OPEN-probe-failed case), it only refreshes last_failure_time
// so the circuit stays open for another full recoveryTimeout.
func (b *Breaker) RecordFailure(ctx context.Context) {
	if b.kv == nil {
		return
	}

	now := float64(time.Now().UnixNano()) / float64(time.Second)
	if err := b.kv.Set(ctx, b.lastFailKey, strconv.FormatFloat(now, 'f', -1, 64), 0); err != nil {
		b.log.Warn("failed to record failure timestamp", "circuit", b.name, "error", err)
		return
	}

	failures, err := b.kv.Incr(ctx, b.failuresKey)
	if err != nil {
		b.log.Warn("failed to increment failure counter", "circuit", b.name, "error", err)
		return
	}

	b.log.Warn("circuit recorded failure", "circuit", b.name, "failures", failures, "threshold", b.failureThreshold)

	if int(failures) >= b.failureThreshold {
		if b.GetState(ctx) != StateOpen {
			b.log.Error("circuit tripped", "circuit", b.name)
			b.setState(ctx, StateOpen)
		}
	}
}

// Failures returns the current failure counter, for /admin/circuit-breakers.
func (b *Breaker) Failures(ctx context.Context) int64 {
	if b.kv == nil {
		return 0
	}
	v, err := b.kv.Get(ctx, b.failuresKey)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
