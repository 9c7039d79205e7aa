package kv

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// command is one queued operation waiting to be folded into the next
// flush. run executes it against a pipeliner; the result (or error) is
// delivered to done exactly once.
type command struct {
	run  func(redis.Pipeliner) error
	done chan error
}

// Batcher implements the auto-batching path of spec §4.2: commands
// queue up, and once the queue reaches batchSize or batchTimeout has
// elapsed since the oldest queued command, every queued command is
// flushed in a single pipelined round trip. At most one flush is ever
// in flight; enqueues that arrive mid-flush wait for the next batch.
type Batcher struct {
	rdb          *redis.Client
	batchSize    int
	batchTimeout time.Duration

	mu      sync.Mutex
	pending []*command
	timer   *time.Timer
	flush   chan struct{} // signals a flush is due
}

// NewBatcher creates a Batcher. batchSize <= 0 defaults to 10,
// batchTimeout <= 0 defaults to 10ms, matching spec §4.2's "≈10" / "≈10ms".
func NewBatcher(rdb *redis.Client, batchSize int, batchTimeout time.Duration) *Batcher {
	if batchSize <= 0 {
		batchSize = 10
	}
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	b := &Batcher{
		rdb:          rdb,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		flush:        make(chan struct{}, 1),
	}
	go b.flushLoop()
	return b
}

// Submit enqueues run to be executed in the next flush and blocks until
// that whole flush completes or ctx is done. It returns the flush's
// error (the same one for every command in the batch), or ctx.Err().
func (b *Batcher) Submit(ctx context.Context, run func(redis.Pipeliner) error) error {
	cmd := &command{run: run, done: make(chan error, 1)}

	b.mu.Lock()
	b.pending = append(b.pending, cmd)
	due := len(b.pending) >= b.batchSize
	if len(b.pending) == 1 {
		// First command in a new batch — arm the timeout.
		b.timer = time.AfterFunc(b.batchTimeout, b.triggerFlush)
	}
	b.mu.Unlock()

	if due {
		b.triggerFlush()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher) triggerFlush() {
	select {
	case b.flush <- struct{}{}:
	default:
		// A flush is already pending/in-flight; this command will be
		// picked up by it or the one after.
	}
}

func (b *Batcher) flushLoop() {
	for range b.flush {
		b.doFlush()
	}
}

func (b *Batcher) doFlush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, cmd := range batch {
			// cmd.run's own return value is ignored. Pipelined returns
			// the round-trip error or the first failed command's error
			// (redis.Nil included); either one fans out to every waiter
			// in this batch (spec §4.2: "errors during a flush propagate
			// to every waiter in that batch").
			_ = cmd.run(pipe)
		}
		return nil
	})

	for _, cmd := range batch {
		if err != nil {
			cmd.done <- err
		} else {
			cmd.done <- nil
		}
	}
}
