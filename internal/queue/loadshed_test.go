package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	depth int64
}

func (f *fakeBus) Initialize(ctx context.Context) error { return nil }
func (f *fakeBus) Produce(ctx context.Context, payload []byte) (string, error) {
	f.depth++
	return "id", nil
}
func (f *fakeBus) Consume(ctx context.Context, consumerName string, batchSize int, block time.Duration) ([]Message, error) {
	return nil, nil
}
func (f *fakeBus) Acknowledge(ctx context.Context, messageID string) error { return nil }
func (f *fakeBus) Depth(ctx context.Context) (int64, error)                { return f.depth, nil }
func (f *fakeBus) Close() error                                            { return nil }

var _ Bus = (*fakeBus)(nil)

// drainingBus reports a depth that falls below threshold after a fixed
// number of Depth calls, simulating a queue that drains while a
// backpressured Produce is retrying.
type drainingBus struct {
	fakeBus
	depthCalls   int
	drainAfter   int
	initialDepth int64
}

func (d *drainingBus) Depth(ctx context.Context) (int64, error) {
	d.depthCalls++
	if d.depthCalls > d.drainAfter {
		return 0, nil
	}
	return d.initialDepth, nil
}

func TestLoadShedderAdmitsUnderThreshold(t *testing.T) {
	bus := &fakeBus{depth: 1}
	ls := NewLoadShedder(bus, 10, 0.80, 1000, 10, 0, 0, 0)
	_, err := ls.Produce(context.Background(), []byte("x"))
	require.NoError(t, err)
}

func TestLoadShedderRejectsOverDepthThresholdAfterRetriesExhausted(t *testing.T) {
	bus := &fakeBus{depth: 9}
	ls := NewLoadShedder(bus, 10, 0.80, 1000, 10, 2, time.Millisecond, 2*time.Millisecond)
	_, err := ls.Produce(context.Background(), []byte("x"))
	require.Error(t, err)
}

func TestLoadShedderRetriesUntilQueueDrains(t *testing.T) {
	bus := &drainingBus{drainAfter: 2, initialDepth: 9}
	ls := NewLoadShedder(bus, 10, 0.80, 1000, 10, 5, time.Millisecond, 2*time.Millisecond)
	_, err := ls.Produce(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.Greater(t, bus.depthCalls, 2, "Produce must have retried the depth check before succeeding")
}

func TestLoadShedderRejectsWhenBucketEmpty(t *testing.T) {
	bus := &fakeBus{depth: 0}
	ls := NewLoadShedder(bus, 100, 0.80, 0.001, 1, 0, 0, 0)
	_, err := ls.Produce(context.Background(), []byte("x"))
	require.NoError(t, err)
	_, err = ls.Produce(context.Background(), []byte("x"))
	require.Error(t, err)
}
