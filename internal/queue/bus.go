// Package queue implements the message bus of spec §4.3: one interface,
// two backings (a log-structured stream on the KV store, or a
// partitioned commit log), plus the backpressure and load-shedding
// behavior the failover producer relies on.
package queue

import (
	"context"
	"time"
)

// Message is one item handed back by Consume. Payload is the raw bytes
// produced; ID is backing-specific (a stream entry ID or a partition
// offset encoded as a string) and is the argument Acknowledge expects.
type Message struct {
	ID      string
	Payload []byte
}

// Bus is the uniform interface both backings satisfy: initialize,
// produce, consume in a named consumer group, acknowledge, close.
type Bus interface {
	Initialize(ctx context.Context) error
	Produce(ctx context.Context, payload []byte) (messageID string, err error)
	Consume(ctx context.Context, consumerName string, batchSize int, block time.Duration) ([]Message, error)
	Acknowledge(ctx context.Context, messageID string) error
	Depth(ctx context.Context) (int64, error)
	Close() error
}
