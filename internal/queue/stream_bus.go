package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/howard-nolan/llmgateway/internal/kv"
)

const streamPayloadField = "payload"

// StreamBus is the KV-stream backing: a Redis stream with one consumer
// group, XREADGROUP(">") semantics, and XACK on acknowledge.
type StreamBus struct {
	rdb           *redis.Client
	streamKey     string
	consumerGroup string
}

// NewStreamBus creates a StreamBus over the given stream key (spec §6:
// "queue:<topic>") and consumer group name.
func NewStreamBus(client *kv.Client, streamKey, consumerGroup string) *StreamBus {
	return &StreamBus{
		rdb:           client.Raw(),
		streamKey:     streamKey,
		consumerGroup: consumerGroup,
	}
}

// Initialize creates the consumer group (and the stream, via MKSTREAM)
// if it doesn't already exist.
func (s *StreamBus) Initialize(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.streamKey, s.consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Produce appends payload to the stream via XADD and returns the
// generated entry ID.
func (s *StreamBus) Produce(ctx context.Context, payload []byte) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey,
		Values: map[string]any{streamPayloadField: payload},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

// Consume reads up to batchSize new messages for consumerName via
// XREADGROUP(">"), blocking up to block for at least one message.
func (s *StreamBus) Consume(ctx context.Context, consumerName string, batchSize int, block time.Duration) ([]Message, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.consumerGroup,
		Consumer:  consumerName,
		Streams:  []string{s.streamKey, ">"},
		Count:    int64(batchSize),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var out []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			payload, _ := entry.Values[streamPayloadField].(string)
			out = append(out, Message{ID: entry.ID, Payload: []byte(payload)})
		}
	}
	return out, nil
}

// Acknowledge issues XACK for messageID and then deletes the entry with
// XDEL, so acknowledged entries no longer count toward Depth.
func (s *StreamBus) Acknowledge(ctx context.Context, messageID string) error {
	if err := s.rdb.XAck(ctx, s.streamKey, s.consumerGroup, messageID).Err(); err != nil {
		return err
	}
	return s.rdb.XDel(ctx, s.streamKey, messageID).Err()
}

// Depth reports the stream's current length (XLEN): every entry not yet
// acknowledged. Used for backpressure checks against QUEUE_MAX_DEPTH.
func (s *StreamBus) Depth(ctx context.Context) (int64, error) {
	return s.rdb.XLen(ctx, s.streamKey).Result()
}

func (s *StreamBus) Close() error {
	return nil // the underlying *redis.Client is owned by kv.Client
}

var _ Bus = (*StreamBus)(nil)
