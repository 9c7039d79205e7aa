// Package kv wraps a pooled client to the shared in-memory KV store that
// backs every piece of distributed state in the gateway: the L2 cache,
// circuit-breaker records, connection-pool counters, and (for the
// stream-backed message bus) the queue itself.
//
// The concrete backend is Redis (github.com/redis/go-redis/v9). Tests
// run this package against alicebob/miniredis/v2, an in-memory fake
// Redis server, so the suite never needs a live Redis instance.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/howard-nolan/llmgateway/internal/config"
)

// Client is the pooled async client to the KV store. It wraps go-redis's
// own connection pool (configured from KVConfig) and layers a background
// health checker plus the auto-batching pipeline of §4.2 on top.
type Client struct {
	rdb     *redis.Client
	batcher *Batcher

	healthInterval time.Duration
	stopHealth     chan struct{}
}

// New creates a Client and starts its background health-check loop.
// Callers must call Close when done to stop the loop and release
// connections back to the OS.
func New(cfg config.KVConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:           cfg.DB,
		Password:     cfg.Password,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: cfg.MinConnections,
	})

	interval := cfg.HealthCheckEvery
	if interval <= 0 {
		interval = 30 * time.Second
	}

	c := &Client{
		rdb:            rdb,
		healthInterval: interval,
		stopHealth:     make(chan struct{}),
	}
	c.batcher = NewBatcher(rdb, cfg.BatchSize, cfg.BatchTimeout)

	go c.healthLoop()

	return c
}

// NewFromRedis wraps an existing *redis.Client. Used by tests to point
// the gateway at a miniredis instance, and by anything embedding this
// package into a larger process that already owns a redis.Client.
func NewFromRedis(rdb *redis.Client, batchSize int, batchTimeout time.Duration) *Client {
	c := &Client{
		rdb:            rdb,
		healthInterval: 30 * time.Second,
		stopHealth:     make(chan struct{}),
	}
	c.batcher = NewBatcher(rdb, batchSize, batchTimeout)
	go c.healthLoop()
	return c
}

func (c *Client) healthLoop() {
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = c.rdb.Ping(ctx).Err()
			cancel()
		case <-c.stopHealth:
			return
		}
	}
}

// Close stops the health-check loop and closes the underlying pool.
func (c *Client) Close() error {
	close(c.stopHealth)
	return c.rdb.Close()
}

// Ping reports whether the KV store is currently reachable. Used by the
// health endpoints.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// --- Direct command path ---
//
// The methods below issue each command directly, so the caller gets the
// result immediately (e.g. a single GET on the cache's hot path). The
// auto-batching path (Batcher, in batcher.go) is separate and reached
// only through BatcherHandle; MGet runs its own pipeline rather than
// going through the Batcher.

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Decr(ctx, key).Result()
}

func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *Client) SAdd(ctx context.Context, key, member string) error {
	return c.rdb.SAdd(ctx, key, member).Err()
}

func (c *Client) SRem(ctx context.Context, key, member string) error {
	return c.rdb.SRem(ctx, key, member).Err()
}

// MGet performs one pipelined round trip to fetch every key in keys,
// used by the cache's batch_get. Missing keys (and keys whose GET
// failed) come back as "" — callers should treat that as "not present",
// matching spec §4.1's batch_get contract.
func (c *Client) MGet(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Get(ctx, k)
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, cmd := range cmds {
		v, cerr := cmd.(*redis.StringCmd).Result()
		if cerr == nil {
			out[i] = v
		}
	}
	return out, nil
}

// Publish/Subscribe back the pub/sub channel used exclusively by the
// queue-failover mechanism (spec §4.2, §4.8).

func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

// Subscription is a lazy sequence of messages on a channel, closed by
// calling Close.
type Subscription struct {
	pubsub *redis.PubSub
}

func (c *Client) Subscribe(ctx context.Context, channel string) *Subscription {
	return &Subscription{pubsub: c.rdb.Subscribe(ctx, channel)}
}

// Messages returns the channel of incoming messages. Reading from it
// blocks until a message arrives or the subscription is closed.
func (s *Subscription) Messages() <-chan *redis.Message {
	return s.pubsub.Channel()
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Raw exposes the underlying *redis.Client for packages that need a
// command surface this wrapper doesn't cover (stream XADD/XREADGROUP in
// internal/queue).
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Batcher exposes the auto-batching pipeline for callers that want to
// opt into batched submission explicitly.
func (c *Client) BatcherHandle() *Batcher {
	return c.batcher
}
