// Package failover implements the distributed queue-failover mechanism
// of spec §4.8, ported from original_source's queue_request_handler.py
// (publisher side) and queue_consumer_worker.py (consumer side): when
// the local connection pool is exhausted, the request is handed to any
// instance with room via a pub/sub result channel instead of being
// rejected outright.
package failover

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/howard-nolan/llmgateway/internal/gatewayerr"
	"github.com/howard-nolan/llmgateway/internal/kv"
	"github.com/howard-nolan/llmgateway/internal/pool"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/queue"
	"github.com/howard-nolan/llmgateway/internal/sse"
)

const (
	signalDone          = "SIGNAL:DONE"
	signalErrorPrefix   = "SIGNAL:ERROR:"
	resultChannelPrefix = "queue:results:"
)

// QueuedRequest is the envelope produced onto the failover topic and
// consumed by any instance's ConsumerWorker.
type QueuedRequest struct {
	RequestID   string                 `json:"request_id"`
	Payload     provider.StreamRequest `json:"payload"`
	EnqueueTime time.Time              `json:"enqueue_time"`
	RetryCount  int                    `json:"retry_count"`
}

// ---------------------------------------------------------------------------
// Publisher (the instance that took the HTTP request)
// ---------------------------------------------------------------------------

// Publisher enqueues a request onto the failover topic and relays
// whatever the consumer publishes back to the local SSE client.
type Publisher struct {
	kv      *kv.Client
	bus     queue.Bus
	timeout time.Duration
	log     *slog.Logger
}

// NewPublisher creates a Publisher. timeout is QUEUE_FAILOVER_TIMEOUT_SECONDS.
func NewPublisher(kvClient *kv.Client, bus queue.Bus, timeout time.Duration, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{kv: kvClient, bus: bus, timeout: timeout, log: log}
}

// Publish subscribes to this request's result channel BEFORE enqueuing
// (so early chunks can't be lost), produces the envelope, then relays
// every message arriving on the channel to w until a terminal sentinel
// or the overall timeout.
func (p *Publisher) Publish(ctx context.Context, req *provider.StreamRequest, w *sse.Writer) error {
	requestID := uuid.NewString()
	channel := resultChannelPrefix + requestID

	sub := p.kv.Subscribe(ctx, channel)
	defer sub.Close()

	qr := QueuedRequest{RequestID: requestID, Payload: *req, EnqueueTime: time.Now()}
	data, err := json.Marshal(qr)
	if err != nil {
		return fmt.Errorf("failover: marshaling queued request: %w", err)
	}
	if _, err := p.bus.Produce(ctx, data); err != nil {
		return fmt.Errorf("failover: enqueuing request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// relayedError records that the consumer's pipeline already relayed
	// its own error event, so SIGNAL:ERROR adds no second terminal event.
	relayedError := false
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return gatewayerr.New(gatewayerr.KindQueueConsumer, "failover result subscription closed unexpectedly").WithThread(req.ThreadID)
			}

			switch {
			case msg.Payload == signalDone:
				return nil
			case strings.HasPrefix(msg.Payload, signalErrorPrefix):
				reason := strings.TrimPrefix(msg.Payload, signalErrorPrefix)
				if !relayedError {
					_ = w.Send(sse.Event{Type: sse.EventError, Data: sse.ErrorData{Error: "QUEUE_CONSUMER", Message: reason}})
				}
				return gatewayerr.New(gatewayerr.KindQueueConsumer, reason).WithThread(req.ThreadID)
			default:
				if ev, perr := sse.Parse(msg.Payload); perr == nil && ev.Type == sse.EventError {
					relayedError = true
				}
				if err := w.WriteRaw(msg.Payload); err != nil {
					return err
				}
			}

		case <-timeoutCtx.Done():
			_ = w.Send(sse.Event{Type: sse.EventError, Data: sse.ErrorData{Error: "STREAMING_TIMEOUT", Message: "failover request timed out waiting for a worker"}})
			return gatewayerr.New(gatewayerr.KindStreamingTimeout, "failover timeout").WithThread(req.ThreadID)
		}
	}
}

// ---------------------------------------------------------------------------
// Consumer (any instance, one worker per instance)
// ---------------------------------------------------------------------------

// Pipeline runs the orchestrator's stages 4-6 for req, calling emit for
// every SSEEvent produced. It's injected rather than imported directly
// so this package doesn't depend on internal/orchestrator.
type Pipeline func(ctx context.Context, req *provider.StreamRequest, emit func(sse.Event) error) error

// ConsumerWorker is the per-instance worker that drains the failover
// topic, acquires a local pool slot, and runs the pipeline on behalf of
// whichever instance published the request.
type ConsumerWorker struct {
	bus      queue.Bus
	kv       *kv.Client
	pool     *pool.Pool
	pipeline Pipeline
	log      *slog.Logger

	consumerName string
	batchSize    int
	block        time.Duration

	failoverTimeout time.Duration
	maxRetries      int
	baseDelay       time.Duration
	capDelay        time.Duration
}

// NewConsumerWorker creates a ConsumerWorker.
func NewConsumerWorker(
	bus queue.Bus,
	kvClient *kv.Client,
	p *pool.Pool,
	pipeline Pipeline,
	consumerName string,
	batchSize int,
	block time.Duration,
	failoverTimeout time.Duration,
	maxRetries int,
	baseDelay, capDelay time.Duration,
	log *slog.Logger,
) *ConsumerWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ConsumerWorker{
		bus: bus, kv: kvClient, pool: p, pipeline: pipeline, log: log,
		consumerName: consumerName, batchSize: batchSize, block: block,
		failoverTimeout: failoverTimeout, maxRetries: maxRetries,
		baseDelay: baseDelay, capDelay: capDelay,
	}
}

// Run drains the failover topic until ctx is cancelled.
func (w *ConsumerWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := w.bus.Consume(ctx, w.consumerName, w.batchSize, w.block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn("failover consume error", "error", err)
			continue
		}

		for _, m := range msgs {
			w.handle(ctx, m)
		}
	}
}

func (w *ConsumerWorker) handle(ctx context.Context, m queue.Message) {
	var qr QueuedRequest
	if err := json.Unmarshal(m.Payload, &qr); err != nil {
		w.log.Error("failover: dropping unparseable message", "error", err)
		_ = w.bus.Acknowledge(ctx, m.ID)
		return
	}

	if time.Since(qr.EnqueueTime) > w.failoverTimeout {
		_ = w.bus.Acknowledge(ctx, m.ID)
		return
	}

	decision := w.pool.Acquire(ctx, qr.Payload.UserID, qr.Payload.ThreadID)
	if decision != pool.Granted {
		w.requeue(ctx, m, qr)
		return
	}
	defer w.pool.Release(ctx, qr.Payload.UserID, qr.Payload.ThreadID)

	channel := resultChannelPrefix + qr.RequestID
	pipelineErr := w.pipeline(ctx, &qr.Payload, func(e sse.Event) error {
		line, err := sse.Format(e)
		if err != nil {
			return err
		}
		return w.kv.Publish(ctx, channel, line)
	})

	if pipelineErr != nil {
		_ = w.kv.Publish(ctx, channel, signalErrorPrefix+pipelineErr.Error())
	} else {
		_ = w.kv.Publish(ctx, channel, signalDone)
	}
	_ = w.bus.Acknowledge(ctx, m.ID)
}

// requeue implements the exponential-backoff-with-jitter requeue path:
// bump retry_count, give up with SIGNAL:ERROR past maxRetries, otherwise
// sleep and re-produce before acknowledging the current copy.
func (w *ConsumerWorker) requeue(ctx context.Context, m queue.Message, qr QueuedRequest) {
	qr.RetryCount++
	channel := resultChannelPrefix + qr.RequestID

	if qr.RetryCount > w.maxRetries {
		_ = w.kv.Publish(ctx, channel, signalErrorPrefix+"max retries exceeded")
		_ = w.bus.Acknowledge(ctx, m.ID)
		return
	}

	delay := w.backoffDelay(qr.RetryCount)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return
	}

	data, err := json.Marshal(qr)
	if err != nil {
		w.log.Error("failover: re-marshaling requeue failed", "error", err)
		_ = w.bus.Acknowledge(ctx, m.ID)
		return
	}
	if _, err := w.bus.Produce(ctx, data); err != nil {
		w.log.Error("failover: requeue produce failed", "error", err)
	}
	_ = w.bus.Acknowledge(ctx, m.ID)
}

func (w *ConsumerWorker) backoffDelay(retryCount int) time.Duration {
	base := w.baseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	capDelay := w.capDelay
	if capDelay <= 0 {
		capDelay = 10 * time.Second
	}
	capped := float64(base) * math.Pow(2, float64(retryCount))
	if capped > float64(capDelay) {
		capped = float64(capDelay)
	}
	return time.Duration(rand.Int63n(int64(capped) + 1))
}
