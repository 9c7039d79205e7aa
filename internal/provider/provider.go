// Package provider defines the Provider interface, LLM provider adapters,
// and the registry that picks a healthy one for a given model.
//
// Every LLM backend (Google, Anthropic, etc.) implements the Provider
// interface. The rest of the gateway works with these unified types —
// the orchestrator, cache, tracker — so they never need to know which
// provider is actually handling a request.
package provider

import (
	"context"
	"time"
)

// Provider is the interface every LLM backend must satisfy. Go
// interfaces are implicit: any struct with these three methods
// automatically implements Provider — no "implements" keyword needed.
type Provider interface {
	// Name returns the provider identifier, e.g. "google" or "anthropic".
	// Used for logging and metrics labels.
	Name() string

	// SupportsModel reports whether this provider can serve model. The
	// registry uses this for the model-to-provider predicate at
	// selection time, ahead of circuit-breaker health checks.
	SupportsModel(model string) bool

	// Stream sends a request and returns a channel that delivers
	// response chunks as they arrive from the upstream API.
	//
	// The returned channel is receive-only — the caller reads from it
	// but never writes. The adapter creates the channel internally,
	// writes chunks to it, and closes it when the stream ends (either
	// on the chunk carrying a FinishReason, or on an error chunk).
	Stream(ctx context.Context, req *StreamRequest) (<-chan StreamChunk, error)
}

// Priority is the caller's declared urgency for a request. The HTTP
// handler sets it (HIGH for premium users, NORMAL otherwise) and it
// travels with the request; no component orders or rejects requests
// by it.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// StreamRequest is the unified, provider-agnostic request that flows
// from the HTTP handler through the orchestrator to a Provider adapter.
type StreamRequest struct {
	Query    string         // the user's prompt text
	Model    string         // e.g. "claude-3-5-sonnet", "gemini-2.0-flash", "auto"
	Provider *string        // explicit provider override, nil = let the registry pick
	ThreadID string         // correlates chunks/logs/tracker stages for one conversation
	UserID   string         // for per-user pool/rate-limit accounting
	Priority Priority       // HIGH/NORMAL/LOW
	Metadata map[string]any // opaque passthrough fields (e.g. client trace IDs)
}

// StreamChunk is one piece of a streaming response. The provider
// adapter sends these over a channel; the orchestrator reads them and
// sends each one to the client as a server-sent event.
type StreamChunk struct {
	Content      string    // the new text fragment in this chunk
	FinishReason string    // empty until the final chunk, then e.g. "stop", "max_tokens"
	Model        string    // the model that actually generated this chunk
	Timestamp    time.Time // when the adapter produced this chunk

	// Error is set instead of Content on the terminal chunk when the
	// upstream stream failed mid-flight (decode error, I/O error). A
	// non-nil Error always comes with the channel being closed right
	// after.
	Error error
}

// Done reports whether this is the terminal chunk of the stream.
func (c StreamChunk) Done() bool {
	return c.FinishReason != "" || c.Error != nil
}

// ---------------------------------------------------------------------------
// Adapter-internal request/response shapes (OpenAI-style messages), used
// by the Anthropic/Google adapters to talk to their upstream APIs.
// ---------------------------------------------------------------------------

// chatRequest is what an adapter actually sends upstream: a message list
// translated from the single StreamRequest.Query.
type chatRequest struct {
	Model     string
	Messages  []message
	MaxTokens int
}

// message is one entry in the conversation sent to the upstream API.
type message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}
