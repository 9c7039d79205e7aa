package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements Provider for Anthropic's Messages API.
type AnthropicProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
	client  *http.Client
	models  map[string]struct{}
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API
// calls. models restricts SupportsModel; an empty list means "serves
// any model" (useful for a catch-all/test adapter).
func NewAnthropicProvider(apiKey, baseURL string, client *http.Client, models []string) *AnthropicProvider {
	set := make(map[string]struct{}, len(models))
	for _, m := range models {
		set[m] = struct{}{}
	}
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
		models:  set,
	}
}

func (a *AnthropicProvider) Name() string { return "anthropic" }

// SupportsModel reports whether model is in this provider's configured
// model list (or true for all models if none were configured).
func (a *AnthropicProvider) SupportsModel(model string) bool {
	if len(a.models) == 0 {
		return true
	}
	_, ok := a.models[model]
	return ok
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicStreamEvent is a lightweight wrapper for initial decoding.
// Anthropic sends NAMED events, each with a different payload shape;
// we decode into one struct with all possible fields and branch on Type.
type anthropicStreamEvent struct {
	Type    string                 `json:"type"`
	Message *anthropicEventMessage `json:"message,omitempty"`
	Delta   *anthropicEventDelta   `json:"delta,omitempty"`
	Usage   *anthropicUsage        `json:"usage,omitempty"`
}

type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicEventDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

const anthropicAPIVersion = "2023-06-01"

const defaultMaxTokens = 1024

// toAnthropicRequest translates our internal chatRequest into
// Anthropic's format: system messages pulled into the top-level
// "system" string, max_tokens defaulted if unset.
func toAnthropicRequest(req *chatRequest) *anthropicRequest {
	ar := &anthropicRequest{Model: req.Model}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	if len(systemParts) > 0 {
		ar.System = strings.Join(systemParts, "\n")
	}

	if req.MaxTokens > 0 {
		ar.MaxTokens = req.MaxTokens
	} else {
		ar.MaxTokens = defaultMaxTokens
	}
	return ar
}

// ---------------------------------------------------------------------------
// Streaming: Stream
// ---------------------------------------------------------------------------

// Stream sends a streaming request to Anthropic's /v1/messages endpoint
// and returns a channel of StreamChunks, translating Anthropic's
// multi-event SSE protocol into the gateway's unified chunk shape.
func (a *AnthropicProvider) Stream(ctx context.Context, req *StreamRequest) (<-chan StreamChunk, error) {
	anthropicReq := toAnthropicRequest(&chatRequest{
		Model:    req.Model,
		Messages: []message{{Role: "user", Content: req.Query}},
	})
	anthropicReq.Stream = true

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to anthropic: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("anthropic API error (status %d): %v", httpResp.StatusCode, errBody)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		var model string
		scanner := bufio.NewScanner(httpResp.Body)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			jsonData := strings.TrimPrefix(line, "data: ")

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
				ch <- StreamChunk{Error: fmt.Errorf("decoding anthropic stream event: %w", err)}
				return
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					model = event.Message.Model
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				chunk := StreamChunk{Content: event.Delta.Text, Model: model, Timestamp: time.Now()}
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}

			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					chunk := StreamChunk{Model: model, FinishReason: event.Delta.StopReason, Timestamp: time.Now()}
					select {
					case ch <- chunk:
					case <-ctx.Done():
						return
					}
				}

			case "message_stop":
				return

			// content_block_start, content_block_stop, ping carry nothing we need.
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case ch <- StreamChunk{Error: fmt.Errorf("reading anthropic stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}
