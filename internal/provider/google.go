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
// GoogleProvider struct + constructor
// ---------------------------------------------------------------------------

// GoogleProvider implements Provider for Google's Gemini API.
type GoogleProvider struct {
	apiKey  string // Gemini API key (sent as a query parameter, not a header)
	baseURL string // e.g. "https://generativelanguage.googleapis.com/v1beta"
	client  *http.Client
	models  map[string]struct{}
}

// NewGoogleProvider creates a GoogleProvider ready to make API calls.
// An *http.Client is injected rather than created internally so tests
// can pass a fake/mock client and main.go can set its own timeouts.
func NewGoogleProvider(apiKey, baseURL string, client *http.Client, models []string) *GoogleProvider {
	set := make(map[string]struct{}, len(models))
	for _, m := range models {
		set[m] = struct{}{}
	}
	return &GoogleProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
		models:  set,
	}
}

func (g *GoogleProvider) Name() string { return "google" }

// SupportsModel reports whether model is in this provider's configured
// model list (or true for all models if none were configured).
func (g *GoogleProvider) SupportsModel(model string) bool {
	if len(g.models) == 0 {
		return true
	}
	_, ok := g.models[model]
	return ok
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported — only this file uses them)
// ---------------------------------------------------------------------------

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toGeminiRequest translates our internal chatRequest into Gemini's
// format: system messages pulled into systemInstruction, messages
// become contents/parts, max_tokens becomes maxOutputTokens.
func toGeminiRequest(req *chatRequest) *geminiRequest {
	gr := &geminiRequest{}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
			} else {
				gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, geminiPart{Text: msg.Content})
			}
			continue
		}

		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		gr.Contents = append(gr.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: msg.Content}}})
	}

	if req.MaxTokens > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	}
	return gr
}

// ---------------------------------------------------------------------------
// Streaming: Stream
// ---------------------------------------------------------------------------

// Stream sends a streaming request to Gemini's streamGenerateContent
// endpoint and returns a channel of StreamChunks.
func (g *GoogleProvider) Stream(ctx context.Context, req *StreamRequest) (<-chan StreamChunk, error) {
	geminiReq := toGeminiRequest(&chatRequest{
		Model:    req.Model,
		Messages: []message{{Role: "user", Content: req.Query}},
	})

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, req.Model, g.apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to gemini: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("gemini API error (status %d): %v", httpResp.StatusCode, errBody)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		scanner := bufio.NewScanner(httpResp.Body)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			jsonData := strings.TrimPrefix(line, "data: ")

			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(jsonData), &geminiResp); err != nil {
				ch <- StreamChunk{Error: fmt.Errorf("decoding gemini stream event: %w", err)}
				return
			}

			if len(geminiResp.Candidates) == 0 {
				continue
			}
			candidate := geminiResp.Candidates[0]

			var delta string
			if len(candidate.Content.Parts) > 0 {
				delta = candidate.Content.Parts[0].Text
			}

			chunk := StreamChunk{Content: delta, Model: req.Model, Timestamp: time.Now()}
			if candidate.FinishReason != "" {
				chunk.FinishReason = candidate.FinishReason
			}

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case ch <- StreamChunk{Error: fmt.Errorf("reading gemini stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}
