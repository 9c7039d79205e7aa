package provider

import (
	"context"
	"math/rand"
	"time"
)

// FakeProvider simulates an upstream LLM without any network calls,
// ported from original_source's FakeProvider: used when
// FeatureFlags.UseFakeLLM is set, so the gateway can be exercised
// end-to-end (and demoed) without live provider credentials.
type FakeProvider struct {
	minLatency, maxLatency time.Duration
	minChunk, maxChunk     int
}

// NewFakeProvider builds a FakeProvider with simulated per-chunk
// latency bounds.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		minLatency: 5 * time.Millisecond,
		maxLatency: 15 * time.Millisecond,
		minChunk:   2,
		maxChunk:   6,
	}
}

func (p *FakeProvider) Name() string { return "fake" }

// SupportsModel accepts any model name — the fake provider exists to
// exercise the pipeline, not to validate real model identifiers.
func (p *FakeProvider) SupportsModel(model string) bool { return true }

func (p *FakeProvider) Stream(ctx context.Context, req *StreamRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)

		text := p.responseFor(req.Query)
		chunks := p.chunkText(text)

		for i, c := range chunks {
			delay := p.minLatency + time.Duration(rand.Int63n(int64(p.maxLatency-p.minLatency)+1))
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}

			finish := ""
			if i == len(chunks)-1 {
				finish = "stop"
			}

			select {
			case ch <- StreamChunk{Content: c, FinishReason: finish, Model: req.Model, Timestamp: time.Now()}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (p *FakeProvider) responseFor(query string) string {
	const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit. " +
		"Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua."
	multiplier := (len(query) % 3) + 1
	out := ""
	for i := 0; i < multiplier; i++ {
		out += loremIpsum
	}
	return out
}

func (p *FakeProvider) chunkText(text string) []string {
	var chunks []string
	for i := 0; i < len(text); {
		size := p.minChunk + rand.Intn(p.maxChunk-p.minChunk+1)
		end := i + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[i:end])
		i = end
	}
	return chunks
}

var _ Provider = (*FakeProvider)(nil)
