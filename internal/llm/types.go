package llm

import (
	"context"
	"strings"
	"time"
)

// DefaultSystemPrompt keeps replies short enough for prompt playback.
const DefaultSystemPrompt = "You are a voice assistant. Reply briefly, in at most 50 words. Do not use emoji or special symbols."

// Request describes a language model prompt.
type Request struct {
	TurnID      string
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents model output.
type Chunk struct {
	TurnID           string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// Completion is a finished reply with its usage totals.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Complete runs req to completion and returns the trimmed reply text with
// token and latency totals summed over all chunks.
func Complete(ctx context.Context, gen Generator, req Request) (Completion, error) {
	var (
		b   strings.Builder
		out Completion
	)
	err := gen.Generate(ctx, req, func(c Chunk) error {
		b.WriteString(c.Content)
		out.PromptTokens += c.PromptTokens
		out.CompletionTokens += c.CompletionTokens
		out.Latency += c.Latency
		return nil
	})
	if err != nil {
		return out, err
	}
	out.Text = strings.TrimSpace(b.String())
	return out, nil
}
