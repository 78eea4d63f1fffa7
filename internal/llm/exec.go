package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/tidwall/gjson"
)

// execGenerator runs a local command per request. The request is written
// to stdin as JSON; stdout is either JSON carrying "content" (or a chat
// completion body) or the plain reply text.
type execGenerator struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	input, err := json.Marshal(execRequest{
		Prompt:      req.Prompt,
		System:      req.System,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("llm exec command failed: %w", err)
	}

	chunk := Chunk{TurnID: req.TurnID, TraceID: req.TraceID, Latency: time.Since(start)}
	output = bytes.TrimSpace(output)
	if gjson.ValidBytes(output) && gjson.ParseBytes(output).IsObject() {
		doc := gjson.ParseBytes(output)
		content := doc.Get("content")
		if !content.Exists() {
			content = doc.Get("choices.0.message.content")
		}
		if content.Type != gjson.String {
			return fmt.Errorf("llm exec response has no content")
		}
		chunk.Content = content.Str
		chunk.PromptTokens = int(doc.Get("prompt_tokens").Int())
		chunk.CompletionTokens = int(doc.Get("completion_tokens").Int())
	} else {
		chunk.Content = string(output)
	}
	return consumer(chunk)
}
