package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestChatGeneratorSendsMessagesAndParsesReply(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  It is sunny. "}}],"usage":{"prompt_tokens":12,"completion_tokens":4}}`))
	}))
	defer srv.Close()

	gen := NewChatGenerator(srv.URL+"/v1/chat/completions", "secret", "deepseek-chat", 5*time.Second)
	reply, err := Complete(context.Background(), gen, Request{Prompt: "weather?", System: DefaultSystemPrompt})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if reply.Text != "It is sunny." || reply.PromptTokens != 12 || reply.CompletionTokens != 4 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if auth != "Bearer secret" {
		t.Fatalf("expected bearer auth, got %q", auth)
	}
	if got.Model != "deepseek-chat" || got.Stream || len(got.Messages) != 2 {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Messages[0].Role != "system" || got.Messages[1].Role != "user" || got.Messages[1].Content != "weather?" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
}

func TestChatGeneratorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			_, _ = w.Write([]byte(`{"choices":[]}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	gen := NewChatGenerator(srv.URL+"/v1/chat/completions", "", "m", time.Second)
	if _, err := Complete(context.Background(), gen, Request{Prompt: "hi"}); err == nil {
		t.Fatal("expected status error")
	}
	gen = NewChatGenerator(srv.URL+"/empty", "", "m", time.Second)
	if _, err := Complete(context.Background(), gen, Request{Prompt: "hi"}); err == nil {
		t.Fatal("expected missing content error")
	}
}

func TestMockGenerator(t *testing.T) {
	reply, err := Complete(context.Background(), NewMockGenerator(), Request{Prompt: " lights on "})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if reply.Text != "You said: lights on" {
		t.Fatalf("unexpected reply %q", reply.Text)
	}
}

func TestExecGenerator(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script generator")
	}
	script := filepath.Join(t.TempDir(), "reply.sh")
	body := "#!/bin/sh\ncat >/dev/null\necho '{\"content\":\"from script\",\"completion_tokens\":3}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	gen, err := NewExecGenerator(script)
	if err != nil {
		t.Fatalf("new exec generator: %v", err)
	}
	var chunk Chunk
	err = gen.Generate(context.Background(), Request{TurnID: "t1", Prompt: "hi"}, func(c Chunk) error {
		chunk = c
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if chunk.Content != "from script" || chunk.CompletionTokens != 3 || chunk.TurnID != "t1" {
		t.Fatalf("unexpected chunk %+v", chunk)
	}

	if _, err := NewExecGenerator("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}
