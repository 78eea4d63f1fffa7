package runtime

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-satellite/internal/audio"
	"github.com/loqalabs/loqa-satellite/internal/config"
	"github.com/loqalabs/loqa-satellite/internal/eventstore"
	"github.com/loqalabs/loqa-satellite/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestReadyReflectsState(t *testing.T) {
	r := New(config.Default(), newLogger())
	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}
	r.ready.Store(true)
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ready" {
		t.Fatalf("expected ready, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestTurnsEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "turns.db")
	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.AppendTurn(context.Background(), "turn-7", "kitchen"); err != nil {
		t.Fatalf("append turn: %v", err)
	}

	r := New(cfg, newLogger())
	r.store = store
	rec := httptest.NewRecorder()
	r.handleTurns(rec, httptest.NewRequest(http.MethodGet, "/turns?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"turn_id":"turn-7"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestComponentConfigsFollowSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Capture.TriggerThreshold = 2500
	cfg.Capture.IdleDelayMS = 100
	cfg.STT.BatchChunks = 2
	cfg.STT.FinalMaxMS = 30000
	cfg.VAD.SilenceMS = 600
	cfg.TTS.Volume = 35

	cc := captureConfig(cfg.Capture)
	if cc.TriggerThreshold != 2500 || cc.IdleDelay != 100*time.Millisecond || cc.OverlapEstimate != 2*time.Second {
		t.Fatalf("unexpected capture config %+v", cc)
	}
	sc := sttConfig(cfg.STT)
	if sc.BatchChunks != 2 || sc.FinalMax != 30*time.Second || sc.ChunkDuration != 250*time.Millisecond {
		t.Fatalf("unexpected stt config %+v", sc)
	}
	if sc.FinalWait(40*time.Second) != 30*time.Second {
		t.Fatalf("final wait should clamp to configured max")
	}
	vc := vadConfig(cfg.VAD)
	if vc.SilenceDuration != 600*time.Millisecond || vc.FrameSamples() != 480 {
		t.Fatalf("unexpected vad config %+v", vc)
	}
	tc := ttsConfig(cfg.TTS)
	if tc.Volume != 35 || tc.ReferenceID != "kill" || tc.ReadTimeout != time.Minute {
		t.Fatalf("unexpected tts config %+v", tc)
	}
}

func TestNewGeneratorModes(t *testing.T) {
	cfg := config.Default().LLM
	gen, err := newGenerator(cfg)
	if err != nil || gen != nil {
		t.Fatalf("disabled llm should yield no generator, got %v %v", gen, err)
	}
	cfg.Enabled = true
	for _, mode := range []string{"mock", "openai"} {
		cfg.Mode = mode
		if gen, err := newGenerator(cfg); err != nil || gen == nil {
			t.Fatalf("mode %s: %v", mode, err)
		}
	}
	cfg.Mode = "exec"
	cfg.Command = ""
	if _, err := newGenerator(cfg); err == nil {
		t.Fatal("expected error for empty exec command")
	}
}

func TestSessionFactoryBuildsUnconnectedSession(t *testing.T) {
	r := New(config.Default(), newLogger())
	sess, err := r.sessionFactory()()
	if err != nil {
		t.Fatalf("session factory: %v", err)
	}
	s, ok := sess.(*stt.Session)
	if !ok {
		t.Fatalf("unexpected session type %T", sess)
	}
	if s.Connected() || !s.Batching() || s.ChunkBytes() != 16000 {
		t.Fatalf("unexpected session state connected=%v batching=%v chunk=%d", s.Connected(), s.Batching(), s.ChunkBytes())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenDevice(t *testing.T) {
	dev, err := openDevice(config.AudioConfig{Mode: "memory"})
	if err != nil {
		t.Fatalf("memory device: %v", err)
	}
	if dev.Mode() != audio.ModeCapture {
		t.Fatalf("expected capture mode")
	}
	dev, err = openDevice(config.AudioConfig{Mode: "file", OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("file device: %v", err)
	}
	if _, ok := dev.(*audio.FileDevice); !ok {
		t.Fatalf("unexpected device type %T", dev)
	}
	if _, err := openDevice(config.AudioConfig{Mode: "file", Input: filepath.Join(t.TempDir(), "missing.wav")}); err == nil {
		t.Fatal("expected error for missing capture file")
	}
}

func TestLocalCapabilities(t *testing.T) {
	cfg := config.Default()
	caps := localCapabilities(cfg)
	if len(caps) != 1 || caps[0].Name != "stt" || caps[0].Attributes["url"] != cfg.STT.URL {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
	cfg.LLM.Enabled = true
	cfg.TTS.Enabled = true
	caps = localCapabilities(cfg)
	if len(caps) != 3 || caps[1].Attributes["model"] != "deepseek-chat" || caps[2].Attributes["sample_rate"] != "16000" {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
}

func TestSpanExporterSelection(t *testing.T) {
	var spans bytes.Buffer
	spanWriter = &spans
	t.Cleanup(func() { spanWriter = os.Stderr })

	cfg := config.Default().Telemetry
	exp, name, err := spanExporter(context.Background(), cfg)
	if err != nil || exp != nil || name != "none" {
		t.Fatalf("auto without endpoint should drop spans, got %v %s %v", exp, name, err)
	}

	cfg.TraceExporter = "stdout"
	exp, name, err = spanExporter(context.Background(), cfg)
	if err != nil || exp == nil || name != "stdout" {
		t.Fatalf("expected stdout exporter, got %s %v", name, err)
	}
	_ = exp.Shutdown(context.Background())

	cfg.TraceExporter = "otlp"
	if _, _, err := spanExporter(context.Background(), cfg); err == nil {
		t.Fatal("otlp without endpoint should fail")
	}
	cfg.TraceExporter = "zipkin"
	if _, _, err := spanExporter(context.Background(), cfg); err == nil {
		t.Fatal("unknown exporter should fail")
	}
}

func TestTelemetryResourceNamesDevice(t *testing.T) {
	cfg := config.Default()
	cfg.RuntimeName = "kitchen"
	res, err := telemetryResource(context.Background(), cfg)
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["service.name"] != "loqa-satellite" || attrs["service.instance.id"] != "kitchen" {
		t.Fatalf("unexpected resource attributes %v", attrs)
	}
}
