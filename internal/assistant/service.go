// Package assistant turns a captured transcript into a spoken reply and
// records every turn on the bus and in the event store.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-satellite/internal/capture"
	"github.com/loqalabs/loqa-satellite/internal/eventstore"
	"github.com/loqalabs/loqa-satellite/internal/llm"
	"github.com/loqalabs/loqa-satellite/internal/protocol"
	"github.com/loqalabs/loqa-satellite/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Publisher sends a JSON message on the bus.
type Publisher interface {
	Publish(subject string, v any) error
}

// Journal records turns.
type Journal interface {
	AppendTurn(ctx context.Context, turnID, deviceID string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Speaker plays reply text.
type Speaker interface {
	Speak(ctx context.Context, text string) (tts.Stats, error)
}

type Config struct {
	DeviceID      string
	SubjectPrefix string
	SystemPrompt  string
	Model         string
	MaxTokens     int
	Temperature   float64
}

// Service handles one turn at a time on the capture goroutine. Any of the
// generator, speaker, journal or publisher may be nil to disable that step.
type Service struct {
	cfg     Config
	gen     llm.Generator
	speaker Speaker
	journal Journal
	pub     Publisher
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   func() time.Time
	newID   func() string

	turns metric.Int64Counter
}

func NewService(cfg Config, gen llm.Generator, speaker Speaker, journal Journal, pub Publisher, logger *slog.Logger) *Service {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = llm.DefaultSystemPrompt
	}
	s := &Service{
		cfg:     cfg,
		gen:     gen,
		speaker: speaker,
		journal: journal,
		pub:     pub,
		logger:  logger.With(slog.String("component", "assistant")),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-satellite/assistant"),
		clock:   time.Now,
		newID:   uuid.NewString,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-satellite/assistant")
	turns, err := meter.Int64Counter("loqa.assistant.turns",
		metric.WithDescription("Assistant turns by outcome"))
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	s.turns = turns
	return s
}

// Handle is a capture.Handler.
func (s *Service) Handle(ctx context.Context, out capture.Outcome) error {
	text := strings.TrimSpace(out.Transcript)
	if text == "" {
		return nil
	}
	turnID := s.newID()
	ctx, span := s.tracer.Start(ctx, "assistant.turn", trace.WithAttributes(
		attribute.String("loqa.turn_id", turnID),
		attribute.String("loqa.device_id", s.cfg.DeviceID),
		attribute.Int("loqa.trigger_energy", int(out.Energy)),
		attribute.String("loqa.stt.stop_reason", out.Result.Stop.String()),
	))
	defer span.End()
	traceID := ""
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	log := s.logger.With(slog.String("turn_id", turnID))
	log.Info("transcript received", slog.String("text", text))

	if s.journal != nil {
		if err := s.journal.AppendTurn(ctx, turnID, s.cfg.DeviceID); err != nil {
			log.Warn("failed to journal turn", slogError(err))
		}
	}
	s.record(ctx, turnID, traceID, eventstore.TypeTranscript, text)
	s.publish(protocol.SubjectTranscript, protocol.Transcript{
		TurnID:     turnID,
		DeviceID:   s.cfg.DeviceID,
		Text:       text,
		Energy:     out.Energy,
		StopReason: out.Result.Stop.String(),
		BytesSent:  out.Result.BytesSent,
		Timestamp:  s.clock().UTC(),
	})

	if s.gen == nil {
		s.count(ctx, "transcript_only")
		return nil
	}

	reply, err := s.generate(ctx, turnID, traceID, text)
	if err != nil {
		s.fail(ctx, span, turnID, traceID, "llm", err)
		return fmt.Errorf("generate reply: %w", err)
	}
	if reply.Text == "" {
		log.Info("empty reply, nothing to speak")
		s.count(ctx, "empty_reply")
		return nil
	}
	log.Info("reply generated", slog.String("text", reply.Text), slog.Duration("latency", reply.Latency))
	s.record(ctx, turnID, traceID, eventstore.TypeReply, reply.Text)
	s.publish(protocol.SubjectReply, reply)

	if s.speaker == nil {
		s.count(ctx, "replied")
		return nil
	}
	stats, err := s.speaker.Speak(ctx, reply.Text)
	status := protocol.PlaybackStatus{
		TurnID:             turnID,
		DeviceID:           s.cfg.DeviceID,
		SampleRate:         stats.SampleRate,
		Channels:           stats.Channels,
		PayloadBytes:       stats.PayloadBytes,
		BuffersPlayed:      stats.BuffersPlayed,
		CompletionTimeouts: stats.CompletionTimeouts,
		Timestamp:          s.clock().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	s.publish(protocol.SubjectPlayback, status)
	if err != nil {
		s.fail(ctx, span, turnID, traceID, "tts", err)
		return fmt.Errorf("speak reply: %w", err)
	}
	s.record(ctx, turnID, traceID, eventstore.TypePlayback, fmt.Sprintf("%d bytes in %d buffers", stats.PayloadBytes, stats.BuffersPlayed))
	span.SetAttributes(attribute.Int("loqa.tts.payload_bytes", stats.PayloadBytes))
	s.count(ctx, "spoken")
	return nil
}

func (s *Service) generate(ctx context.Context, turnID, traceID, prompt string) (protocol.AssistantReply, error) {
	reply := protocol.AssistantReply{
		TurnID:   turnID,
		DeviceID: s.cfg.DeviceID,
		Model:    s.cfg.Model,
		TraceID:  traceID,
	}
	done, err := llm.Complete(ctx, s.gen, llm.Request{
		TurnID:      turnID,
		Prompt:      prompt,
		System:      s.cfg.SystemPrompt,
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		TraceID:     traceID,
	})
	if err != nil {
		return reply, err
	}
	reply.Text = done.Text
	reply.PromptTokens = done.PromptTokens
	reply.CompletionTokens = done.CompletionTokens
	reply.Latency = done.Latency
	reply.Timestamp = s.clock().UTC()
	return reply, nil
}

func (s *Service) fail(ctx context.Context, span trace.Span, turnID, traceID, stage string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage+" failed")
	s.record(ctx, turnID, traceID, eventstore.TypeError, stage+": "+err.Error())
	s.count(ctx, stage+"_failed")
}

func (s *Service) record(ctx context.Context, turnID, traceID, typ, payload string) {
	if s.journal == nil {
		return
	}
	err := s.journal.AppendEvent(ctx, eventstore.Event{
		TurnID:  turnID,
		TraceID: traceID,
		Type:    typ,
		Payload: []byte(payload),
	})
	if err != nil {
		s.logger.Warn("failed to journal event", slog.String("type", typ), slogError(err))
	}
}

func (s *Service) publish(subject string, v any) {
	if s.pub == nil {
		return
	}
	full := protocol.Subject(s.cfg.SubjectPrefix, s.cfg.DeviceID, subject)
	if err := s.pub.Publish(full, v); err != nil {
		s.logger.Warn("failed to publish", slog.String("subject", full), slogError(err))
	}
}

func (s *Service) count(ctx context.Context, outcome string) {
	if s.turns != nil {
		s.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
