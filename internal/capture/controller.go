// Package capture runs the idle listening cycle: it captures trigger
// windows, and on a trigger opens an STT session while recording the
// overlap so no speech is lost during the connect.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-satellite/internal/audio"
	"github.com/loqalabs/loqa-satellite/internal/stt"
	"github.com/loqalabs/loqa-satellite/internal/vad"
	"github.com/loqalabs/loqa-satellite/internal/voiceerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Session is the STT session the controller drives after a trigger.
type Session interface {
	Connect(ctx context.Context) error
	SendPreroll(pcm []byte) error
	Stream(ctx context.Context, src stt.ChunkSource, opts stt.StreamOptions) (stt.Result, error)
	AwaitFinal(ctx context.Context, recorded time.Duration) string
	Transcript() string
	Close() error
}

// SessionFactory creates a fresh, unconnected session for each trigger.
type SessionFactory func() (Session, error)

// Config holds the trigger and recording parameters.
type Config struct {
	Format           audio.Format
	TriggerWindow    time.Duration
	TriggerThreshold uint32
	CaptureGrace     time.Duration
	ChunkGrace       time.Duration
	OverlapCapacity  time.Duration
	// OverlapEstimate is how much of the overlap buffer is sent. The
	// device does not report a fill position.
	OverlapEstimate time.Duration
	MaxRecording    time.Duration
	IdleDelay       time.Duration
	Endpointing     bool
}

func DefaultConfig() Config {
	return Config{
		Format:           audio.CaptureFormat,
		TriggerWindow:    2000 * time.Millisecond,
		TriggerThreshold: 2000,
		CaptureGrace:     500 * time.Millisecond,
		ChunkGrace:       250 * time.Millisecond,
		OverlapCapacity:  4 * time.Second,
		OverlapEstimate:  2000 * time.Millisecond,
		MaxRecording:     30 * time.Second,
		IdleDelay:        500 * time.Millisecond,
		Endpointing:      false,
	}
}

// Outcome describes one idle cycle.
type Outcome struct {
	Triggered  bool
	Energy     uint32
	Transcript string
	Result     stt.Result
}

// Handler receives the outcome of every triggered cycle that produced a
// transcript.
type Handler func(ctx context.Context, out Outcome) error

// Controller owns the trigger and overlap buffers and the audio device
// while listening. It is driven by a single goroutine.
type Controller struct {
	cfg        Config
	dev        audio.Device
	newSession SessionFactory
	log        *slog.Logger

	trigger *audio.Buffer
	overlap *audio.Buffer
	vad     *vad.Engine
	frame   []int16
	fill    int

	triggers        metric.Int64Counter
	connectFailures metric.Int64Counter
	cycleFailures   metric.Int64Counter
	bytesSent       metric.Int64Counter
}

func New(cfg Config, dev audio.Device, factory SessionFactory, vadCfg vad.Config, log *slog.Logger) (*Controller, error) {
	if dev == nil || factory == nil {
		return nil, errors.New("capture controller needs a device and a session factory")
	}
	trigger, err := audio.NewBuffer(cfg.Format.BytesFor(cfg.TriggerWindow))
	if err != nil {
		return nil, fmt.Errorf("trigger buffer: %w", err)
	}
	overlap, err := audio.NewBuffer(cfg.Format.BytesFor(cfg.OverlapCapacity))
	if err != nil {
		return nil, fmt.Errorf("overlap buffer: %w", err)
	}
	c := &Controller{
		cfg:        cfg,
		dev:        dev,
		newSession: factory,
		log:        log.With(slog.String("component", "capture")),
		trigger:    trigger,
		overlap:    overlap,
		vad:        vad.New(vadCfg),
		frame:      make([]int16, max(vadCfg.FrameSamples(), 1)),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	return c, nil
}

func (c *Controller) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-satellite/capture")
	var err error
	if c.triggers, err = meter.Int64Counter("loqa.capture.triggers",
		metric.WithDescription("Trigger windows above the energy threshold")); err != nil {
		return err
	}
	if c.connectFailures, err = meter.Int64Counter("loqa.capture.connect_failures",
		metric.WithDescription("STT connects that failed after a trigger")); err != nil {
		return err
	}
	if c.cycleFailures, err = meter.Int64Counter("loqa.capture.failures",
		metric.WithDescription("Listen cycles that ended in an error, by error kind")); err != nil {
		return err
	}
	c.bytesSent, err = meter.Int64Counter("loqa.stt.bytes_sent",
		metric.WithDescription("Audio payload bytes sent to the STT server"),
		metric.WithUnit("By"))
	return err
}

// ListenOnce captures one trigger window and, when it holds speech, runs a
// complete STT session. A connect failure leaves the device ready for the
// next cycle.
func (c *Controller) ListenOnce(ctx context.Context) (Outcome, error) {
	if c.dev.Mode() != audio.ModeCapture {
		if err := c.dev.SwitchMode(audio.ModeCapture); err != nil {
			return Outcome{}, fmt.Errorf("switch to capture: %w", err)
		}
	}

	c.trigger.Reset()
	if err := c.captureInto(ctx, c.trigger, c.cfg.TriggerWindow+c.cfg.CaptureGrace); err != nil {
		return Outcome{}, fmt.Errorf("capture trigger window: %w", err)
	}
	energy := audio.RMS16(c.trigger.Bytes())
	if energy <= c.cfg.TriggerThreshold {
		c.log.Debug("no voice", slog.Int("energy", int(energy)))
		return Outcome{Energy: energy}, nil
	}
	c.log.Info("voice detected", slog.Int("energy", int(energy)), slog.Int("threshold", int(c.cfg.TriggerThreshold)))
	c.add(ctx, c.triggers, 1)

	out := Outcome{Triggered: true, Energy: energy}

	c.overlap.Reset()
	if _, err := c.dev.StartCapture(c.overlap); err != nil {
		return out, fmt.Errorf("start overlap capture: %w", err)
	}

	sess, err := c.newSession()
	if err != nil {
		c.abortConnect(nil)
		return out, fmt.Errorf("create stt session: %w", err)
	}
	if err := sess.Connect(ctx); err != nil {
		c.abortConnect(sess)
		return out, fmt.Errorf("connect stt session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			c.log.Debug("stt session close failed", slogError(err))
		}
	}()

	c.dev.StopCapture()
	c.overlap.Pad()
	preroll := c.overlap.Head(c.cfg.Format.BytesFor(c.cfg.OverlapEstimate))
	c.log.Info("overlap captured", slog.Int("bytes", len(preroll)))

	c.resetVAD()
	c.observe(c.trigger.Bytes())
	c.observe(preroll)

	if err := sess.SendPreroll(c.trigger.Bytes()); err != nil {
		return out, fmt.Errorf("send trigger audio: %w", err)
	}
	if err := sess.SendPreroll(preroll); err != nil {
		return out, fmt.Errorf("send overlap audio: %w", err)
	}

	res, err := sess.Stream(ctx, c, c.streamOptions())
	out.Result = res
	c.add(ctx, c.bytesSent, int64(res.BytesSent))
	if res.Stop.Aborted() {
		out.Transcript = sess.Transcript()
		return out, fmt.Errorf("stream audio: %w", err)
	}
	if err != nil {
		c.log.Warn("stream finished with errors", slogError(err))
	}

	out.Transcript = sess.AwaitFinal(ctx, res.Recorded)
	c.log.Info("transcription complete", slog.String("text", out.Transcript))
	return out, nil
}

func (c *Controller) streamOptions() stt.StreamOptions {
	opts := stt.StreamOptions{MaxDuration: c.cfg.MaxRecording, SpeechObserved: true}
	if c.cfg.Endpointing {
		opts.Endpoint = c.endpoint
	}
	return opts
}

// abortConnect undoes the overlap capture so the next idle cycle starts
// from a clean device.
func (c *Controller) abortConnect(sess Session) {
	c.add(context.Background(), c.connectFailures, 1)
	c.dev.StopCapture()
	if err := c.dev.SwitchMode(audio.ModeCapture); err != nil {
		c.log.Warn("failed to restore capture mode", slogError(err))
	}
	if sess != nil {
		_ = sess.Close()
	}
}

// NextChunk captures one live chunk into buf. A chunk that does not
// complete in time is padded with silence.
func (c *Controller) NextChunk(ctx context.Context, buf *audio.Buffer) error {
	chunkWait := c.cfg.Format.DurationOf(buf.Cap()) + c.cfg.ChunkGrace
	return c.captureInto(ctx, buf, chunkWait)
}

func (c *Controller) captureInto(ctx context.Context, buf *audio.Buffer, wait time.Duration) error {
	done, err := c.dev.StartCapture(buf)
	if err != nil {
		return err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.log.Debug("capture completion timed out", slog.Duration("wait", wait))
	case <-ctx.Done():
		c.dev.StopCapture()
		return ctx.Err()
	}
	c.dev.StopCapture()
	buf.Pad()
	return nil
}

func (c *Controller) resetVAD() {
	c.vad.Reset()
	c.fill = 0
}

// observe feeds the left channel of pcm through the VAD in whole frames.
// A partial frame at the end of pcm is kept for the next call.
func (c *Controller) observe(pcm []byte) {
	frameSize := c.cfg.Format.FrameSize()
	for len(pcm) >= frameSize {
		n := audio.LeftChannel16(c.frame[c.fill:], pcm)
		c.fill += n
		pcm = pcm[n*frameSize:]
		if c.fill == len(c.frame) {
			c.vad.ProcessFrame(c.frame)
			c.fill = 0
		}
	}
}

func (c *Controller) endpoint(chunk []byte) bool {
	c.observe(chunk)
	if c.vad.SpeechEnded() && c.vad.HasSpeech() {
		c.log.Info("end of speech detected",
			slog.Int("speech_frames", c.vad.SpeechFrames()),
			slog.Int("silent_frames", c.vad.SilentFrames()))
		return true
	}
	return false
}

// Run repeats idle cycles until ctx is done, handing each transcript to
// handler and pausing after every triggered cycle.
func (c *Controller) Run(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := c.ListenOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			kind := failureKind(err)
			c.log.Warn("listen cycle failed", slogError(err), slog.String("kind", kind))
			if c.cycleFailures != nil {
				c.cycleFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
			}
		}
		if !out.Triggered {
			continue
		}
		if out.Transcript != "" && handler != nil {
			if err := handler(ctx, out); err != nil {
				c.log.Warn("transcript handler failed", slogError(err))
			}
		}
		c.log.Info("ready for next command")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.IdleDelay):
		}
	}
}

func (c *Controller) add(ctx context.Context, counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(ctx, n)
	}
}

// failureKind names the class of a cycle error for logs and metrics.
func failureKind(err error) string {
	return voiceerr.KindOf(err).String()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
