// Package tts requests speech from a remote synthesis server and plays the
// streamed WAV response through the audio device with double buffering.
package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-satellite/internal/audio"
	"github.com/loqalabs/loqa-satellite/internal/transport"
	"github.com/loqalabs/loqa-satellite/internal/voiceerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Config holds the synthesis request fields and playback timing.
type Config struct {
	URL         string
	Format      string
	SampleRate  int
	ReferenceID string
	ChunkLength int
	Normalize   bool
	MP3Bitrate  int
	OpusBitrate int

	Volume            int
	FadeStep          int
	FadeInterval      time.Duration
	SettleDelay       time.Duration
	MuteDelay         time.Duration
	CompletionTimeout time.Duration
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration

	MonoChunkBytes int
	RecvBytes      int
	HeaderLimit    int
}

func DefaultConfig() Config {
	return Config{
		URL:               "http://localhost:8080/v1/tts",
		Format:            "wav",
		SampleRate:        16000,
		ReferenceID:       "kill",
		ChunkLength:       200,
		Normalize:         true,
		MP3Bitrate:        192,
		OpusBitrate:       -1000,
		Volume:            50,
		FadeStep:          5,
		FadeInterval:      10 * time.Millisecond,
		SettleDelay:       100 * time.Millisecond,
		MuteDelay:         20 * time.Millisecond,
		CompletionTimeout: time.Second,
		ConnectTimeout:    10 * time.Second,
		ReadTimeout:       60 * time.Second,
		MonoChunkBytes:    4096,
		RecvBytes:         2048,
		HeaderLimit:       2048,
	}
}

type synthRequest struct {
	Text        string   `json:"text"`
	Format      string   `json:"format"`
	ChunkLength int      `json:"chunk_length"`
	Normalize   bool     `json:"normalize"`
	SampleRate  int      `json:"sample_rate"`
	MP3Bitrate  int      `json:"mp3_bitrate"`
	OpusBitrate int      `json:"opus_bitrate"`
	References  []string `json:"references"`
	ReferenceID string   `json:"reference_id,omitempty"`
}

// Stats summarizes one playback.
type Stats struct {
	Channels           int
	SampleRate         int
	Bits               int
	DataOffset         int
	Chunked            bool
	PayloadBytes       int
	BuffersPlayed      int
	CompletionTimeouts int
}

type target struct {
	host   string
	port   int
	path   string
	secure bool
}

func parseTarget(raw string) (target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return target{}, voiceerr.Application("tts url", err)
	}
	t := target{host: u.Hostname(), path: u.EscapedPath()}
	switch u.Scheme {
	case "http":
		t.port = 80
	case "https":
		t.port, t.secure = 443, true
	default:
		return target{}, voiceerr.Application("tts url", fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if t.host == "" {
		return target{}, voiceerr.Application("tts url", errors.New("missing host"))
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return target{}, voiceerr.Application("tts url", fmt.Errorf("invalid port %q", p))
		}
		t.port = port
	}
	if t.path == "" {
		t.path = "/"
	}
	if u.RawQuery != "" {
		t.path += "?" + u.RawQuery
	}
	return t, nil
}

// Engine plays synthesized speech. It owns its buffers and is used by one
// goroutine at a time.
type Engine struct {
	cfg    Config
	dev    audio.Device
	dialer transport.Dialer
	target target
	log    *slog.Logger

	head   []byte
	wav    []byte
	mono   []byte
	stereo [2][]byte

	buffersPlayed      metric.Int64Counter
	completionTimeouts metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithDialer replaces the dialer chosen from the URL scheme.
func WithDialer(d transport.Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}

func New(cfg Config, dev audio.Device, log *slog.Logger, opts ...Option) (*Engine, error) {
	t, err := parseTarget(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.MonoChunkBytes <= 0 || cfg.MonoChunkBytes%4 != 0 {
		return nil, voiceerr.Application("tts config", fmt.Errorf("mono chunk of %d bytes is not frame aligned", cfg.MonoChunkBytes))
	}
	e := &Engine{
		cfg:    cfg,
		dev:    dev,
		target: t,
		log:    log.With(slog.String("component", "tts")),
		head:   make([]byte, max(cfg.HeaderLimit, 64)),
		wav:    make([]byte, wavScanLimit),
		mono:   make([]byte, cfg.MonoChunkBytes),
	}
	for i := range e.stereo {
		e.stereo[i] = make([]byte, 2*cfg.MonoChunkBytes)
	}
	if t.secure {
		e.dialer = transport.TLSDialer{Timeout: cfg.ConnectTimeout, WriteTimeout: cfg.ReadTimeout}
	} else {
		e.dialer = transport.TCPDialer{Timeout: cfg.ConnectTimeout, WriteTimeout: cfg.ReadTimeout}
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.initMetrics(); err != nil {
		e.log.Warn("failed to initialize metrics", slogError(err))
	}
	return e, nil
}

func (e *Engine) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-satellite/tts")
	var err error
	if e.buffersPlayed, err = meter.Int64Counter("loqa.tts.buffers_played",
		metric.WithDescription("Stereo buffers handed to the audio device")); err != nil {
		return err
	}
	e.completionTimeouts, err = meter.Int64Counter("loqa.tts.completion_timeouts",
		metric.WithDescription("Playback completions that did not arrive in time"))
	return err
}

// Speak synthesizes text and plays it to completion. The device's sample
// rate and mode are restored on every path.
func (e *Engine) Speak(ctx context.Context, text string) (Stats, error) {
	var st Stats
	if strings.TrimSpace(text) == "" {
		return st, voiceerr.Application("speak", errors.New("empty text"))
	}
	e.log.Info("streaming tts", slog.String("text", text))

	body, err := e.requestBody(text)
	if err != nil {
		return st, err
	}

	prevRate, prevMode := e.dev.SampleRate(), e.dev.Mode()
	var conn transport.Conn
	defer func() { e.restore(conn, prevRate, prevMode) }()

	conn, err = e.dialer.Dial(ctx, e.target.host, e.target.port)
	if err != nil {
		return st, fmt.Errorf("connect tts server: %w", err)
	}
	if err := e.send(conn, body); err != nil {
		return st, err
	}

	head, err := readHeaders(conn, e.head, e.cfg.ReadTimeout)
	if err != nil {
		return st, err
	}
	if _, err := statusCode(head); err != nil {
		return st, err
	}
	st.Chunked = isChunked(head)
	e.log.Debug("response headers received", slog.Bool("chunked", st.Chunked))

	br := newBodyReader(conn, st.Chunked, e.cfg.ReadTimeout)
	info, extra, err := readWAVHeader(br, e.wav)
	if err != nil {
		return st, err
	}
	st.Channels, st.SampleRate, st.Bits, st.DataOffset = info.Channels, info.SampleRate, info.Bits, info.DataOffset
	e.log.Info("wav stream",
		slog.Int("format", int(info.Format)),
		slog.Int("channels", info.Channels),
		slog.Int("sample_rate", info.SampleRate),
		slog.Int("bits", info.Bits),
		slog.Int("data_offset", info.DataOffset))
	if info.SampleRate != e.cfg.SampleRate {
		e.log.Warn("sample rate differs from request", slog.Int("requested", e.cfg.SampleRate), slog.Int("stream", info.SampleRate))
	}

	if err := e.activate(ctx, info.SampleRate); err != nil {
		return st, err
	}
	err = e.stream(ctx, br, info, extra, &st)
	e.log.Info("tts playback finished",
		slog.Int("payload_bytes", st.PayloadBytes),
		slog.Int("buffers", st.BuffersPlayed),
		slog.Int("completion_timeouts", st.CompletionTimeouts))
	return st, err
}

func (e *Engine) requestBody(text string) ([]byte, error) {
	body, err := json.Marshal(synthRequest{
		Text:        text,
		Format:      e.cfg.Format,
		ChunkLength: e.cfg.ChunkLength,
		Normalize:   e.cfg.Normalize,
		SampleRate:  e.cfg.SampleRate,
		MP3Bitrate:  e.cfg.MP3Bitrate,
		OpusBitrate: e.cfg.OpusBitrate,
		References:  []string{},
		ReferenceID: e.cfg.ReferenceID,
	})
	if err != nil {
		return nil, voiceerr.Application("encode tts request", err)
	}
	return body, nil
}

func (e *Engine) send(conn transport.Conn, body []byte) error {
	var b strings.Builder
	fmt.Fprintf(&b, "POST %s HTTP/1.1\r\n", e.target.path)
	fmt.Fprintf(&b, "Host: %s\r\n", e.target.host)
	b.WriteString("Content-Type: application/json\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n\r\n")
	if _, err := conn.Send([]byte(b.String())); err != nil {
		return fmt.Errorf("send tts request: %w", err)
	}
	if _, err := conn.Send(body); err != nil {
		return fmt.Errorf("send tts body: %w", err)
	}
	return nil
}

// activate retargets the device to the stream and fades the output in.
func (e *Engine) activate(ctx context.Context, rate int) error {
	if err := e.dev.SetSampleRate(rate); err != nil {
		return voiceerr.Resource("set sample rate", err)
	}
	if err := e.dev.SwitchMode(audio.ModePlayback); err != nil {
		return voiceerr.Resource("switch to playback", err)
	}
	if err := e.dev.SetVolume(0); err != nil {
		return voiceerr.Resource("mute", err)
	}
	if err := sleep(ctx, e.cfg.SettleDelay); err != nil {
		return err
	}
	step := max(e.cfg.FadeStep, 1)
	for v := 0; v <= e.cfg.Volume; v += step {
		if err := e.dev.SetVolume(v); err != nil {
			return voiceerr.Resource("fade in", err)
		}
		if err := sleep(ctx, e.cfg.FadeInterval); err != nil {
			return err
		}
	}
	if err := e.dev.SetVolume(e.cfg.Volume); err != nil {
		return voiceerr.Resource("set volume", err)
	}
	return nil
}

// stream fills the mono chunk from the body and plays each full chunk
// from alternating stereo buffers. End of body or a read timeout ends the
// stream. Any other read error is returned after the buffered audio has
// been flushed.
func (e *Engine) stream(ctx context.Context, body io.Reader, info streamInfo, extra []byte, st *Stats) error {
	frame := 2 * info.Channels
	pos := copy(e.mono, extra)
	st.PayloadBytes = pos
	idx := 0
	var pending <-chan struct{}
	var readErr error

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pos == len(e.mono) {
			if err := e.play(e.fill(idx, e.mono, info.Channels), &pending, st); err != nil {
				return err
			}
			idx = 1 - idx
			pos = 0
		}
		want := min(len(e.mono)-pos, e.cfg.RecvBytes)
		n, err := body.Read(e.mono[pos : pos+want])
		pos += n
		st.PayloadBytes += n
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, transport.ErrTimeout):
				e.log.Warn("tts stream timed out, treating as end", slogError(err))
			default:
				readErr = fmt.Errorf("read tts stream: %w", err)
			}
			break
		}
	}
	if pos == len(e.mono) {
		if err := e.play(e.fill(idx, e.mono, info.Channels), &pending, st); err != nil {
			return err
		}
		idx = 1 - idx
		pos = 0
	}

	e.await(pending, st, "end")
	pending = nil
	if tail := pos - pos%frame; tail > 0 {
		if err := e.play(e.fill(idx, e.mono[:tail], info.Channels), &pending, st); err != nil {
			return err
		}
		e.await(pending, st, "last chunk")
	}
	return readErr
}

// fill writes pcm into stereo buffer idx as interleaved stereo.
func (e *Engine) fill(idx int, pcm []byte, channels int) []byte {
	dst := e.stereo[idx]
	if channels == 2 {
		return dst[:copy(dst, pcm)]
	}
	return dst[:audio.MonoToStereo16(dst, pcm)]
}

func (e *Engine) play(pcm []byte, pending *<-chan struct{}, st *Stats) error {
	if *pending != nil {
		e.await(*pending, st, "loop")
	}
	done, err := e.dev.StartPlayback(pcm)
	if err != nil {
		return voiceerr.Resource("start playback", err)
	}
	*pending = done
	st.BuffersPlayed++
	if e.buffersPlayed != nil {
		e.buffersPlayed.Add(context.Background(), 1)
	}
	return nil
}

// await waits for a playback completion, giving up after the completion
// timeout.
func (e *Engine) await(done <-chan struct{}, st *Stats, where string) {
	if done == nil {
		return
	}
	timer := time.NewTimer(e.cfg.CompletionTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		st.CompletionTimeouts++
		if e.completionTimeouts != nil {
			e.completionTimeouts.Add(context.Background(), 1)
		}
		e.log.Warn("playback completion timed out", slog.String("at", where))
	}
}

// restore mutes the output and hands the device back in its pre-call
// configuration.
func (e *Engine) restore(conn transport.Conn, rate int, mode audio.Mode) {
	if err := e.dev.SetVolume(0); err != nil {
		e.log.Warn("mute failed", slogError(err))
	}
	time.Sleep(e.cfg.MuteDelay)
	e.dev.StopPlayback()
	if err := e.dev.SetSampleRate(rate); err != nil {
		e.log.Warn("restore sample rate failed", slogError(err))
	}
	if err := e.dev.SwitchMode(mode); err != nil {
		e.log.Warn("restore audio mode failed", slogError(err))
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
