// Package stt streams captured audio to a remote transcription server and
// tracks the latest transcript.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-satellite/internal/audio"
	"github.com/loqalabs/loqa-satellite/internal/transport"
	"github.com/loqalabs/loqa-satellite/internal/voiceerr"
)

// Conn is the WebSocket connection a session drives.
type Conn interface {
	Connect(ctx context.Context) error
	SendAudio(p []byte) error
	SendEndOfAudio() error
	Recv(buf []byte, timeout time.Duration) (int, error)
	Connected() bool
	Disconnect() error
}

// ChunkSource yields live audio one chunk at a time.
type ChunkSource interface {
	// NextChunk fills buf with exactly one chunk of capture-format PCM.
	NextChunk(ctx context.Context, buf *audio.Buffer) error
}

// Config holds streaming and stop-rule parameters.
type Config struct {
	Format                   audio.Format
	ChunkDuration            time.Duration
	BatchChunks              int
	SpeechThreshold          uint32
	SilenceThreshold         uint32
	SilentChunksAfterSpeech  int
	SilentChunksBeforeSpeech int
	PollTimeout              time.Duration
	FinalPoll                time.Duration
	FinalBase                time.Duration
	FinalPerSecond           time.Duration
	FinalMin                 time.Duration
	FinalMax                 time.Duration
	MessageBuffer            int
}

func DefaultConfig() Config {
	return Config{
		Format:                   audio.CaptureFormat,
		ChunkDuration:            250 * time.Millisecond,
		BatchChunks:              4,
		SpeechThreshold:          180,
		SilenceThreshold:         150,
		SilentChunksAfterSpeech:  5,
		SilentChunksBeforeSpeech: 12,
		PollTimeout:              50 * time.Millisecond,
		FinalPoll:                time.Second,
		FinalBase:                20 * time.Second,
		FinalPerSecond:           2 * time.Second,
		FinalMin:                 20 * time.Second,
		FinalMax:                 60 * time.Second,
		MessageBuffer:            1024,
	}
}

// FinalWait is the transcript wait after recording: base plus a per
// recorded whole second allowance, clamped.
func (c Config) FinalWait(recorded time.Duration) time.Duration {
	secs := time.Duration(recorded / time.Second)
	wait := c.FinalBase + secs*c.FinalPerSecond
	return max(c.FinalMin, min(wait, c.FinalMax))
}

// StopReason says why live streaming ended.
type StopReason int

const (
	StopMaxDuration StopReason = iota
	StopSilence
	StopNoSpeech
	StopEndpoint
	StopSendFailed
	StopCaptureFailed
	StopCanceled
	StopPeerClosed
)

func (r StopReason) String() string {
	switch r {
	case StopMaxDuration:
		return "max-duration"
	case StopSilence:
		return "silence"
	case StopNoSpeech:
		return "no-speech"
	case StopEndpoint:
		return "endpoint"
	case StopSendFailed:
		return "send-failed"
	case StopCaptureFailed:
		return "capture-failed"
	case StopCanceled:
		return "canceled"
	case StopPeerClosed:
		return "peer-closed"
	default:
		return "unknown"
	}
}

// Aborted reports whether the loop ended on an error rather than a stop
// rule. A peer close is not an abort: the transcript heard so far stands.
func (r StopReason) Aborted() bool {
	return r == StopSendFailed || r == StopCaptureFailed || r == StopCanceled
}

// StreamOptions control one live streaming loop.
type StreamOptions struct {
	MaxDuration time.Duration
	// SpeechObserved starts the loop as if speech was already heard.
	SpeechObserved bool
	// Endpoint, when set, is consulted after every chunk and ends the
	// loop when it returns true.
	Endpoint func(chunk []byte) bool
}

// Result summarizes a streaming loop.
type Result struct {
	Recorded       time.Duration
	Chunks         int
	BytesSent      int
	Stop           StopReason
	SpeechObserved bool
}

// Session is one utterance's connection to the transcription server. It is
// owned by a single goroutine.
type Session struct {
	cfg        Config
	conn       Conn
	log        *slog.Logger
	chunkBytes int
	chunk      *audio.Buffer
	batch      *audio.Buffer
	scratch    []byte
	msg        []byte
	transcript string
	bytesSent  int
	onUpdate   func(text string)
}

// Option configures a Session.
type Option func(*Session)

// WithTranscriptHook is called every time the transcript is replaced.
func WithTranscriptHook(fn func(text string)) Option {
	return func(s *Session) { s.onUpdate = fn }
}

// NewSession allocates the session's fixed buffers. If the batch buffer
// cannot be allocated chunks are sent one at a time.
func NewSession(conn Conn, cfg Config, log *slog.Logger, opts ...Option) (*Session, error) {
	chunkBytes := cfg.Format.BytesFor(cfg.ChunkDuration)
	chunk, err := audio.NewBuffer(chunkBytes)
	if err != nil {
		return nil, fmt.Errorf("stt chunk buffer: %w", err)
	}
	s := &Session{
		cfg:        cfg,
		conn:       conn,
		log:        log.With(slog.String("component", "stt-session")),
		chunkBytes: chunkBytes,
		chunk:      chunk,
		msg:        make([]byte, max(cfg.MessageBuffer, 64)),
	}
	batch, err := audio.NewBuffer(cfg.BatchChunks * chunkBytes)
	if err != nil {
		s.log.Warn("batch buffer unavailable, sending unbatched", slogError(err))
	} else {
		s.batch = batch
	}
	scratchBytes := chunkBytes
	if s.batch != nil {
		scratchBytes = s.batch.Cap()
	}
	// stereo s16 and mono float32 frames are both four bytes
	s.scratch = make([]byte, scratchBytes/cfg.Format.FrameSize()*4)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Batching reports whether chunks are grouped before sending.
func (s *Session) Batching() bool { return s.batch != nil }

// ChunkBytes is the size of one live chunk in capture format.
func (s *Session) ChunkBytes() int { return s.chunkBytes }

// Transcript returns the latest transcript.
func (s *Session) Transcript() string { return s.transcript }

// BytesSent counts audio payload bytes sent to the server.
func (s *Session) BytesSent() int { return s.bytesSent }

func (s *Session) Connect(ctx context.Context) error {
	return s.conn.Connect(ctx)
}

func (s *Session) Connected() bool { return s.conn.Connected() }

// SendPreroll sends buffered audio ahead of live streaming, one chunk
// duration at a time.
func (s *Session) SendPreroll(pcm []byte) error {
	for off := 0; off < len(pcm); off += s.chunkBytes {
		end := min(off+s.chunkBytes, len(pcm))
		if err := s.send(pcm[off:end]); err != nil {
			return fmt.Errorf("send preroll at %d: %w", off, err)
		}
	}
	return nil
}

// send converts stereo s16le pcm to mono float32 and sends it as one
// message per scratch-sized piece.
func (s *Session) send(pcm []byte) error {
	frame := s.cfg.Format.FrameSize()
	step := len(s.scratch) / 4 * frame
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		n := audio.LeftChannelFloat32(s.scratch, pcm[off:end])
		if n == 0 {
			continue
		}
		if err := s.conn.SendAudio(s.scratch[:n]); err != nil {
			return err
		}
		s.bytesSent += n
	}
	return nil
}

// queue adds a live chunk to the batch, sending when it is full.
func (s *Session) queue(pcm []byte) error {
	if s.batch == nil {
		return s.send(pcm)
	}
	if _, err := s.batch.Write(pcm); err != nil {
		return err
	}
	if s.batch.Full() {
		return s.flush()
	}
	return nil
}

func (s *Session) flush() error {
	if s.batch == nil || s.batch.Len() == 0 {
		return nil
	}
	err := s.send(s.batch.Bytes())
	s.batch.Reset()
	return err
}

// update replaces the transcript with the text in msg, if any.
func (s *Session) update(msg []byte) (string, bool) {
	text, ok := ParseMessage(msg)
	if !ok || text == "" {
		return "", false
	}
	s.transcript = text
	s.log.Debug("transcript updated", slog.String("text", text))
	if s.onUpdate != nil {
		s.onUpdate(text)
	}
	return text, true
}

// Stream sends live chunks until a stop rule fires, polling briefly for a
// transcript after each chunk. The partial batch is flushed and the end of
// audio marker sent before it returns.
func (s *Session) Stream(ctx context.Context, src ChunkSource, opts StreamOptions) (Result, error) {
	res := Result{SpeechObserved: opts.SpeechObserved, Stop: StopMaxDuration}
	silent := 0
	var streamErr error

loop:
	for res.Recorded < opts.MaxDuration {
		if err := ctx.Err(); err != nil {
			res.Stop, streamErr = StopCanceled, err
			break
		}
		s.chunk.Reset()
		if err := src.NextChunk(ctx, s.chunk); err != nil {
			if ctx.Err() != nil {
				res.Stop, streamErr = StopCanceled, ctx.Err()
				break
			}
			res.Stop, streamErr = StopCaptureFailed, fmt.Errorf("capture chunk %d: %w", res.Chunks+1, err)
			break
		}
		res.Chunks++
		res.Recorded += s.cfg.ChunkDuration
		chunk := s.chunk.Bytes()

		if err := s.queue(chunk); err != nil {
			res.Stop, streamErr = StopSendFailed, fmt.Errorf("send chunk %d: %w", res.Chunks, err)
			break
		}

		energy := audio.MeanAbs16(chunk)
		switch {
		case energy > s.cfg.SpeechThreshold:
			res.SpeechObserved = true
			silent = 0
		case energy > s.cfg.SilenceThreshold:
			if !res.SpeechObserved {
				silent = 0
			}
		default:
			silent++
			if res.SpeechObserved && silent >= s.cfg.SilentChunksAfterSpeech {
				res.Stop = StopSilence
				break loop
			}
			if !res.SpeechObserved && silent >= s.cfg.SilentChunksBeforeSpeech {
				res.Stop = StopNoSpeech
				break loop
			}
		}
		s.log.Debug("chunk streamed", slog.Int("chunk", res.Chunks), slog.Int("energy", int(energy)), slog.Int("silent", silent))

		if opts.Endpoint != nil && opts.Endpoint(chunk) {
			res.Stop = StopEndpoint
			break
		}

		if _, err := s.poll(s.cfg.PollTimeout); err != nil && s.lost(err) {
			res.Stop, streamErr = StopPeerClosed, fmt.Errorf("poll chunk %d: %w", res.Chunks, err)
			break
		}
	}

	if res.Stop != StopSendFailed && s.conn.Connected() {
		if err := s.flush(); err != nil {
			streamErr = errors.Join(streamErr, fmt.Errorf("flush batch: %w", err))
		} else if err := s.conn.SendEndOfAudio(); err != nil {
			streamErr = errors.Join(streamErr, fmt.Errorf("end of audio: %w", err))
		}
	}
	res.BytesSent = s.bytesSent
	s.log.Info("streaming stopped",
		slog.String("reason", res.Stop.String()),
		slog.Int("chunks", res.Chunks),
		slog.Duration("recorded", res.Recorded),
		slog.Int("bytes_sent", res.BytesSent))
	return res, streamErr
}

// poll waits up to timeout for one message and applies it. A timeout is
// reported as no update with a nil error.
func (s *Session) poll(timeout time.Duration) (bool, error) {
	n, err := s.conn.Recv(s.msg, timeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return false, nil
		}
		s.log.Debug("transcript poll failed", slogError(err))
		return false, err
	}
	_, ok := s.update(s.msg[:n])
	return ok, nil
}

// lost reports whether a poll error left the connection unusable.
func (s *Session) lost(err error) bool {
	return !s.conn.Connected() || voiceerr.Is(err, voiceerr.KindTransport)
}

// AwaitFinal waits for the first non-empty transcript after recording,
// polling once per FinalPoll until FinalWait(recorded) elapses or the
// connection drops. It returns the latest transcript, which may be empty.
func (s *Session) AwaitFinal(ctx context.Context, recorded time.Duration) string {
	wait := s.cfg.FinalWait(recorded)
	deadline := time.Now().Add(wait)
	s.log.Info("waiting for final transcript", slog.Duration("timeout", wait))
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil || !s.conn.Connected() {
			break
		}
		updated, err := s.poll(min(remaining, s.cfg.FinalPoll))
		if updated || err != nil {
			break
		}
	}
	return s.transcript
}

// Close disconnects from the server.
func (s *Session) Close() error {
	return s.conn.Disconnect()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
