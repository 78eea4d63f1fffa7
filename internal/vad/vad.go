// Package vad classifies fixed-size PCM frames as speech or silence with
// hysteresis on the speech-start and speech-end decisions.
package vad

import (
	"math"
	"time"
)

const historyLen = 10

// Config holds the detector thresholds.
type Config struct {
	SilenceThreshold uint32
	FrameDuration    time.Duration
	SilenceDuration  time.Duration // silence after speech that ends an utterance
	MinSpeech        time.Duration // speech needed before HasSpeech reports true
	SampleRate       int
}

// DefaultConfig is 30 ms frames at 16 kHz with 800 ms end-of-speech and
// 300 ms minimum speech.
func DefaultConfig() Config {
	return Config{
		SilenceThreshold: 150,
		FrameDuration:    30 * time.Millisecond,
		SilenceDuration:  800 * time.Millisecond,
		MinSpeech:        300 * time.Millisecond,
		SampleRate:       16000,
	}
}

// FrameSamples is the number of mono samples per frame.
func (c Config) FrameSamples() int {
	return int(int64(c.SampleRate) * c.FrameDuration.Milliseconds() / 1000)
}

func framesFor(d, frame time.Duration) int {
	if frame <= 0 {
		return 0
	}
	return int((d + frame - 1) / frame)
}

// Engine holds detector state for one utterance. It is not safe for
// concurrent use.
type Engine struct {
	cfg           Config
	silenceFrames int
	speechNeeded  int

	silentFrames  int
	speechFrames  int
	speechStarted bool
	history       [historyLen]uint32
	historyIndex  int
	last          uint32
}

func New(cfg Config) *Engine {
	e := &Engine{
		cfg:           cfg,
		silenceFrames: framesFor(cfg.SilenceDuration, cfg.FrameDuration),
		speechNeeded:  framesFor(cfg.MinSpeech, cfg.FrameDuration),
	}
	return e
}

// Reset zeroes all detector state.
func (e *Engine) Reset() {
	e.silentFrames = 0
	e.speechFrames = 0
	e.speechStarted = false
	e.history = [historyLen]uint32{}
	e.historyIndex = 0
	e.last = 0
}

// ProcessFrame classifies one frame and reports whether it was speech.
// An empty frame counts as silence.
func (e *Engine) ProcessFrame(samples []int16) bool {
	energy := Energy(samples)
	e.history[e.historyIndex] = energy
	e.historyIndex = (e.historyIndex + 1) % historyLen
	e.last = energy

	if energy > e.cfg.SilenceThreshold {
		e.silentFrames = 0
		e.speechFrames++
		e.speechStarted = true
		return true
	}
	if e.speechStarted {
		e.silentFrames++
	}
	return false
}

// SpeechEnded reports whether enough silence followed detected speech.
func (e *Engine) SpeechEnded() bool {
	return e.speechStarted && e.silentFrames >= e.silenceFrames
}

// HasSpeech reports whether enough speech frames were seen.
func (e *Engine) HasSpeech() bool {
	return e.speechFrames >= e.speechNeeded
}

func (e *Engine) SpeechStarted() bool { return e.speechStarted }
func (e *Engine) SilentFrames() int   { return e.silentFrames }
func (e *Engine) SpeechFrames() int   { return e.speechFrames }

// Energy returns the energy of the most recent frame.
func (e *Engine) Energy() uint32 { return e.last }

// History returns the energy ring, oldest first.
func (e *Engine) History() []uint32 {
	out := make([]uint32, 0, historyLen)
	for i := 0; i < historyLen; i++ {
		out = append(out, e.history[(e.historyIndex+i)%historyLen])
	}
	return out
}

// Energy is the integer root-mean-square of samples.
func Energy(samples []int16) uint32 {
	if len(samples) == 0 {
		return 0
	}
	var sum uint64
	for _, s := range samples {
		v := int64(s)
		sum += uint64(v * v)
	}
	return uint32(math.Sqrt(float64(sum) / float64(len(samples))))
}
