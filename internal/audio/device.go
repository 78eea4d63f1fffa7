// Package audio holds the audio device contract, the fixed-capacity
// buffers shared by the capture and playback paths, and PCM helpers.
package audio

import "errors"

// Mode is the device direction. Capture and playback are mutually exclusive.
type Mode int

const (
	ModeCapture Mode = iota
	ModePlayback
)

func (m Mode) String() string {
	if m == ModePlayback {
		return "playback"
	}
	return "capture"
}

var (
	ErrWrongMode     = errors.New("audio device in wrong mode")
	ErrCaptureActive = errors.New("capture already active")
)

// Device is the audio transport. Start calls return a channel that is
// closed when the transfer completes; the device may never close it, so
// callers always wait with a timeout.
type Device interface {
	// StartCapture fills buf from the microphone until it is full or
	// StopCapture is called.
	StartCapture(buf *Buffer) (<-chan struct{}, error)
	// StopCapture halts capture. Once it returns the device no longer
	// writes to the buffer.
	StopCapture()
	// StartPlayback plays interleaved stereo s16le pcm at the current
	// sample rate. The device may read pcm until completion is signalled.
	StartPlayback(pcm []byte) (<-chan struct{}, error)
	StopPlayback()
	SetSampleRate(hz int) error
	SampleRate() int
	SwitchMode(m Mode) error
	Mode() Mode
	// SetVolume sets output volume in percent, 0 mutes.
	SetVolume(percent int) error
}
