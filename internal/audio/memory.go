package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const captureBlock = 640 // 10 ms of CaptureFormat

// MemoryDevice is a Device backed by an io.Reader for capture and an
// in-memory sink for playback. With Pace set, transfers take real time.
type MemoryDevice struct {
	// DropCompletions suppresses playback completion signals.
	DropCompletions bool

	mu         sync.Mutex
	source     io.Reader
	pace       bool
	sampleRate int
	mode       Mode
	volume     int
	volumes    []int
	rates      []int

	captureStop chan struct{}
	captureDone chan struct{}

	playing bool
	played  []byte
	plays   int
}

// MemoryOption configures a MemoryDevice.
type MemoryOption func(*MemoryDevice)

// WithPace makes capture and playback run at the real-time rate.
func WithPace() MemoryOption {
	return func(d *MemoryDevice) { d.pace = true }
}

// NewMemoryDevice captures from source, which must yield CaptureFormat
// PCM. A nil or exhausted source produces silence.
func NewMemoryDevice(source io.Reader, opts ...MemoryOption) *MemoryDevice {
	d := &MemoryDevice{
		source:     source,
		sampleRate: CaptureFormat.SampleRate,
		mode:       ModeCapture,
		volume:     100,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *MemoryDevice) StartCapture(buf *Buffer) (<-chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode != ModeCapture {
		return nil, ErrWrongMode
	}
	if d.captureStop != nil {
		return nil, ErrCaptureActive
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	complete := make(chan struct{})
	d.captureStop, d.captureDone = stop, done
	go d.capture(buf, stop, done, complete)
	return complete, nil
}

func (d *MemoryDevice) capture(buf *Buffer, stop, done, complete chan struct{}) {
	defer close(done)
	block := make([]byte, captureBlock)
	for !buf.Full() {
		select {
		case <-stop:
			return
		default:
		}
		want := min(len(block), buf.Remaining())
		n := d.read(block[:want])
		_, _ = buf.Write(block[:n])
		if d.pace {
			select {
			case <-stop:
				return
			case <-time.After(CaptureFormat.DurationOf(n)):
			}
		}
	}
	close(complete)
}

// read fills p from the source, padding with silence once it is drained.
func (d *MemoryDevice) read(p []byte) int {
	d.mu.Lock()
	src := d.source
	d.mu.Unlock()
	n := 0
	if src != nil {
		var err error
		n, err = io.ReadFull(src, p)
		if err != nil {
			d.mu.Lock()
			d.source = nil
			d.mu.Unlock()
		}
	}
	clear(p[n:])
	return len(p)
}

func (d *MemoryDevice) StopCapture() {
	d.mu.Lock()
	stop, done := d.captureStop, d.captureDone
	d.captureStop, d.captureDone = nil, nil
	d.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (d *MemoryDevice) StartPlayback(pcm []byte) (<-chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode != ModePlayback {
		return nil, ErrWrongMode
	}
	d.playing = true
	d.played = append(d.played, pcm...)
	d.plays++
	complete := make(chan struct{})
	if d.DropCompletions {
		return complete, nil
	}
	if !d.pace {
		close(complete)
		return complete, nil
	}
	f := Format{SampleRate: d.sampleRate, Channels: 2, BitsPerSample: 16}
	time.AfterFunc(f.DurationOf(len(pcm)), func() { close(complete) })
	return complete, nil
}

func (d *MemoryDevice) StopPlayback() {
	d.mu.Lock()
	d.playing = false
	d.mu.Unlock()
}

func (d *MemoryDevice) SetSampleRate(hz int) error {
	if hz <= 0 {
		return fmt.Errorf("invalid sample rate %d", hz)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sampleRate = hz
	d.rates = append(d.rates, hz)
	return nil
}

func (d *MemoryDevice) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sampleRate
}

func (d *MemoryDevice) SwitchMode(m Mode) error {
	if m != ModeCapture && m != ModePlayback {
		return errors.New("unknown audio mode")
	}
	if m == ModePlayback {
		d.StopCapture()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if m == ModeCapture {
		d.playing = false
	}
	d.mode = m
	return nil
}

func (d *MemoryDevice) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *MemoryDevice) SetVolume(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("volume %d out of range", percent)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = percent
	d.volumes = append(d.volumes, percent)
	return nil
}

// Capturing reports whether a capture transfer is active.
func (d *MemoryDevice) Capturing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.captureStop != nil
}

// Playing reports whether playback was started and not stopped.
func (d *MemoryDevice) Playing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing
}

// Played returns a copy of all PCM handed to StartPlayback.
func (d *MemoryDevice) Played() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.played...)
}

// TakePlayed returns and clears the played PCM.
func (d *MemoryDevice) TakePlayed() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.played
	d.played = nil
	return out
}

// Plays returns the number of StartPlayback calls.
func (d *MemoryDevice) Plays() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.plays
}

// Volumes returns every volume set, in order.
func (d *MemoryDevice) Volumes() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.volumes...)
}

// Rates returns every sample rate set, in order.
func (d *MemoryDevice) Rates() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.rates...)
}
