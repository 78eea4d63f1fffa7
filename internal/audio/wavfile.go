package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// FileDevice captures from a WAV file and writes every playback session to
// a numbered WAV file in OutputDir.
type FileDevice struct {
	*MemoryDevice

	outputDir string
	mu        sync.Mutex
	sessions  int
	lastRate  int
}

// OpenFileDevice loads input (16 kHz, 16-bit, mono or stereo) as the
// capture source. An empty input path captures silence.
func OpenFileDevice(input, outputDir string, opts ...MemoryOption) (*FileDevice, error) {
	var pcm []byte
	if input != "" {
		var err error
		pcm, err = loadCaptureWAV(input)
		if err != nil {
			return nil, err
		}
	}
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create audio output dir: %w", err)
		}
	}
	dev := &FileDevice{outputDir: outputDir}
	if pcm != nil {
		dev.MemoryDevice = NewMemoryDevice(bytes.NewReader(pcm), opts...)
	} else {
		dev.MemoryDevice = NewMemoryDevice(nil, opts...)
	}
	return dev, nil
}

func loadCaptureWAV(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("capture wav %s: invalid file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode capture wav: %w", err)
	}
	if int(dec.SampleRate) != CaptureFormat.SampleRate {
		return nil, fmt.Errorf("capture wav %s: sample rate %d, want %d", path, dec.SampleRate, CaptureFormat.SampleRate)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("capture wav %s: bit depth %d, want 16", path, dec.BitDepth)
	}
	channels := int(dec.NumChans)
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("capture wav %s: %d channels unsupported", path, channels)
	}

	frames := len(buf.Data) / channels
	out := make([]byte, frames*CaptureFormat.FrameSize())
	for i := 0; i < frames; i++ {
		left := int16(buf.Data[i*channels])
		right := left
		if channels == 2 {
			right = int16(buf.Data[i*channels+1])
		}
		binary.LittleEndian.PutUint16(out[4*i:], uint16(left))
		binary.LittleEndian.PutUint16(out[4*i+2:], uint16(right))
	}
	return out, nil
}

// StartPlayback records the session's output rate before queueing pcm.
func (d *FileDevice) StartPlayback(pcm []byte) (<-chan struct{}, error) {
	rate := d.MemoryDevice.SampleRate()
	done, err := d.MemoryDevice.StartPlayback(pcm)
	if err == nil {
		d.mu.Lock()
		d.lastRate = rate
		d.mu.Unlock()
	}
	return done, err
}

// SwitchMode flushes the finished playback session to disk when the device
// returns to capture.
func (d *FileDevice) SwitchMode(m Mode) error {
	leaving := d.MemoryDevice.Mode() == ModePlayback && m == ModeCapture
	if err := d.MemoryDevice.SwitchMode(m); err != nil {
		return err
	}
	if !leaving {
		return nil
	}
	pcm := d.MemoryDevice.TakePlayed()
	if d.outputDir == "" || len(pcm) == 0 {
		return nil
	}
	d.mu.Lock()
	d.sessions++
	name := filepath.Join(d.outputDir, fmt.Sprintf("playback-%04d.wav", d.sessions))
	rate := d.lastRate
	d.mu.Unlock()
	return writeStereoWAV(name, rate, pcm)
}

func writeStereoWAV(path string, rate int, pcm []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create playback wav: %w", err)
	}
	defer f.Close()

	samples := len(pcm) / 2
	data := make([]int, samples)
	for i := 0; i < samples; i++ {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	enc := wav.NewEncoder(f, rate, 16, 2, 1)
	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("encode playback wav: %w", err)
	}
	return enc.Close()
}
