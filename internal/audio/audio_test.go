package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-satellite/internal/voiceerr"
	"pgregory.net/rapid"
)

func stereo(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func TestBufferBoundsAndReset(t *testing.T) {
	if _, err := NewBuffer(0); !voiceerr.Is(err, voiceerr.KindResource) {
		t.Fatalf("expected resource error, got %v", err)
	}
	b, err := NewBuffer(4)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	n, err := b.Write([]byte{1, 2, 3, 4, 5, 6})
	if n != 4 || !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected truncated write, got n=%d err=%v", n, err)
	}
	if !b.Full() || b.Len() != 4 {
		t.Fatalf("expected full buffer, len=%d", b.Len())
	}
	b.Reset()
	if b.Len() != 0 || !bytes.Equal(b.Head(10), []byte{0, 0, 0, 0}) {
		t.Fatalf("expected zeroed storage after reset, got %v", b.Head(10))
	}
	_, _ = b.Write([]byte{9})
	if got := b.Head(2); !bytes.Equal(got, []byte{9, 0}) {
		t.Fatalf("unexpected head %v", got)
	}
}

func TestRMSAndMeanAbs(t *testing.T) {
	pcm := stereo(3000, -3000, 4000, -4000)
	if got := RMS16(pcm); got != 3535 {
		t.Fatalf("expected rms 3535, got %d", got)
	}
	if got := MeanAbs16(pcm); got != 3500 {
		t.Fatalf("expected mean abs 3500, got %d", got)
	}
	if RMS16(nil) != 0 || MeanAbs16([]byte{1}) != 0 {
		t.Fatal("expected zero energy for empty input")
	}
}

func TestLeftChannelFloat32Bounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		frames := rapid.IntRange(1, 64).Draw(rt, "frames")
		samples := make([]int16, 2*frames)
		for i := range samples {
			samples[i] = int16(rapid.IntRange(math.MinInt16, math.MaxInt16).Draw(rt, "sample"))
		}
		dst := make([]byte, 4*frames)
		if n := LeftChannelFloat32(dst, stereo(samples...)); n != len(dst) {
			rt.Fatalf("expected %d bytes, got %d", len(dst), n)
		}
		for i := 0; i < frames; i++ {
			v := math.Float32frombits(binary.LittleEndian.Uint32(dst[4*i:]))
			if v < -1 || v >= 1 {
				rt.Fatalf("sample %d out of range: %f", i, v)
			}
			if want := float32(samples[2*i]) / 32768; v != want {
				rt.Fatalf("sample %d: expected %f got %f", i, want, v)
			}
		}
	})
}

func TestMonoToStereoAndLeftChannel(t *testing.T) {
	mono := stereo(1, -2, 300)
	dst := make([]byte, 12)
	if n := MonoToStereo16(dst, mono); n != 12 {
		t.Fatalf("expected 12 bytes, got %d", n)
	}
	left := make([]int16, 3)
	if n := LeftChannel16(left, dst); n != 3 {
		t.Fatalf("expected 3 samples, got %d", n)
	}
	if left[0] != 1 || left[1] != -2 || left[2] != 300 {
		t.Fatalf("unexpected left channel %v", left)
	}
	if !bytes.Equal(dst[4:8], stereo(-2, -2)) {
		t.Fatalf("expected duplicated sample, got %v", dst[4:8])
	}
}

func TestMemoryDeviceCaptureAndModes(t *testing.T) {
	src := bytes.Repeat([]byte{7}, 1000)
	dev := NewMemoryDevice(bytes.NewReader(src))
	buf, _ := NewBuffer(2000)

	done, err := dev.StartCapture(buf)
	if err != nil {
		t.Fatalf("start capture: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("capture did not complete")
	}
	dev.StopCapture()
	if !buf.Full() {
		t.Fatalf("expected full buffer, len=%d", buf.Len())
	}
	if buf.Bytes()[999] != 7 || buf.Bytes()[1000] != 0 {
		t.Fatal("expected source followed by silence")
	}

	if _, err := dev.StartPlayback([]byte{1, 2}); !errors.Is(err, ErrWrongMode) {
		t.Fatalf("expected wrong mode error, got %v", err)
	}
	if err := dev.SwitchMode(ModePlayback); err != nil {
		t.Fatalf("switch mode: %v", err)
	}
	if _, err := dev.StartCapture(buf); !errors.Is(err, ErrWrongMode) {
		t.Fatalf("expected wrong mode error, got %v", err)
	}
	if _, err := dev.StartPlayback([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("start playback: %v", err)
	}
	if dev.Plays() != 1 || len(dev.Played()) != 4 {
		t.Fatalf("unexpected playback history %d/%d", dev.Plays(), len(dev.Played()))
	}
}

func TestMemoryDeviceStopCaptureJoins(t *testing.T) {
	dev := NewMemoryDevice(nil, WithPace())
	buf, _ := NewBuffer(CaptureFormat.BytesFor(2 * time.Second))
	if _, err := dev.StartCapture(buf); err != nil {
		t.Fatalf("start capture: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	dev.StopCapture()
	if dev.Capturing() {
		t.Fatal("expected capture stopped")
	}
	n := buf.Len()
	time.Sleep(30 * time.Millisecond)
	if buf.Len() != n {
		t.Fatal("buffer written after StopCapture returned")
	}
}

func TestFileDeviceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.wav")
	pcm := stereo(100, 200, -300, -400)
	if err := writeStereoWAV(input, 16000, pcm); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	out := filepath.Join(dir, "out")
	dev, err := OpenFileDevice(input, out)
	if err != nil {
		t.Fatalf("open file device: %v", err)
	}
	buf, _ := NewBuffer(len(pcm))
	done, err := dev.StartCapture(buf)
	if err != nil {
		t.Fatalf("start capture: %v", err)
	}
	<-done
	dev.StopCapture()
	if !bytes.Equal(buf.Bytes(), pcm) {
		t.Fatalf("unexpected captured pcm %v", buf.Bytes())
	}

	if err := dev.SetSampleRate(24000); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if err := dev.SwitchMode(ModePlayback); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if _, err := dev.StartPlayback(pcm); err != nil {
		t.Fatalf("playback: %v", err)
	}
	_ = dev.SetSampleRate(16000)
	if err := dev.SwitchMode(ModeCapture); err != nil {
		t.Fatalf("switch back: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "playback-0001.wav")); err != nil {
		t.Fatalf("expected playback file: %v", err)
	}
}
