package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Format describes interleaved PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// CaptureFormat is the microphone format: 16 kHz stereo s16le.
var CaptureFormat = Format{SampleRate: 16000, Channels: 2, BitsPerSample: 16}

func (f Format) FrameSize() int      { return f.Channels * f.BitsPerSample / 8 }
func (f Format) BytesPerSecond() int { return f.SampleRate * f.FrameSize() }

// BytesFor returns the frame-aligned byte length of d.
func (f Format) BytesFor(d time.Duration) int {
	frames := int(int64(f.SampleRate) * d.Milliseconds() / 1000)
	return frames * f.FrameSize()
}

// DurationOf returns the playing time of n bytes.
func (f Format) DurationOf(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// RMS16 returns sqrt(mean(sample²)) over every s16le sample in pcm,
// truncated to an integer. An empty input yields 0.
func RMS16(pcm []byte) uint32 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum uint64
	for i := 0; i < n; i++ {
		s := int64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += uint64(s * s)
	}
	return uint32(math.Sqrt(float64(sum) / float64(n)))
}

// MeanAbs16 returns the integer mean absolute amplitude over every s16le
// sample in pcm.
func MeanAbs16(pcm []byte) uint32 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		s := int64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		if s < 0 {
			s = -s
		}
		sum += s
	}
	return uint32(sum / int64(n))
}

// LeftChannelFloat32 writes the left channel of stereo s16le src into dst
// as little-endian float32 in [-1, 1). It converts as many frames as fit
// in dst and returns the number of bytes written.
func LeftChannelFloat32(dst, src []byte) int {
	frames := len(src) / 4
	if limit := len(dst) / 4; frames > limit {
		frames = limit
	}
	for i := 0; i < frames; i++ {
		s := int16(binary.LittleEndian.Uint16(src[4*i:]))
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(float32(s)/32768))
	}
	return frames * 4
}

// LeftChannel16 extracts the left channel of stereo s16le src into dst and
// returns the number of samples written.
func LeftChannel16(dst []int16, src []byte) int {
	frames := len(src) / 4
	if frames > len(dst) {
		frames = len(dst)
	}
	for i := 0; i < frames; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(src[4*i:]))
	}
	return frames
}

// MonoToStereo16 duplicates every s16le sample of src into interleaved L/R
// pairs in dst and returns the number of bytes written.
func MonoToStereo16(dst, src []byte) int {
	samples := len(src) / 2
	if limit := len(dst) / 4; samples > limit {
		samples = limit
	}
	for i := 0; i < samples; i++ {
		lo, hi := src[2*i], src[2*i+1]
		dst[4*i], dst[4*i+1] = lo, hi
		dst[4*i+2], dst[4*i+3] = lo, hi
	}
	return samples * 4
}
