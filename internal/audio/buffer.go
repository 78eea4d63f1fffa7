package audio

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-satellite/internal/voiceerr"
)

// ErrBufferFull is returned when a write would exceed a buffer's capacity.
var ErrBufferFull = errors.New("buffer full")

// Buffer is a fixed-capacity byte buffer with an explicit fill length.
// It never grows; every write is bounds-checked.
type Buffer struct {
	data []byte
	n    int
}

// NewBuffer allocates a buffer of exactly capacity bytes.
func NewBuffer(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, voiceerr.Resource("allocate buffer", fmt.Errorf("invalid capacity %d", capacity))
	}
	return &Buffer{data: make([]byte, capacity)}, nil
}

func (b *Buffer) Cap() int       { return len(b.data) }
func (b *Buffer) Len() int       { return b.n }
func (b *Buffer) Remaining() int { return len(b.data) - b.n }
func (b *Buffer) Full() bool     { return b.n == len(b.data) }

// Bytes returns the filled portion. The slice aliases the buffer until the
// next Reset.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Head returns the first n bytes of backing storage regardless of fill
// length, clamped to capacity. Unfilled bytes are zero after Reset.
func (b *Buffer) Head(n int) []byte {
	if n < 0 {
		n = 0
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	return b.data[:n]
}

// Reset zeroes the storage and empties the buffer.
func (b *Buffer) Reset() {
	clear(b.data)
	b.n = 0
}

// Pad extends the length to capacity. Bytes that were never written keep
// the zeroes left by Reset.
func (b *Buffer) Pad() { b.n = len(b.data) }

// Truncate drops everything past n bytes.
func (b *Buffer) Truncate(n int) {
	if n < 0 || n > b.n {
		return
	}
	b.n = n
}

// Write appends as much of p as fits. It returns ErrBufferFull, wrapped as a
// resource error, when p was truncated.
func (b *Buffer) Write(p []byte) (int, error) {
	n := copy(b.data[b.n:], p)
	b.n += n
	if n < len(p) {
		return n, voiceerr.Resource("buffer write", ErrBufferFull)
	}
	return n, nil
}
