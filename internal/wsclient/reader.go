package wsclient

import (
	"bytes"
	"errors"
	"time"

	"github.com/loqalabs/loqa-satellite/internal/transport"
	"github.com/loqalabs/loqa-satellite/internal/voiceerr"
)

const readAhead = 2048

var errHeaderTooLarge = errors.New("handshake response exceeds buffer")

// reader is a fixed read-ahead buffer over a transport.Conn. Bytes that
// arrive coalesced with the handshake response stay buffered for the
// frame reader.
type reader struct {
	conn transport.Conn
	buf  [readAhead]byte
	r, w int
}

func (rd *reader) buffered() int { return rd.w - rd.r }

func (rd *reader) reset(conn transport.Conn) {
	rd.conn = conn
	rd.r, rd.w = 0, 0
}

// fill performs one Recv bounded by deadline.
func (rd *reader) fill(deadline time.Time) error {
	if rd.r > 0 {
		copy(rd.buf[:], rd.buf[rd.r:rd.w])
		rd.w -= rd.r
		rd.r = 0
	}
	if rd.w == len(rd.buf) {
		return voiceerr.Resource("websocket read", errors.New("read-ahead buffer full"))
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return transport.ErrTimeout
	}
	n, err := rd.conn.Recv(rd.buf[rd.w:], remaining)
	rd.w += n
	if err != nil {
		return err
	}
	return nil
}

// peek waits until n bytes are buffered without consuming them, so a
// timeout never leaves a half-read header behind.
func (rd *reader) peek(n int, deadline time.Time) ([]byte, error) {
	for rd.buffered() < n {
		if err := rd.fill(deadline); err != nil {
			return nil, err
		}
	}
	return rd.buf[rd.r : rd.r+n], nil
}

func (rd *reader) discardBuffered(n int) {
	rd.r += n
}

// readFull consumes exactly len(p) bytes.
func (rd *reader) readFull(p []byte, deadline time.Time) error {
	for len(p) > 0 {
		if rd.buffered() == 0 {
			if err := rd.fill(deadline); err != nil {
				return err
			}
		}
		n := copy(p, rd.buf[rd.r:rd.w])
		rd.r += n
		p = p[n:]
	}
	return nil
}

// discard consumes n bytes without copying them out.
func (rd *reader) discard(n int, deadline time.Time) error {
	for n > 0 {
		if rd.buffered() == 0 {
			if err := rd.fill(deadline); err != nil {
				return err
			}
		}
		k := min(n, rd.buffered())
		rd.r += k
		n -= k
	}
	return nil
}

// readUntil consumes bytes up to and including delim, returning them. It
// fails if delim is not found within limit bytes.
func (rd *reader) readUntil(delim []byte, limit int, deadline time.Time) ([]byte, error) {
	for {
		window := rd.buf[rd.r:rd.w]
		if i := bytes.Index(window, delim); i >= 0 {
			end := i + len(delim)
			if end > limit {
				return nil, errHeaderTooLarge
			}
			out := append([]byte(nil), window[:end]...)
			rd.r += end
			return out, nil
		}
		if len(window) >= limit {
			return nil, errHeaderTooLarge
		}
		if err := rd.fill(deadline); err != nil {
			return nil, err
		}
	}
}
