package tts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-satellite/internal/transport"
	"github.com/loqalabs/loqa-satellite/internal/voiceerr"
)

const maxSizeLine = 32

var headerEnd = []byte("\r\n\r\n")

// readHeaders reads the response head one byte at a time so no body byte
// is consumed. The returned slice ends with the blank line.
func readHeaders(conn transport.Conn, buf []byte, timeout time.Duration) ([]byte, error) {
	n := 0
	for {
		if n == len(buf) {
			return nil, voiceerr.Protocolf("read headers", "response headers exceed %d bytes", len(buf))
		}
		if err := readOne(conn, buf[n:n+1], timeout); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, voiceerr.Protocolf("read headers", "connection closed after %d header bytes", n)
			}
			return nil, err
		}
		n++
		if n >= 4 && bytes.Equal(buf[n-4:n], headerEnd) {
			return buf[:n], nil
		}
	}
}

func readOne(conn transport.Conn, p []byte, timeout time.Duration) error {
	for {
		n, err := conn.Recv(p, timeout)
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
	}
}

// statusCode parses the status line of head and rejects anything outside
// 2xx.
func statusCode(head []byte) (int, error) {
	line, _, _ := bytes.Cut(head, []byte("\r\n"))
	fields := strings.Fields(string(line))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, voiceerr.Protocolf("status line", "malformed status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, voiceerr.Protocolf("status line", "malformed status code %q", fields[1])
	}
	if code < 200 || code > 299 {
		return code, voiceerr.Protocolf("status line", "tts server returned %d", code)
	}
	return code, nil
}

// isChunked reports whether the response uses chunked transfer encoding.
func isChunked(head []byte) bool {
	return bytes.Contains(bytes.ToLower(head), []byte("chunked"))
}

// bodyReader yields the response payload with any chunked framing
// removed. Without chunking the body ends when the peer closes.
type bodyReader struct {
	conn      transport.Conn
	timeout   time.Duration
	chunked   bool
	remaining int
	started   bool
	done      bool
	line      [maxSizeLine]byte
}

func newBodyReader(conn transport.Conn, chunked bool, timeout time.Duration) *bodyReader {
	return &bodyReader{conn: conn, chunked: chunked, timeout: timeout}
}

func (b *bodyReader) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if b.chunked {
		if b.remaining == 0 {
			if err := b.nextChunk(); err != nil {
				return 0, err
			}
			if b.done {
				return 0, io.EOF
			}
		}
		p = p[:min(len(p), b.remaining)]
	}
	n, err := b.conn.Recv(p, b.timeout)
	if err != nil {
		if errors.Is(err, io.EOF) {
			b.done = true
		}
		return 0, err
	}
	if b.chunked {
		b.remaining -= n
	}
	return n, nil
}

// nextChunk consumes the CRLF closing the previous chunk, if any, and the
// next size line. A zero size ends the body.
func (b *bodyReader) nextChunk() error {
	if b.started {
		var crlf [2]byte
		for i := range crlf {
			if err := readOne(b.conn, crlf[i:i+1], b.timeout); err != nil {
				return err
			}
		}
	}
	b.started = true
	size, err := b.readSize()
	if err != nil {
		return err
	}
	if size == 0 {
		b.done = true
		return nil
	}
	b.remaining = size
	return nil
}

func (b *bodyReader) readSize() (int, error) {
	n := 0
	for {
		if n == len(b.line) {
			return 0, voiceerr.Protocolf("chunk size", "chunk size line exceeds %d bytes", len(b.line))
		}
		if err := readOne(b.conn, b.line[n:n+1], b.timeout); err != nil {
			return 0, err
		}
		n++
		if n >= 2 && b.line[n-2] == '\r' && b.line[n-1] == '\n' {
			break
		}
	}
	text, _, _ := strings.Cut(string(b.line[:n-2]), ";")
	size, err := strconv.ParseInt(strings.TrimSpace(text), 16, 32)
	if err != nil || size < 0 {
		return 0, voiceerr.Protocol("chunk size", fmt.Errorf("bad chunk size %q", text))
	}
	return int(size), nil
}
