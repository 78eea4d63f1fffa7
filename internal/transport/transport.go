// Package transport provides the byte-stream connections used by the
// WebSocket client and the TTS engine.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-satellite/internal/voiceerr"
)

// ErrTimeout is returned by Recv when no bytes arrived before the deadline.
// Callers treat it as "nothing yet".
var ErrTimeout error = &voiceerr.Error{Kind: voiceerr.KindTransport, Op: "recv", Err: errors.New("i/o timeout")}

// Conn is a connected byte stream.
type Conn interface {
	// Send writes all of p or returns an error.
	Send(p []byte) (int, error)
	// Recv reads at most len(p) bytes, waiting up to timeout. A non-positive
	// timeout blocks until data or an error arrives. It returns ErrTimeout
	// when the deadline passes and io.EOF when the peer closed the stream.
	Recv(p []byte, timeout time.Duration) (int, error)
	Close() error
}

// Dialer opens connections to host:port.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (Conn, error)
}

// TCPDialer dials plain TCP connections.
type TCPDialer struct {
	Timeout      time.Duration
	WriteTimeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, host string, port int) (Conn, error) {
	c, err := dial(ctx, d.Timeout, host, port)
	if err != nil {
		return nil, err
	}
	return NewConn(c, d.WriteTimeout), nil
}

// TLSDialer performs a TLS handshake on top of TCP before exposing the
// same Conn contract.
type TLSDialer struct {
	Timeout      time.Duration
	WriteTimeout time.Duration
	Config       *tls.Config
}

func (d TLSDialer) Dial(ctx context.Context, host string, port int) (Conn, error) {
	raw, err := dial(ctx, d.Timeout, host, port)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if d.Config != nil {
		cfg = d.Config.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	tc := tls.Client(raw, cfg)
	hsCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	if err := tc.HandshakeContext(hsCtx); err != nil {
		raw.Close()
		return nil, voiceerr.Transport("tls handshake", err)
	}
	return NewConn(tc, d.WriteTimeout), nil
}

func dial(ctx context.Context, timeout time.Duration, host string, port int) (net.Conn, error) {
	if host == "" {
		return nil, voiceerr.Transport("dial", errors.New("empty host"))
	}
	nd := net.Dialer{Timeout: timeout}
	c, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, voiceerr.Transport("dial", err)
	}
	return c, nil
}

type netConn struct {
	c            net.Conn
	writeTimeout time.Duration
}

// NewConn adapts a net.Conn to Conn using socket deadlines for timeouts.
func NewConn(c net.Conn, writeTimeout time.Duration) Conn {
	return &netConn{c: c, writeTimeout: writeTimeout}
}

func (n *netConn) Send(p []byte) (int, error) {
	if n.writeTimeout > 0 {
		_ = n.c.SetWriteDeadline(time.Now().Add(n.writeTimeout))
	}
	written, err := n.c.Write(p)
	if err != nil {
		return written, voiceerr.Transport("send", err)
	}
	return written, nil
}

func (n *netConn) Recv(p []byte, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	_ = n.c.SetReadDeadline(deadline)
	read, err := n.c.Read(p)
	if read > 0 {
		return read, nil
	}
	if err == nil {
		return 0, nil
	}
	if errors.Is(err, io.EOF) {
		return 0, io.EOF
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return 0, ErrTimeout
	}
	return 0, voiceerr.Transport("recv", err)
}

func (n *netConn) Close() error {
	return n.c.Close()
}
