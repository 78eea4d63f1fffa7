// Package wsclient is a minimal RFC 6455 client used to stream audio to a
// transcription server. Messages are always sent as single masked frames;
// fragmented messages are not supported.
package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-satellite/internal/transport"
	"github.com/loqalabs/loqa-satellite/internal/voiceerr"
)

// State is the connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateUpgrading
	StateConfigPending
	StateStreaming
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateUpgrading:
		return "upgrading"
	case StateConfigPending:
		return "config-pending"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// HandshakeKey is the fixed Sec-WebSocket-Key sent on every upgrade.
const HandshakeKey = "dGhlIHNhbXBsZSBub25jZQ=="

// EndOfAudio is the binary message that tells the server the utterance is over.
var EndOfAudio = []byte("END_OF_AUDIO")

var (
	ErrClosed       = &voiceerr.Error{Kind: voiceerr.KindTransport, Op: "websocket", Err: errors.New("connection closed by peer")}
	ErrNotConnected = &voiceerr.Error{Kind: voiceerr.KindTransport, Op: "websocket", Err: errors.New("not connected")}
)

// SessionConfig is the JSON message sent once after the upgrade.
type SessionConfig struct {
	UID      string `json:"uid"`
	Language string `json:"language"`
	Task     string `json:"task"`
	Model    string `json:"model"`
	UseVAD   bool   `json:"use_vad"`
}

const (
	handshakeLimit   = 1024
	ackBufferSize    = 512
	drainWindow      = 100 * time.Millisecond
	defaultConnect   = 10 * time.Second
	defaultAck       = 5 * time.Second
	defaultIOTimeout = 5 * time.Second
)

// Option configures a Client.
type Option func(*Client)

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithSessionConfig(cfg SessionConfig) Option {
	return func(c *Client) { c.session = cfg }
}

// WithConnectTimeout bounds dialing and the upgrade handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectTimeout = d }
}

// WithAckTimeout bounds the wait for the server's reply to the config
// message. Zero skips the wait.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Client) { c.ackTimeout = d }
}

// WithIOTimeout bounds reading the remainder of a frame once its header
// has arrived.
func WithIOTimeout(d time.Duration) Option {
	return func(c *Client) { c.ioTimeout = d }
}

// WithMask replaces the masking key source.
func WithMask(fn func() [4]byte) Option {
	return func(c *Client) { c.mask = fn }
}

// Client is one WebSocket connection. It is owned by a single goroutine
// and is not reused after Disconnect.
type Client struct {
	endpoint       Endpoint
	dialer         transport.Dialer
	conn           transport.Conn
	rd             reader
	state          State
	used           bool
	configSent     bool
	ack            string
	session        SessionConfig
	connectTimeout time.Duration
	ackTimeout     time.Duration
	ioTimeout      time.Duration
	mask           func() [4]byte
	log            *slog.Logger

	header  []byte
	scratch [sendChunk]byte
	control [maxControlPayload]byte
}

// New parses url and prepares an unconnected client.
func New(url string, dialer transport.Dialer, opts ...Option) (*Client, error) {
	ep, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = transport.TCPDialer{}
	}
	c := &Client{
		endpoint:       ep,
		dialer:         dialer,
		session:        SessionConfig{Task: "transcribe"},
		connectTimeout: defaultConnect,
		ackTimeout:     defaultAck,
		ioTimeout:      defaultIOTimeout,
		mask:           ClockMask,
		log:            slog.New(slog.DiscardHandler),
		header:         make([]byte, 0, maxHeaderLen),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.session.Task == "" {
		c.session.Task = "transcribe"
	}
	c.log = c.log.With(slog.String("component", "wsclient"), slog.String("endpoint", ep.String()))
	return c, nil
}

func (c *Client) Endpoint() Endpoint { return c.endpoint }
func (c *Client) State() State       { return c.state }
func (c *Client) ConfigSent() bool   { return c.configSent }

// Ack returns the server's reply to the config message, if one arrived.
func (c *Client) Ack() string { return c.ack }

// Connected reports whether audio may be sent.
func (c *Client) Connected() bool {
	return c.conn != nil && (c.state == StateStreaming || c.state == StateConfigPending)
}

// Connect dials, upgrades, and sends the session config. On any failure
// the socket is closed and the client is left disconnected.
func (c *Client) Connect(ctx context.Context) error {
	if c.used {
		return voiceerr.Application("websocket connect", errors.New("client already used"))
	}
	c.used = true
	c.state = StateConnecting
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	conn, err := c.dialer.Dial(dialCtx, c.endpoint.Host, c.endpoint.Port)
	cancel()
	if err != nil {
		c.state = StateDisconnected
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn
	c.rd.reset(conn)

	c.state = StateUpgrading
	if err := c.upgrade(); err != nil {
		c.abort()
		return err
	}

	c.state = StateConfigPending
	if err := c.sendConfig(); err != nil {
		c.abort()
		return err
	}
	if err := c.awaitAck(); err != nil {
		c.abort()
		return err
	}
	c.state = StateStreaming
	c.log.Info("websocket connected", slog.Bool("acked", c.ack != ""))
	return nil
}

func (c *Client) upgrade() error {
	req := fmt.Sprintf("GET %s HTTP/1.1\r\n"+
		"Host: %s\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: %s\r\n"+
		"Sec-WebSocket-Version: 13\r\n"+
		"\r\n", c.endpoint.Path, c.endpoint.Host, HandshakeKey)
	if _, err := c.conn.Send([]byte(req)); err != nil {
		return fmt.Errorf("websocket handshake: %w", err)
	}
	resp, err := c.rd.readUntil([]byte("\r\n\r\n"), handshakeLimit, time.Now().Add(c.connectTimeout))
	if err != nil {
		if errors.Is(err, errHeaderTooLarge) {
			return voiceerr.Protocol("websocket handshake", err)
		}
		return fmt.Errorf("websocket handshake: %w", err)
	}
	if !bytes.Contains(resp, []byte("101")) || !bytes.Contains(resp, []byte("Switching Protocols")) {
		status, _, _ := bytes.Cut(resp, []byte("\r\n"))
		return voiceerr.Protocolf("websocket handshake", "unexpected response %q", status)
	}
	return nil
}

func (c *Client) sendConfig() error {
	payload, err := json.Marshal(c.session)
	if err != nil {
		return voiceerr.Application("websocket config", err)
	}
	if err := c.writeFrame(OpText, payload); err != nil {
		return fmt.Errorf("websocket config: %w", err)
	}
	c.configSent = true
	return nil
}

func (c *Client) awaitAck() error {
	if c.ackTimeout <= 0 {
		return nil
	}
	var buf [ackBufferSize]byte
	n, err := c.recv(buf[:], time.Now().Add(c.ackTimeout))
	switch {
	case err == nil:
		c.ack = string(buf[:n])
		c.log.Debug("websocket server ack", slog.String("message", c.ack))
		return nil
	case errors.Is(err, transport.ErrTimeout):
		c.log.Warn("no server ack before timeout, proceeding", slog.Duration("timeout", c.ackTimeout))
		return nil
	default:
		return fmt.Errorf("websocket ack: %w", err)
	}
}

// SendAudio sends p as one BINARY frame.
func (c *Client) SendAudio(p []byte) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.writeFrame(OpBinary, p)
}

// SendEndOfAudio sends the END_OF_AUDIO marker as a BINARY frame.
func (c *Client) SendEndOfAudio() error {
	return c.SendAudio(EndOfAudio)
}

// writeFrame sends one masked FIN frame, masking the payload in fixed
// pieces through the scratch buffer.
func (c *Client) writeFrame(op Opcode, payload []byte) error {
	key := c.mask()
	header, err := appendHeader(c.header[:0], op, len(payload), key)
	if err != nil {
		return voiceerr.Protocol("websocket send", err)
	}
	if _, err := c.conn.Send(header); err != nil {
		c.broken()
		return err
	}
	for off := 0; off < len(payload); {
		n := min(len(payload)-off, len(c.scratch))
		MaskBytes(c.scratch[:n], payload[off:off+n], key, off)
		if _, err := c.conn.Send(c.scratch[:n]); err != nil {
			c.broken()
			return err
		}
		off += n
	}
	return nil
}

// ReadMessage returns the next data frame. PING is answered and skipped,
// PONG and unknown control frames are skipped, and CLOSE marks the client
// disconnected and returns ErrClosed. Payload beyond len(buf) is dropped.
// It returns transport.ErrTimeout if nothing arrives within timeout.
func (c *Client) ReadMessage(buf []byte, timeout time.Duration) (Opcode, int, error) {
	if c.conn == nil || c.state == StateDisconnected {
		return 0, 0, ErrNotConnected
	}
	return c.readMessage(buf, time.Now().Add(timeout))
}

// Recv returns the next TEXT message. Other data frames are drained and
// the read retried until the timeout.
func (c *Client) Recv(buf []byte, timeout time.Duration) (int, error) {
	if c.conn == nil || c.state == StateDisconnected {
		return 0, ErrNotConnected
	}
	return c.recv(buf, time.Now().Add(timeout))
}

func (c *Client) recv(buf []byte, deadline time.Time) (int, error) {
	for {
		op, n, err := c.readMessage(buf, deadline)
		if err != nil {
			return 0, err
		}
		if op == OpText {
			return n, nil
		}
		c.log.Debug("dropped non-text message", slog.String("opcode", op.String()), slog.Int("bytes", n))
	}
}

func (c *Client) readMessage(buf []byte, deadline time.Time) (Opcode, int, error) {
	for {
		h, err := c.readHeader(deadline)
		if err != nil {
			if !errors.Is(err, transport.ErrTimeout) {
				c.broken()
			}
			return 0, 0, err
		}
		// The header is consumed; the rest of the frame must be read to
		// keep the stream aligned, even past the caller's deadline.
		payloadDeadline := deadline
		if floor := time.Now().Add(c.ioTimeout); payloadDeadline.Before(floor) {
			payloadDeadline = floor
		}

		switch {
		case h.op == OpPing:
			n, err := c.readControl(h, payloadDeadline)
			if err != nil {
				return 0, 0, err
			}
			if err := c.writeFrame(OpPong, c.control[:n]); err != nil {
				return 0, 0, fmt.Errorf("websocket pong: %w", err)
			}
		case h.op == OpClose:
			n, _ := c.readControl(h, payloadDeadline)
			c.log.Info("websocket closed by peer", slog.Int("payload", n))
			c.state = StateDisconnected
			return 0, 0, ErrClosed
		case h.op.control():
			if err := c.skip(h.length, payloadDeadline); err != nil {
				return 0, 0, err
			}
		case !h.fin || h.op == OpContinuation:
			if err := c.skip(h.length, payloadDeadline); err != nil {
				return 0, 0, err
			}
			return 0, 0, voiceerr.Protocolf("websocket recv", "fragmented %s frame not supported", h.op)
		case h.op == OpText || h.op == OpBinary:
			n := min(h.length, len(buf))
			if err := c.rd.readFull(buf[:n], payloadDeadline); err != nil {
				c.broken()
				return 0, 0, fmt.Errorf("websocket payload: %w", err)
			}
			if h.masked {
				MaskBytes(buf[:n], buf[:n], h.key, 0)
			}
			if err := c.skip(h.length-n, payloadDeadline); err != nil {
				return 0, 0, err
			}
			return h.op, n, nil
		default:
			if err := c.skip(h.length, payloadDeadline); err != nil {
				return 0, 0, err
			}
		}
	}
}

func (c *Client) readHeader(deadline time.Time) (frameHeader, error) {
	first, err := c.rd.peek(2, deadline)
	if err != nil {
		return frameHeader{}, err
	}
	size := headerSize(first[0], first[1])
	raw, err := c.rd.peek(size, deadline)
	if err != nil {
		return frameHeader{}, err
	}
	h := parseHeader(raw)
	c.rd.discardBuffered(size)
	return h, nil
}

// readControl reads up to 125 bytes of a control payload into c.control.
func (c *Client) readControl(h frameHeader, deadline time.Time) (int, error) {
	n := min(h.length, maxControlPayload)
	if err := c.rd.readFull(c.control[:n], deadline); err != nil {
		c.broken()
		return 0, fmt.Errorf("websocket control frame: %w", err)
	}
	if h.masked {
		MaskBytes(c.control[:n], c.control[:n], h.key, 0)
	}
	if err := c.skip(h.length-n, deadline); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Client) skip(n int, deadline time.Time) error {
	if n <= 0 {
		return nil
	}
	if err := c.rd.discard(n, deadline); err != nil {
		c.broken()
		return fmt.Errorf("websocket drain: %w", err)
	}
	return nil
}

// broken marks the stream unusable after a partial read or write.
func (c *Client) broken() {
	if c.state != StateClosing {
		c.state = StateDisconnected
	}
}

func (c *Client) abort() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
}

// Disconnect sends CLOSE with status 1000, drains incoming bytes for up
// to 100 ms so the peer can close first, then releases the socket. The
// peer's close status is not validated.
func (c *Client) Disconnect() error {
	if c.conn == nil {
		c.state = StateDisconnected
		return nil
	}
	c.state = StateClosing
	if err := c.writeFrame(OpClose, closeNormal); err != nil {
		c.log.Debug("close frame not sent", slog.String("error", err.Error()))
	}
	deadline := time.Now().Add(drainWindow)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if _, err := c.conn.Recv(c.scratch[:], remaining); err != nil {
			break
		}
	}
	err := c.conn.Close()
	c.conn = nil
	c.state = StateDisconnected
	c.log.Info("websocket disconnected")
	return err
}
