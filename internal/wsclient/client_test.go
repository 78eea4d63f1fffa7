package wsclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-satellite/internal/transport"
	"github.com/loqalabs/loqa-satellite/internal/voiceerr"
)

const switching = "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"

// startPeer runs a conforming WebSocket server. The handler is called after
// the config message has been read and acknowledged.
func startPeer(t *testing.T, configs chan<- SessionConfig, handler func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		conn.SetReadLimit(1 << 20)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		typ, data, err := conn.Read(ctx)
		if err != nil || typ != websocket.MessageText {
			return
		}
		if configs != nil {
			var cfg SessionConfig
			_ = json.Unmarshal(data, &cfg)
			configs <- cfg
		}
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"message":"SERVER_READY"}`)); err != nil {
			return
		}
		handler(ctx, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/listen"
}

func echo(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := conn.Write(ctx, typ, data); err != nil {
			return
		}
	}
}

func dial(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	c, err := New(url, transport.TCPDialer{Timeout: 2 * time.Second}, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestRoundTripAgainstConformingPeer(t *testing.T) {
	configs := make(chan SessionConfig, 1)
	url := startPeer(t, configs, echo)
	c := dial(t, url, WithSessionConfig(SessionConfig{UID: "sat-1", Language: "en", Model: "small"}))

	cfg := <-configs
	if cfg.UID != "sat-1" || cfg.Language != "en" || cfg.Task != "transcribe" || cfg.Model != "small" || cfg.UseVAD {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if c.Ack() != `{"message":"SERVER_READY"}` {
		t.Fatalf("unexpected ack %q", c.Ack())
	}
	if c.State() != StateStreaming || !c.ConfigSent() {
		t.Fatalf("expected streaming state, got %s", c.State())
	}

	buf := make([]byte, 70000)
	for _, size := range []int{0, 125, 126, 65535, 65536} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		if err := c.SendAudio(payload); err != nil {
			t.Fatalf("send %d: %v", size, err)
		}
		op, n, err := c.ReadMessage(buf, 5*time.Second)
		if err != nil {
			t.Fatalf("read %d: %v", size, err)
		}
		if op != OpBinary {
			t.Fatalf("size %d: expected binary opcode, got %s", size, op)
		}
		if !bytes.Equal(buf[:n], payload) {
			t.Fatalf("size %d: payload mismatch (got %d bytes)", size, n)
		}
	}

	if err := c.SendEndOfAudio(); err != nil {
		t.Fatalf("end of audio: %v", err)
	}
	op, n, err := c.ReadMessage(buf, 5*time.Second)
	if err != nil || op != OpBinary || string(buf[:n]) != "END_OF_AUDIO" {
		t.Fatalf("unexpected end marker echo op=%s %q err=%v", op, buf[:n], err)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	url := startPeer(t, nil, func(ctx context.Context, conn *websocket.Conn) {
		ctx = conn.CloseRead(ctx)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		result := "pong-ok"
		if err := conn.Ping(pingCtx); err != nil {
			result = "pong-missing"
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(result))
		<-ctx.Done()
	})
	c := dial(t, url)

	buf := make([]byte, 64)
	n, err := c.Recv(buf, 5*time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != "pong-ok" {
		t.Fatalf("expected pong-ok, got %q", buf[:n])
	}
}

func TestRecvSkipsBinaryAndTimesOut(t *testing.T) {
	url := startPeer(t, nil, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageBinary, []byte("binary-noise"))
		_ = conn.Write(ctx, websocket.MessageText, []byte("hello"))
		echo(ctx, conn)
	})
	c := dial(t, url)

	buf := make([]byte, 64)
	n, err := c.Recv(buf, 5*time.Second)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("expected hello, got %q err=%v", buf[:n], err)
	}
	if _, err := c.Recv(buf, 50*time.Millisecond); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !c.Connected() {
		t.Fatal("timeout must not disconnect")
	}
}

func TestPeerCloseMarksDisconnected(t *testing.T) {
	url := startPeer(t, nil, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Close(websocket.StatusGoingAway, "bye")
	})
	c := dial(t, url)

	buf := make([]byte, 64)
	if _, err := c.Recv(buf, 5*time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if c.Connected() {
		t.Fatal("expected disconnected after close frame")
	}
	if err := c.SendAudio([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

// rawServer accepts one connection, consumes the upgrade request and hands
// the socket to handle.
func rawServer(t *testing.T, handle func(c net.Conn, br *bufio.Reader)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		if req.Header.Get("Sec-WebSocket-Key") != HandshakeKey {
			return
		}
		handle(c, br)
	}()
	return "ws://" + ln.Addr().String() + "/stream"
}

func serverFrame(b0 byte, payload []byte) []byte {
	out := []byte{b0}
	if len(payload) < 126 {
		out = append(out, byte(len(payload)))
	} else {
		out = append(out, 126)
		out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	}
	return append(out, payload...)
}

func readClientFrame(br *bufio.Reader) (byte, []byte, [4]byte, error) {
	var key [4]byte
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return 0, nil, key, err
	}
	length := int(hdr[1] & 0x7F)
	switch length {
	case 126:
		ext := make([]byte, 2)
		if _, err := io.ReadFull(br, ext); err != nil {
			return 0, nil, key, err
		}
		length = int(binary.BigEndian.Uint16(ext))
	case 127:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(br, ext); err != nil {
			return 0, nil, key, err
		}
		length = int(binary.BigEndian.Uint32(ext[4:]))
	}
	if _, err := io.ReadFull(br, key[:]); err != nil {
		return 0, nil, key, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(br, payload); err != nil {
		return 0, nil, key, err
	}
	MaskBytes(payload, payload, key, 0)
	return hdr[0], payload, key, nil
}

func TestHandshakeRejected(t *testing.T) {
	url := rawServer(t, func(c net.Conn, _ *bufio.Reader) {
		_, _ = c.Write([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n"))
	})
	c, err := New(url, transport.TCPDialer{Timeout: time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = c.Connect(context.Background())
	if !voiceerr.Is(err, voiceerr.KindProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if c.State() != StateDisconnected || c.Connected() {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected reuse to fail")
	}
}

func TestCoalescedHandshakeAndAck(t *testing.T) {
	url := rawServer(t, func(c net.Conn, br *bufio.Reader) {
		resp := append([]byte(switching), serverFrame(0x81, []byte("SERVER_READY"))...)
		_, _ = c.Write(resp)
		_, _, _, _ = readClientFrame(br)
		_, _ = io.Copy(io.Discard, br)
	})
	c := dial(t, url)
	if c.Ack() != "SERVER_READY" {
		t.Fatalf("ack lost after handshake, got %q", c.Ack())
	}
}

func TestMissingAckProceeds(t *testing.T) {
	url := rawServer(t, func(c net.Conn, br *bufio.Reader) {
		_, _ = c.Write([]byte(switching))
		_, _ = io.Copy(io.Discard, br)
	})
	c := dial(t, url, WithAckTimeout(50*time.Millisecond))
	if !c.Connected() || c.Ack() != "" {
		t.Fatalf("expected connected without ack, state=%s ack=%q", c.State(), c.Ack())
	}
}

func TestFragmentedFrameRejected(t *testing.T) {
	url := rawServer(t, func(c net.Conn, br *bufio.Reader) {
		_, _ = c.Write([]byte(switching))
		_, _, _, _ = readClientFrame(br)
		_, _ = c.Write(serverFrame(0x01, []byte("abc")))
		_, _ = io.Copy(io.Discard, br)
	})
	c := dial(t, url, WithAckTimeout(0))
	buf := make([]byte, 16)
	if _, err := c.Recv(buf, time.Second); !voiceerr.Is(err, voiceerr.KindProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestTruncatesAndStaysAligned(t *testing.T) {
	url := rawServer(t, func(c net.Conn, br *bufio.Reader) {
		_, _ = c.Write([]byte(switching))
		_, _, _, _ = readClientFrame(br)
		frames := append(serverFrame(0x81, []byte("abcdefghij")), serverFrame(0x81, []byte("xy"))...)
		_, _ = c.Write(frames)
		_, _ = io.Copy(io.Discard, br)
	})
	c := dial(t, url, WithAckTimeout(0))
	buf := make([]byte, 4)
	n, err := c.Recv(buf, time.Second)
	if err != nil || string(buf[:n]) != "abcd" {
		t.Fatalf("expected truncated abcd, got %q err=%v", buf[:n], err)
	}
	n, err = c.Recv(buf, time.Second)
	if err != nil || string(buf[:n]) != "xy" {
		t.Fatalf("expected xy, got %q err=%v", buf[:n], err)
	}
}

func TestDisconnectSendsNormalClose(t *testing.T) {
	got := make(chan []byte, 1)
	url := rawServer(t, func(c net.Conn, br *bufio.Reader) {
		_, _ = c.Write([]byte(switching))
		_, _, _, _ = readClientFrame(br)
		b0, payload, _, err := readClientFrame(br)
		if err != nil || b0 != 0x88 {
			got <- nil
			return
		}
		got <- payload
	})
	c, err := New(url, transport.TCPDialer{Timeout: time.Second}, WithAckTimeout(0), WithMask(func() [4]byte { return [4]byte{1, 2, 3, 4} }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	start := time.Now()
	_ = c.Disconnect()
	if time.Since(start) > time.Second {
		t.Fatal("disconnect drain not bounded")
	}
	select {
	case payload := <-got:
		if !bytes.Equal(payload, []byte{0x03, 0xE8}) {
			t.Fatalf("expected status 1000, got %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw close frame")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
}
