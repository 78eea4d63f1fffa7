package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/loqalabs/loqa-satellite/internal/audio"
	"github.com/loqalabs/loqa-satellite/internal/transport"
	"github.com/loqalabs/loqa-satellite/internal/voiceerr"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type captured struct {
	method  string
	path    string
	host    string
	headers http.Header
	body    []byte
}

// serve answers a single request with response and closes the connection.
func serve(t *testing.T, response []byte) (string, <-chan captured) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	reqs := make(chan captured, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		body, _ := io.ReadAll(req.Body)
		reqs <- captured{method: req.Method, path: req.URL.Path, host: req.Host, headers: req.Header, body: body}
		_, _ = conn.Write(response)
	}()
	return fmt.Sprintf("http://%s/v1/tts", ln.Addr().String()), reqs
}

// wavHeader builds a RIFF header whose data subchunk follows a fmt chunk
// of fmtSize bytes and the optional extra chunk bytes.
func wavHeader(channels, rate, fmtSize int, extra []byte, dataLen int) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+dataLen))
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(fmtSize))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate*channels*2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels*2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.Write(make([]byte, fmtSize-16))
	b.Write(extra)
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(dataLen))
	return b.Bytes()
}

func listChunk() []byte {
	payload := []byte("INFOISFT\x0e\x00\x00\x00Lavf60.16.100\x00")
	var b bytes.Buffer
	b.WriteString("LIST")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(payload)))
	b.Write(payload)
	return b.Bytes()
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + 3)
	}
	return out
}

func stereoOf(mono []byte) []byte {
	out := make([]byte, len(mono)*2)
	return out[:audio.MonoToStereo16(out, mono)]
}

func okResponse(body []byte) []byte {
	return append([]byte("HTTP/1.1 200 OK\r\nContent-Type: audio/wav\r\nConnection: close\r\n\r\n"), body...)
}

func newEngine(t *testing.T, url string, dev audio.Device, tweak func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.SettleDelay = 0
	cfg.FadeInterval = 0
	cfg.MuteDelay = 0
	cfg.CompletionTimeout = 50 * time.Millisecond
	cfg.ReadTimeout = 2 * time.Second
	if tweak != nil {
		tweak(&cfg)
	}
	e, err := New(cfg, dev, newLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func assertRestored(t *testing.T, dev *audio.MemoryDevice) {
	t.Helper()
	if dev.Mode() != audio.ModeCapture || dev.SampleRate() != 16000 || dev.Playing() {
		t.Fatalf("device not restored: mode=%s rate=%d playing=%v", dev.Mode(), dev.SampleRate(), dev.Playing())
	}
	vols := dev.Volumes()
	if len(vols) == 0 || vols[len(vols)-1] != 0 {
		t.Fatalf("output not muted on exit: %v", vols)
	}
}

func TestChunkedBodyDecodesPayload(t *testing.T) {
	header := wavHeader(1, 16000, 16, nil, 5)
	body := fmt.Sprintf("%x\r\n%s\r\n5\r\nHELLO\r\n0\r\n\r\n", len(header), header)
	resp := append([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: Chunked\r\n\r\n"), body...)

	url, _ := serve(t, resp)
	dev := audio.NewMemoryDevice(nil)
	st, err := newEngine(t, url, dev, nil).Speak(context.Background(), "hello")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if !st.Chunked || st.PayloadBytes != 5 {
		t.Fatalf("expected 5 chunked payload bytes, got %+v", st)
	}
	if got, want := dev.Played(), stereoOf([]byte("HELL")); !bytes.Equal(got, want) {
		t.Fatalf("expected %q played, got %q", want, got)
	}
	assertRestored(t, dev)
}

func TestMalformedChunkSizeFailsAfterFlush(t *testing.T) {
	header := wavHeader(1, 16000, 16, nil, 6)
	body := fmt.Sprintf("%x\r\n%sABCDEF\r\nZZZ\r\n", len(header)+6, header)
	resp := append([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"), body...)

	url, _ := serve(t, resp)
	dev := audio.NewMemoryDevice(nil)
	st, err := newEngine(t, url, dev, nil).Speak(context.Background(), "hello")
	if !voiceerr.Is(err, voiceerr.KindProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if st.PayloadBytes != 6 {
		t.Fatalf("expected 6 payload bytes, got %+v", st)
	}
	if got, want := dev.Played(), stereoOf([]byte("ABCDEF")); !bytes.Equal(got, want) {
		t.Fatalf("expected buffered audio flushed, got %q", got)
	}
	assertRestored(t, dev)
}

func TestBodyReaderStripsChunkFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go func() {
		_, _ = server.Write([]byte("4\r\nRIFF\r\n5;ext=1\r\nHELLO\r\n0\r\n\r\n"))
		server.Close()
	}()
	br := newBodyReader(transport.NewConn(client, time.Second), true, time.Second)
	got, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != "RIFFHELLO" {
		t.Fatalf("expected RIFFHELLO, got %q", got)
	}
}

func TestDataChunkLocatedByScanning(t *testing.T) {
	cases := []struct {
		name    string
		header  []byte
		offset  int
		payload int
	}{
		{name: "canonical", header: wavHeader(1, 16000, 16, nil, 4196), offset: 44, payload: 4196},
		{name: "fmt-18", header: wavHeader(1, 16000, 18, nil, 4196), offset: 46, payload: 4196},
		{name: "list-chunk", header: wavHeader(1, 16000, 16, listChunk(), 9000), offset: 44 + len(listChunk()), payload: 9000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := pattern(tc.payload)
			url, _ := serve(t, okResponse(append(append([]byte(nil), tc.header...), payload...)))
			dev := audio.NewMemoryDevice(nil)
			st, err := newEngine(t, url, dev, nil).Speak(context.Background(), "scan")
			if err != nil {
				t.Fatalf("speak: %v", err)
			}
			if st.DataOffset != tc.offset {
				t.Fatalf("expected data offset %d, got %d", tc.offset, st.DataOffset)
			}
			if st.PayloadBytes != tc.payload {
				t.Fatalf("expected %d payload bytes, got %d", tc.payload, st.PayloadBytes)
			}
			if !bytes.Equal(dev.Played(), stereoOf(payload)) {
				t.Fatal("played audio differs from payload")
			}
			assertRestored(t, dev)
		})
	}
}

func TestStereoStreamRetargetsRate(t *testing.T) {
	payload := pattern(5000)
	url, _ := serve(t, okResponse(append(wavHeader(2, 48000, 16, nil, len(payload)), payload...)))
	dev := audio.NewMemoryDevice(nil)
	st, err := newEngine(t, url, dev, nil).Speak(context.Background(), "stereo")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if st.Channels != 2 || st.SampleRate != 48000 {
		t.Fatalf("unexpected format %+v", st)
	}
	if !bytes.Equal(dev.Played(), payload[:5000-5000%4]) {
		t.Fatal("stereo payload not played as is")
	}
	rates := dev.Rates()
	if len(rates) != 2 || rates[0] != 48000 || rates[1] != 16000 {
		t.Fatalf("expected retarget then restore, got %v", rates)
	}
	vols := dev.Volumes()
	want := []int{0, 0, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 50, 0}
	if fmt.Sprint(vols) != fmt.Sprint(want) {
		t.Fatalf("expected fade %v, got %v", want, vols)
	}
}

func TestMissingRIFFRestoresDevice(t *testing.T) {
	url, _ := serve(t, okResponse(bytes.Repeat([]byte("JUNK"), 20)))
	dev := audio.NewMemoryDevice(nil)
	_, err := newEngine(t, url, dev, nil).Speak(context.Background(), "bad")
	if !voiceerr.Is(err, voiceerr.KindProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if dev.Plays() != 0 {
		t.Fatal("nothing should be played")
	}
	assertRestored(t, dev)
}

func TestNon2xxStatusFails(t *testing.T) {
	url, _ := serve(t, []byte("HTTP/1.1 503 Service Unavailable\r\nContent-Length: 0\r\n\r\n"))
	dev := audio.NewMemoryDevice(nil)
	_, err := newEngine(t, url, dev, nil).Speak(context.Background(), "busy")
	if !voiceerr.Is(err, voiceerr.KindProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	assertRestored(t, dev)
}

func TestDroppedCompletionsDoNotStall(t *testing.T) {
	payload := pattern(3*4096 + 10)
	url, _ := serve(t, okResponse(append(wavHeader(1, 16000, 16, nil, len(payload)), payload...)))
	dev := audio.NewMemoryDevice(nil)
	dev.DropCompletions = true
	e := newEngine(t, url, dev, func(c *Config) { c.CompletionTimeout = 20 * time.Millisecond })

	start := time.Now()
	st, err := e.Speak(context.Background(), "stall")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if st.BuffersPlayed != 4 || st.CompletionTimeouts != 4 {
		t.Fatalf("expected 4 buffers and 4 timeouts, got %+v", st)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("playback stalled on missing completions")
	}
	if !bytes.Equal(dev.Played(), stereoOf(payload[:len(payload)-len(payload)%2])) {
		t.Fatal("played audio differs from payload")
	}
}

func TestRequestCarriesSynthesisFields(t *testing.T) {
	payload := pattern(100)
	url, reqs := serve(t, okResponse(append(wavHeader(1, 16000, 16, nil, len(payload)), payload...)))
	dev := audio.NewMemoryDevice(nil)
	if _, err := newEngine(t, url, dev, nil).Speak(context.Background(), "good morning"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	req := <-reqs
	if req.method != http.MethodPost || req.path != "/v1/tts" {
		t.Fatalf("unexpected request line %s %s", req.method, req.path)
	}
	if req.headers.Get("Content-Type") != "application/json" || req.headers.Get("Connection") != "close" {
		t.Fatalf("unexpected headers %v", req.headers)
	}
	var got map[string]any
	if err := json.Unmarshal(req.body, &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got["text"] != "good morning" || got["format"] != "wav" || got["reference_id"] != "kill" {
		t.Fatalf("unexpected body %v", got)
	}
	if got["sample_rate"] != float64(16000) || got["chunk_length"] != float64(200) || got["normalize"] != true {
		t.Fatalf("unexpected body %v", got)
	}
	if refs, ok := got["references"].([]any); !ok || len(refs) != 0 {
		t.Fatalf("expected empty references, got %v", got["references"])
	}
}

func TestEmptyTextAndBadURL(t *testing.T) {
	dev := audio.NewMemoryDevice(nil)
	e := newEngine(t, "http://localhost:8080/v1/tts", dev, nil)
	if _, err := e.Speak(context.Background(), "  "); !voiceerr.Is(err, voiceerr.KindApplication) {
		t.Fatalf("expected application error, got %v", err)
	}
	if dev.Plays() != 0 || len(dev.Volumes()) != 0 {
		t.Fatal("device touched for empty text")
	}

	cfg := DefaultConfig()
	cfg.URL = "ftp://tts.local/v1/tts"
	if _, err := New(cfg, dev, newLogger()); !voiceerr.Is(err, voiceerr.KindApplication) {
		t.Fatalf("expected application error for scheme, got %v", err)
	}
	tg, err := parseTarget("https://api.example.com/v1/tts?voice=a")
	if err != nil || !tg.secure || tg.port != 443 || tg.path != "/v1/tts?voice=a" {
		t.Fatalf("unexpected https target %+v (%v)", tg, err)
	}
}
