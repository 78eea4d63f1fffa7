package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-satellite/internal/assistant"
	"github.com/loqalabs/loqa-satellite/internal/audio"
	"github.com/loqalabs/loqa-satellite/internal/bus"
	"github.com/loqalabs/loqa-satellite/internal/capability"
	"github.com/loqalabs/loqa-satellite/internal/capture"
	"github.com/loqalabs/loqa-satellite/internal/config"
	"github.com/loqalabs/loqa-satellite/internal/eventstore"
	"github.com/loqalabs/loqa-satellite/internal/llm"
	"github.com/loqalabs/loqa-satellite/internal/natsserver"
	"github.com/loqalabs/loqa-satellite/internal/stt"
	"github.com/loqalabs/loqa-satellite/internal/transport"
	"github.com/loqalabs/loqa-satellite/internal/tts"
	"github.com/loqalabs/loqa-satellite/internal/vad"
	"github.com/loqalabs/loqa-satellite/internal/wsclient"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	registry    *capability.Registry
	store       *eventstore.Store
	ready       atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) (err error) {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer func() {
		err = errors.Join(err, r.shutdown())
	}()

	if err := r.startBus(ctx); err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	dev, err := openDevice(r.cfg.Audio)
	if err != nil {
		return fmt.Errorf("open audio device: %w", err)
	}
	svc, err := r.newAssistant(dev)
	if err != nil {
		return err
	}
	controller, err := capture.New(captureConfig(r.cfg.Capture), dev, r.sessionFactory(), vadConfig(r.cfg.VAD), r.logger)
	if err != nil {
		return fmt.Errorf("create capture controller: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/turns", r.handleTurns)
	mux.HandleFunc("/satellites", r.handleSatellites)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	serve(gctx, g, r.httpServer)
	if r.metricsSrv != nil {
		serve(gctx, g, r.metricsSrv)
	}
	g.Go(func() error {
		err := controller.Run(gctx, svc.Handle)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("stt", r.cfg.STT.URL))

	err = g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return err
}

func serve(ctx context.Context, g *errgroup.Group, srv *http.Server) {
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "natsserver")))
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.bus = client

	registry, err := capability.NewRegistry(ctx, capability.Config{
		DeviceID:      r.cfg.RuntimeName,
		SubjectPrefix: busCfg.SubjectPrefix,
		Capabilities:  localCapabilities(r.cfg),
		Interval:      millis(busCfg.HeartbeatMS),
		Timeout:       millis(busCfg.HeartbeatTTLMS),
	}, client, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

func localCapabilities(cfg config.Config) []capability.Capability {
	caps := []capability.Capability{{
		Name:       "stt",
		Attributes: map[string]string{"url": cfg.STT.URL, "language": cfg.STT.Language},
	}}
	if cfg.LLM.Enabled {
		caps = append(caps, capability.Capability{
			Name:       "llm",
			Attributes: map[string]string{"mode": cfg.LLM.Mode, "model": cfg.LLM.Model},
		})
	}
	if cfg.TTS.Enabled {
		caps = append(caps, capability.Capability{
			Name:       "tts",
			Attributes: map[string]string{"sample_rate": strconv.Itoa(cfg.TTS.SampleRate)},
		})
	}
	return caps
}

func (r *Runtime) newAssistant(dev audio.Device) (*assistant.Service, error) {
	gen, err := newGenerator(r.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm generator: %w", err)
	}
	var speaker assistant.Speaker
	if r.cfg.TTS.Enabled {
		engine, err := tts.New(ttsConfig(r.cfg.TTS), dev, r.logger)
		if err != nil {
			return nil, fmt.Errorf("create tts engine: %w", err)
		}
		speaker = engine
	}
	var pub assistant.Publisher
	if r.bus != nil {
		pub = r.bus
	}
	return assistant.NewService(assistant.Config{
		DeviceID:      r.cfg.RuntimeName,
		SubjectPrefix: r.cfg.Bus.SubjectPrefix,
		SystemPrompt:  r.cfg.LLM.SystemPrompt,
		Model:         r.cfg.LLM.Model,
		MaxTokens:     r.cfg.LLM.MaxTokens,
		Temperature:   r.cfg.LLM.Temperature,
	}, gen, speaker, r.store, pub, r.logger), nil
}

// sessionFactory builds a fresh WebSocket client and STT session for every
// trigger. The uid is fixed for the lifetime of the process.
func (r *Runtime) sessionFactory() capture.SessionFactory {
	sc := r.cfg.STT
	uid := sc.UID
	if uid == "" {
		uid = uuid.NewString()
	}
	sttCfg := sttConfig(sc)
	dialer := transport.TCPDialer{
		Timeout:      millis(sc.ConnectTimeoutMS),
		WriteTimeout: 5 * time.Second,
	}
	logger := r.logger
	return func() (capture.Session, error) {
		client, err := wsclient.New(sc.URL, dialer,
			wsclient.WithLogger(logger),
			wsclient.WithConnectTimeout(millis(sc.ConnectTimeoutMS)),
			wsclient.WithAckTimeout(millis(sc.AckTimeoutMS)),
			wsclient.WithSessionConfig(wsclient.SessionConfig{
				UID:      uid,
				Language: sc.Language,
				Task:     sc.Task,
				Model:    sc.Model,
				UseVAD:   sc.UseVAD,
			}),
		)
		if err != nil {
			return nil, err
		}
		sess, err := stt.NewSession(client, sttCfg, logger)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown releases resources in dependency order: registry, bus,
// embedded server, event store, then telemetry.
func (r *Runtime) shutdown() error {
	var errs []error
	if r.registry != nil {
		r.registry.Close()
	}
	r.bus.Close()
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	if r.tracerClose != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleTurns(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	turns, err := r.store.RecentTurns(req.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if turns == nil {
		turns = []eventstore.Turn{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(turns)
}

func (r *Runtime) handleSatellites(w http.ResponseWriter, _ *http.Request) {
	sats := []capability.Satellite{}
	if r.registry != nil {
		if known := r.registry.Query(nil); known != nil {
			sats = known
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sats)
}

func openDevice(cfg config.AudioConfig) (audio.Device, error) {
	var opts []audio.MemoryOption
	if cfg.RealTime {
		opts = append(opts, audio.WithPace())
	}
	if cfg.Mode == "file" {
		dev, err := audio.OpenFileDevice(cfg.Input, cfg.OutputDir, opts...)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
	return audio.NewMemoryDevice(nil, opts...), nil
}

func newGenerator(cfg config.LLMConfig) (llm.Generator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "openai":
		return llm.NewChatGenerator(cfg.Endpoint, cfg.APIKey, cfg.Model, millis(cfg.TimeoutMS)), nil
	case "exec":
		return llm.NewExecGenerator(cfg.Command)
	default:
		return llm.NewMockGenerator(), nil
	}
}

func captureConfig(c config.CaptureConfig) capture.Config {
	cfg := capture.DefaultConfig()
	cfg.TriggerWindow = millis(c.TriggerWindowMS)
	cfg.TriggerThreshold = uint32(c.TriggerThreshold)
	cfg.OverlapCapacity = millis(c.OverlapCapacityMS)
	cfg.OverlapEstimate = millis(c.OverlapEstimateMS)
	cfg.MaxRecording = millis(c.MaxRecordingMS)
	cfg.IdleDelay = millis(c.IdleDelayMS)
	cfg.Endpointing = c.Endpointing
	return cfg
}

func vadConfig(c config.VADConfig) vad.Config {
	cfg := vad.DefaultConfig()
	cfg.SilenceThreshold = uint32(c.SilenceThreshold)
	cfg.FrameDuration = millis(c.FrameMS)
	cfg.SilenceDuration = millis(c.SilenceMS)
	cfg.MinSpeech = millis(c.MinSpeechMS)
	return cfg
}

func sttConfig(c config.STTConfig) stt.Config {
	cfg := stt.DefaultConfig()
	cfg.ChunkDuration = millis(c.ChunkMS)
	cfg.BatchChunks = c.BatchChunks
	cfg.SpeechThreshold = uint32(c.SpeechThreshold)
	cfg.SilenceThreshold = uint32(c.SilenceThreshold)
	cfg.FinalMin = millis(c.FinalMinMS)
	cfg.FinalMax = millis(c.FinalMaxMS)
	return cfg
}

func ttsConfig(c config.TTSConfig) tts.Config {
	cfg := tts.DefaultConfig()
	cfg.URL = c.URL
	cfg.ReferenceID = c.ReferenceID
	cfg.SampleRate = c.SampleRate
	cfg.ChunkLength = c.ChunkLength
	cfg.Volume = c.Volume
	cfg.ReadTimeout = millis(c.ReadTimeout)
	return cfg
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
