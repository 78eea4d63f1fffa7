package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel         string  `yaml:"log_level"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	Capture     CaptureConfig    `yaml:"capture"`
	VAD         VADConfig        `yaml:"vad"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	HeartbeatMS    int      `yaml:"heartbeat_interval_ms"`
	HeartbeatTTLMS int      `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxTurns      int    `yaml:"max_turns"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig selects the audio device. Mode "file" captures from Input
// (a WAV file) and writes each playback to OutputDir; "memory" captures
// silence and discards playback.
type AudioConfig struct {
	Mode      string `yaml:"mode"`
	Input     string `yaml:"input"`
	OutputDir string `yaml:"output_dir"`
	RealTime  bool   `yaml:"real_time"`
}

type CaptureConfig struct {
	TriggerWindowMS   int  `yaml:"trigger_window_ms"`
	TriggerThreshold  int  `yaml:"trigger_threshold"`
	OverlapCapacityMS int  `yaml:"overlap_capacity_ms"`
	OverlapEstimateMS int  `yaml:"overlap_estimate_ms"`
	MaxRecordingMS    int  `yaml:"max_recording_ms"`
	IdleDelayMS       int  `yaml:"idle_delay_ms"`
	Endpointing       bool `yaml:"endpointing"`
}

type VADConfig struct {
	SilenceThreshold int `yaml:"silence_threshold"`
	FrameMS          int `yaml:"frame_ms"`
	SilenceMS        int `yaml:"silence_ms"`
	MinSpeechMS      int `yaml:"min_speech_ms"`
}

type STTConfig struct {
	URL              string `yaml:"url"`
	UID              string `yaml:"uid"`
	Language         string `yaml:"language"`
	Task             string `yaml:"task"`
	Model            string `yaml:"model"`
	UseVAD           bool   `yaml:"use_vad"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	AckTimeoutMS     int    `yaml:"ack_timeout_ms"`
	ChunkMS          int    `yaml:"chunk_ms"`
	BatchChunks      int    `yaml:"batch_chunks"`
	SpeechThreshold  int    `yaml:"speech_threshold"`
	SilenceThreshold int    `yaml:"silence_threshold"`
	FinalMinMS       int    `yaml:"final_min_ms"`
	FinalMaxMS       int    `yaml:"final_max_ms"`
}

type LLMConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Mode         string  `yaml:"mode"` // mock, openai, exec
	Endpoint     string  `yaml:"endpoint"`
	APIKey       string  `yaml:"api_key"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TimeoutMS    int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	ReferenceID string `yaml:"reference_id"`
	SampleRate  int    `yaml:"sample_rate"`
	ChunkLength int    `yaml:"chunk_length"`
	Volume      int    `yaml:"volume"`
	ReadTimeout int    `yaml:"read_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-satellite",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8088,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			TraceExporter:    "auto",
			TraceSampleRatio: 1,
			PrometheusBind:   ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "satellite",
			HeartbeatMS:    2000,
			HeartbeatTTLMS: 6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-satellite.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxTurns:      10000,
		},
		Audio: AudioConfig{
			Mode:      "memory",
			OutputDir: "./data/playback",
			RealTime:  true,
		},
		Capture: CaptureConfig{
			TriggerWindowMS:   2000,
			TriggerThreshold:  2000,
			OverlapCapacityMS: 4000,
			OverlapEstimateMS: 2000,
			MaxRecordingMS:    30000,
			IdleDelayMS:       500,
			Endpointing:       false,
		},
		VAD: VADConfig{
			SilenceThreshold: 150,
			FrameMS:          30,
			SilenceMS:        800,
			MinSpeechMS:      300,
		},
		STT: STTConfig{
			URL:              "ws://localhost:9090/",
			Language:         "en",
			Task:             "transcribe",
			Model:            "small",
			UseVAD:           true,
			ConnectTimeoutMS: 10000,
			AckTimeoutMS:     5000,
			ChunkMS:          250,
			BatchChunks:      4,
			SpeechThreshold:  180,
			SilenceThreshold: 150,
			FinalMinMS:       20000,
			FinalMaxMS:       60000,
		},
		LLM: LLMConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "https://api.deepseek.com/chat/completions",
			Model:       "deepseek-chat",
			MaxTokens:   256,
			Temperature: 0.7,
			TimeoutMS:   30000,
		},
		TTS: TTSConfig{
			Enabled:     false,
			URL:         "http://localhost:8080/v1/tts",
			ReferenceID: "kill",
			SampleRate:  16000,
			ChunkLength: 200,
			Volume:      50,
			ReadTimeout: 60000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideInt(&cfg.Bus.HeartbeatMS, "LOQA_BUS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Bus.HeartbeatTTLMS, "LOQA_BUS_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxTurns, "LOQA_EVENT_STORE_MAX_TURNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Mode, "LOQA_AUDIO_MODE")
	overrideString(&cfg.Audio.Input, "LOQA_AUDIO_INPUT")
	overrideString(&cfg.Audio.OutputDir, "LOQA_AUDIO_OUTPUT_DIR")
	overrideBool(&cfg.Audio.RealTime, "LOQA_AUDIO_REAL_TIME")
	overrideInt(&cfg.Capture.TriggerWindowMS, "LOQA_CAPTURE_TRIGGER_WINDOW_MS")
	overrideInt(&cfg.Capture.TriggerThreshold, "LOQA_CAPTURE_TRIGGER_THRESHOLD")
	overrideInt(&cfg.Capture.OverlapCapacityMS, "LOQA_CAPTURE_OVERLAP_CAPACITY_MS")
	overrideInt(&cfg.Capture.OverlapEstimateMS, "LOQA_CAPTURE_OVERLAP_ESTIMATE_MS")
	overrideInt(&cfg.Capture.MaxRecordingMS, "LOQA_CAPTURE_MAX_RECORDING_MS")
	overrideInt(&cfg.Capture.IdleDelayMS, "LOQA_CAPTURE_IDLE_DELAY_MS")
	overrideBool(&cfg.Capture.Endpointing, "LOQA_CAPTURE_ENDPOINTING")
	overrideInt(&cfg.VAD.SilenceThreshold, "LOQA_VAD_SILENCE_THRESHOLD")
	overrideInt(&cfg.VAD.FrameMS, "LOQA_VAD_FRAME_MS")
	overrideInt(&cfg.VAD.SilenceMS, "LOQA_VAD_SILENCE_MS")
	overrideInt(&cfg.VAD.MinSpeechMS, "LOQA_VAD_MIN_SPEECH_MS")
	overrideString(&cfg.STT.URL, "LOQA_STT_URL")
	overrideString(&cfg.STT.UID, "LOQA_STT_UID")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Task, "LOQA_STT_TASK")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideBool(&cfg.STT.UseVAD, "LOQA_STT_USE_VAD")
	overrideInt(&cfg.STT.ConnectTimeoutMS, "LOQA_STT_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.STT.AckTimeoutMS, "LOQA_STT_ACK_TIMEOUT_MS")
	overrideInt(&cfg.STT.ChunkMS, "LOQA_STT_CHUNK_MS")
	overrideInt(&cfg.STT.BatchChunks, "LOQA_STT_BATCH_CHUNKS")
	overrideInt(&cfg.STT.SpeechThreshold, "LOQA_STT_SPEECH_THRESHOLD")
	overrideInt(&cfg.STT.SilenceThreshold, "LOQA_STT_SILENCE_THRESHOLD")
	overrideInt(&cfg.STT.FinalMinMS, "LOQA_STT_FINAL_MIN_MS")
	overrideInt(&cfg.STT.FinalMaxMS, "LOQA_STT_FINAL_MAX_MS")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.SystemPrompt, "LOQA_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.URL, "LOQA_TTS_URL")
	overrideString(&cfg.TTS.ReferenceID, "LOQA_TTS_REFERENCE_ID")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.ChunkLength, "LOQA_TTS_CHUNK_LENGTH")
	overrideInt(&cfg.TTS.Volume, "LOQA_TTS_VOLUME")
	overrideInt(&cfg.TTS.ReadTimeout, "LOQA_TTS_READ_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
		if cfg.Bus.HeartbeatMS <= 0 {
			return errors.New("bus.heartbeat_interval_ms must be positive")
		}
		if cfg.Bus.HeartbeatTTLMS <= cfg.Bus.HeartbeatMS {
			return errors.New("bus.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "auto", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of auto|otlp|stdout|none")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.trace_exporter otlp needs telemetry.otlp_endpoint")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	switch cfg.Audio.Mode {
	case "memory", "file":
	default:
		return errors.New("audio.mode must be one of memory|file")
	}
	if cfg.Capture.TriggerWindowMS <= 0 {
		return errors.New("capture.trigger_window_ms must be positive")
	}
	if cfg.Capture.TriggerThreshold < 0 {
		return errors.New("capture.trigger_threshold must be >= 0")
	}
	if cfg.Capture.OverlapCapacityMS <= 0 {
		return errors.New("capture.overlap_capacity_ms must be positive")
	}
	if cfg.Capture.OverlapEstimateMS <= 0 || cfg.Capture.OverlapEstimateMS > cfg.Capture.OverlapCapacityMS {
		return errors.New("capture.overlap_estimate_ms must be positive and no larger than overlap_capacity_ms")
	}
	if cfg.Capture.MaxRecordingMS <= 0 {
		return errors.New("capture.max_recording_ms must be positive")
	}
	if cfg.Capture.IdleDelayMS < 0 {
		return errors.New("capture.idle_delay_ms must be >= 0")
	}
	if cfg.VAD.FrameMS <= 0 {
		return errors.New("vad.frame_ms must be positive")
	}
	if cfg.VAD.SilenceMS <= 0 || cfg.VAD.MinSpeechMS < 0 {
		return errors.New("vad.silence_ms must be positive and vad.min_speech_ms >= 0")
	}
	if !strings.HasPrefix(cfg.STT.URL, "ws://") {
		return errors.New("stt.url must be a ws:// url")
	}
	if cfg.STT.ChunkMS <= 0 {
		return errors.New("stt.chunk_ms must be positive")
	}
	if cfg.STT.BatchChunks < 1 {
		return errors.New("stt.batch_chunks must be >= 1")
	}
	if cfg.STT.SilenceThreshold > cfg.STT.SpeechThreshold {
		return errors.New("stt.silence_threshold must not exceed stt.speech_threshold")
	}
	if cfg.STT.FinalMinMS <= 0 || cfg.STT.FinalMaxMS < cfg.STT.FinalMinMS {
		return errors.New("stt.final_min_ms must be positive and no larger than stt.final_max_ms")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "openai", "exec":
		default:
			return errors.New("llm.mode must be one of mock|openai|exec")
		}
		if cfg.LLM.Mode == "openai" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=openai")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if cfg.TTS.Enabled {
		if !strings.HasPrefix(cfg.TTS.URL, "http://") && !strings.HasPrefix(cfg.TTS.URL, "https://") {
			return errors.New("tts.url must be an http:// or https:// url")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Volume < 0 || cfg.TTS.Volume > 100 {
			return errors.New("tts.volume must be between 0 and 100")
		}
	}
	return nil
}
