package protocol

import "time"

// Transcript is the final STT text of a triggered listen.
type Transcript struct {
	TurnID     string    `json:"turn_id"`
	DeviceID   string    `json:"device_id"`
	Text       string    `json:"text"`
	Energy     uint32    `json:"trigger_energy"`
	StopReason string    `json:"stop_reason"`
	BytesSent  int       `json:"bytes_sent"`
	Timestamp  time.Time `json:"timestamp"`
}

// AssistantReply is the generated answer to a transcript.
type AssistantReply struct {
	TurnID           string        `json:"turn_id"`
	DeviceID         string        `json:"device_id"`
	Text             string        `json:"text"`
	Model            string        `json:"model,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Latency          time.Duration `json:"latency_ns"`
	TraceID          string        `json:"trace_id,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

// PlaybackStatus reports how a reply was played.
type PlaybackStatus struct {
	TurnID             string    `json:"turn_id"`
	DeviceID           string    `json:"device_id"`
	SampleRate         int       `json:"sample_rate"`
	Channels           int       `json:"channels"`
	PayloadBytes       int       `json:"payload_bytes"`
	BuffersPlayed      int       `json:"buffers_played"`
	CompletionTimeouts int       `json:"completion_timeouts"`
	Error              string    `json:"error,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

const (
	SubjectTranscript = "stt.text.final"
	SubjectReply      = "assistant.reply"
	SubjectPlayback   = "tts.playback"
)

// Subject scopes a subject to one satellite: prefix.device.subject.
func Subject(prefix, deviceID, subject string) string {
	return prefix + "." + deviceID + "." + subject
}
