package protocol

import "time"

// AudioFrame represents microphone PCM streamed into the recognizer.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// LLMRequest asks the chat backend for the avatar's reply to a prompt.
type LLMRequest struct {
	SessionID   string    `json:"session_id"`
	Prompt      string    `json:"prompt"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// LLMResponse carries generated text. Partial responses are deltas; the final
// response carries the whole reply.
type LLMResponse struct {
	SessionID        string    `json:"session_id"`
	Content          string    `json:"content"`
	Partial          bool      `json:"partial"`
	Model            string    `json:"model,omitempty"`
	TraceID          string    `json:"trace_id,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	LatencyMS        int64     `json:"latency_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

// TTSRequest asks the avatar to speak text, preempting anything it is saying.
type TTSRequest struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Target    string    `json:"target,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSStop silences the avatar. An empty SessionID stops whatever is playing.
type TTSStop struct {
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSStatus reports a speech session state change.
type TTSStatus struct {
	SessionID       string    `json:"session_id"`
	Target          string    `json:"target,omitempty"`
	Generation      uint64    `json:"generation"`
	State           string    `json:"state"`
	Error           string    `json:"error,omitempty"`
	Samples         uint64    `json:"samples"`
	MalformedChunks uint64    `json:"malformed_chunks"`
	Evicted         uint64    `json:"evicted_samples"`
	Buffered        int       `json:"buffered_samples"`
	Completed       bool      `json:"completed"`
	PlayedOut       bool      `json:"played_out,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"

	SubjectLLMRequest         = "llm.request"
	SubjectLLMResponsePartial = "llm.response.partial"
	SubjectLLMResponseFinal   = "llm.response.final"

	SubjectTTSRequest = "tts.request"
	SubjectTTSStop    = "tts.stop"
	SubjectTTSStatus  = "tts.status"
	SubjectTTSDone    = "tts.done"
)
