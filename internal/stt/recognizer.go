package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

// Result is what a recognizer heard in a span of microphone audio.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer turns 16-bit PCM into text. final marks the last call for an
// utterance; earlier calls may return rougher partial hypotheses.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int, final bool) (Result, error)
}

// NewRecognizer picks the backend named by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		return MockRecognizer{}, nil
	case "exec":
		rec, err := NewExecRecognizer(cfg)
		if err != nil {
			return nil, err
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

// MockRecognizer reports how much audio it was given instead of words.
type MockRecognizer struct{}

func (MockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate, channels int, final bool) (Result, error) {
	kind := "partial"
	if final {
		kind = "final"
	}
	var ms int
	if sampleRate > 0 && channels > 0 {
		ms = len(pcm) / 2 / channels * 1000 / sampleRate
	}
	return Result{Text: fmt.Sprintf("[%s transcript %dms]", kind, ms)}, nil
}
