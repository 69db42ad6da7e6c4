package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is a chat completion: the conversation so far ending in the user's
// latest message.
type Request struct {
	SessionID   string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Prompt returns the content of the last user message.
func (r Request) Prompt() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Chunk is streamed model output. Partial chunks carry deltas; the single
// non-partial chunk carries the whole reply.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	Model            string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator is a chat backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// NewGenerator picks the backend named by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		return MockGenerator{}, nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, nil), nil
	case "exec":
		gen, err := NewExecGenerator(cfg.Command)
		if err != nil {
			return nil, err
		}
		return gen, nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

// MockGenerator echoes the prompt back.
type MockGenerator struct{}

func (MockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   "You said: " + strings.TrimSpace(req.Prompt()),
		Model:     "mock",
		TraceID:   req.TraceID,
	})
}
