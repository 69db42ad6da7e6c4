package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// Service answers llm.request with streamed llm.response.* messages and
// remembers each session's recent exchanges.
type Service struct {
	cfg       config.LLMConfig
	bus       *bus.Client
	generator Generator
	history   *History
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.LLMConfig, busClient *bus.Client, generator Generator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		history:   NewHistory(cfg.HistoryTurns),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "llm-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectLLMRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe LLM requests: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.sub != nil
}

// History exposes the conversation memory.
func (s *Service) History() *History { return s.history }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.LLMRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode llm request", slogError(err))
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()

		system := req.System
		if system == "" {
			system = s.cfg.SystemPrompt
		}
		temperature := s.cfg.Temperature
		if req.Temperature != 0 {
			temperature = req.Temperature
		}
		genReq := Request{
			SessionID:   req.SessionID,
			Messages:    s.history.Conversation(req.SessionID, system, prompt),
			MaxTokens:   coalesceInt(req.MaxTokens, s.cfg.MaxTokens),
			Temperature: temperature,
			TraceID:     req.TraceID,
		}

		var reply string
		err := s.generator.Generate(ctx, genReq, func(chunk Chunk) error {
			if !chunk.Partial {
				reply = chunk.Content
			}
			return s.publishChunk(chunk)
		})
		if err != nil {
			s.logger.Warn("llm generation failed", slog.String("session_id", req.SessionID), slogError(err))
			return
		}
		if reply != "" {
			s.history.Record(req.SessionID, prompt, reply)
		}
		s.logger.Info("llm reply complete",
			slog.String("session_id", req.SessionID),
			slog.Int("chars", len(reply)))
	}()
}

func (s *Service) publishChunk(chunk Chunk) error {
	if chunk.Content == "" {
		return nil
	}
	msg := protocol.LLMResponse{
		SessionID:        chunk.SessionID,
		Content:          chunk.Content,
		Partial:          chunk.Partial,
		Model:            chunk.Model,
		TraceID:          chunk.TraceID,
		PromptTokens:     chunk.PromptTokens,
		CompletionTokens: chunk.CompletionTokens,
		LatencyMS:        chunk.Latency.Milliseconds(),
		Timestamp:        time.Now().UTC(),
	}
	subject := protocol.SubjectLLMResponsePartial
	if !chunk.Partial {
		subject = protocol.SubjectLLMResponseFinal
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish llm chunk", slogError(err))
		return err
	}
	return nil
}

func coalesceInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
