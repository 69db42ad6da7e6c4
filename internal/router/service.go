// Package router turns what the user says into what the avatar says: final
// transcripts become LLM requests and final replies become speech. With
// barge-in enabled, the user talking over the avatar silences it.
package router

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

type Service struct {
	cfg    config.RouterConfig
	bus    *bus.Client
	logger *slog.Logger
	subs   []*nats.Subscription

	mu       sync.Mutex
	speaking string
	stopped  string
}

func NewService(cfg config.RouterConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "router")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	routes := map[string]nats.MsgHandler{
		protocol.SubjectTranscriptFinal:  s.handleTranscript,
		protocol.SubjectLLMResponseFinal: s.handleReply,
	}
	if s.cfg.BargeIn {
		routes[protocol.SubjectTranscriptPartial] = s.handlePartial
		routes[protocol.SubjectTTSStatus] = s.handleStatus
	}
	for subject, handler := range routes {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.Close()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) > 0
}

// Speaking returns the id of the speech session the router believes is
// playing, or "".
func (s *Service) Speaking() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("router failed to decode transcript", slogError(err))
		return
	}
	prompt := strings.TrimSpace(transcript.Text)
	if prompt == "" {
		return
	}
	s.bargeIn()

	req := protocol.LLMRequest{
		SessionID: transcript.SessionID,
		Prompt:    prompt,
		TraceID:   transcript.SessionID,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectLLMRequest, req); err != nil {
		s.logger.Warn("router failed to publish llm request", slogError(err))
	}
}

func (s *Service) handleReply(msg *nats.Msg) {
	var resp protocol.LLMResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		s.logger.Warn("router failed to decode llm response", slogError(err))
		return
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return
	}

	traceID := resp.TraceID
	if traceID == "" {
		traceID = resp.SessionID
	}
	req := protocol.TTSRequest{
		SessionID: uuid.NewString(),
		Text:      text,
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSRequest, req); err != nil {
		s.logger.Warn("router failed to publish tts request", slogError(err))
	}
}

func (s *Service) handlePartial(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("router failed to decode transcript", slogError(err))
		return
	}
	if strings.TrimSpace(transcript.Text) == "" {
		return
	}
	s.bargeIn()
}

func (s *Service) handleStatus(msg *nats.Msg) {
	var st protocol.TTSStatus
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		s.logger.Warn("router failed to decode tts status", slogError(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !st.Completed:
		s.speaking = st.SessionID
	case st.SessionID != s.speaking:
	case st.PlayedOut || st.Buffered == 0:
		// A finished stream keeps talking until its buffer plays out.
		s.speaking = ""
	}
}

// bargeIn stops the current speech once per session. It is a no-op unless
// barge-in is enabled and something is playing.
func (s *Service) bargeIn() {
	if !s.cfg.BargeIn {
		return
	}
	s.mu.Lock()
	id := s.speaking
	if id == "" || id == s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = id
	s.mu.Unlock()

	s.logger.Info("user barged in, stopping speech", slog.String("session_id", id))
	stop := protocol.TTSStop{SessionID: id, Reason: "barge-in", Timestamp: time.Now().UTC()}
	if err := s.bus.PublishJSON(protocol.SubjectTTSStop, stop); err != nil {
		s.logger.Warn("router failed to publish tts stop", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
