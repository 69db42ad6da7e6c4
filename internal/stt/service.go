package stt

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

const transcribeTimeout = 45 * time.Second

// Service accumulates microphone frames per session and publishes partial
// and final transcripts.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*utterance

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
}

type utterance struct {
	pcm          []byte
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     log.With(slog.String("component", "stt")),
		sessions:   make(map[string]*utterance),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
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

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}

	s.mu.Lock()
	u := s.sessions[frame.SessionID]
	if u == nil {
		u = &utterance{}
		s.sessions[frame.SessionID] = u
	}
	u.pcm = append(u.pcm, frame.PCM...)
	partial := !frame.Final && s.cfg.PublishInterim && s.partialDueLocked(u)
	s.mu.Unlock()

	switch {
	case frame.Final:
		s.schedule(frame.SessionID, true)
	case partial:
		s.schedule(frame.SessionID, false)
	}
}

func (s *Service) partialDueLocked(u *utterance) bool {
	if u.inflight {
		return false
	}
	if u.lastPartial.IsZero() {
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	return interval > 0 && time.Since(u.lastPartial) >= interval
}

// schedule transcribes the audio buffered so far. A final request that lands
// while a partial is in flight runs as soon as the partial returns.
func (s *Service) schedule(sessionID string, final bool) {
	s.mu.Lock()
	u := s.sessions[sessionID]
	if u == nil {
		s.mu.Unlock()
		return
	}
	if u.inflight {
		if final {
			u.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), u.pcm...)
	u.inflight = true
	if !final {
		u.lastPartial = time.Now()
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transcribe(sessionID, pcm, final)

		s.mu.Lock()
		var again bool
		if u := s.sessions[sessionID]; u != nil {
			u.inflight = false
			if final {
				delete(s.sessions, sessionID)
			} else {
				again = u.pendingFinal
			}
		}
		s.mu.Unlock()

		if again {
			s.schedule(sessionID, true)
		}
	}()
}

func (s *Service) transcribe(sessionID string, pcm []byte, final bool) {
	ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
	defer cancel()

	result, err := s.recognizer.Transcribe(ctx, pcm, s.cfg.SampleRate, s.cfg.Channels, final)
	if err != nil {
		s.logger.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
		return
	}
	if strings.TrimSpace(result.Text) == "" {
		return
	}

	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
