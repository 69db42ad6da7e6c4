package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

const statusQueueSize = 64

// Service drives a Controller from the bus: tts.request starts speech,
// tts.stop silences it, and every state change goes out on tts.status (and
// tts.done once a session is over) and into the event store. A finished
// session whose audio is still playing gets one more tts.status with
// played_out set when the speaker falls silent.
type Service struct {
	ctrl    *Controller
	bus     *bus.Client
	store   *eventstore.Store
	subs    []*nats.Subscription
	updates chan Status
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, ctrl *Controller, busClient *bus.Client, store *eventstore.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		ctrl:    ctrl,
		bus:     busClient,
		store:   store,
		updates: make(chan Status, statusQueueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-service")),
	}
	ctrl.Observe(s.enqueue)
	return s
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	sub, err := conn.Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	stopSub, err := conn.Subscribe(protocol.SubjectTTSStop, s.handleStop)
	if err != nil {
		_ = sub.Drain()
		return err
	}
	s.subs = append(s.subs, stopSub)

	s.wg.Add(1)
	go s.publishLoop()
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) == 2 }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if _, err := s.ctrl.StartRequest(Request{ID: req.SessionID, Text: req.Text, Target: req.Target}); err != nil {
		s.logger.Warn("tts request rejected", slog.String("session_id", req.SessionID), slogError(err))
	}
}

func (s *Service) handleStop(msg *nats.Msg) {
	var req protocol.TTSStop
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode tts stop", slogError(err))
			return
		}
	}
	if req.SessionID != "" {
		if cur := s.ctrl.Current(); cur == nil || cur.ID() != req.SessionID {
			return
		}
	}
	s.logger.Info("stopping speech", slog.String("reason", req.Reason))
	if err := s.ctrl.Stop(); err != nil {
		s.logger.Warn("tts stop incomplete", slogError(err))
	}
}

// enqueue runs on session goroutines and never blocks them.
func (s *Service) enqueue(st Status) {
	select {
	case s.updates <- st:
	default:
		s.logger.Warn("dropping tts status update", slog.String("session_id", st.SessionID), slog.String("state", st.State.String()))
	}
}

func (s *Service) publishLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case st := <-s.updates:
			s.record(st)
			s.publish(st)
		}
	}
}

func (s *Service) record(st Status) {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()

	if st.State == StateConnecting {
		err := s.store.BeginSession(ctx, eventstore.Session{
			ID:         st.SessionID,
			Text:       st.Text,
			Target:     st.Target,
			Generation: st.Generation,
		})
		if err != nil {
			s.logger.Warn("failed to record speech session", slogError(err))
		}
	}
	payload, err := json.Marshal(st)
	if err != nil {
		s.logger.Warn("failed to marshal tts status", slogError(err))
		return
	}
	eventType := "tts.state"
	if st.PlayedOut {
		eventType = "tts.playout"
	}
	if err := s.store.AppendEvent(ctx, eventstore.Event{
		SessionID: st.SessionID,
		Type:      eventType,
		State:     st.State.String(),
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("failed to record tts event", slogError(err))
	}
	if st.State.Terminal() && !st.PlayedOut {
		if err := s.store.FinishSession(ctx, st.SessionID, st.State.String(), st.Error); err != nil {
			s.logger.Warn("failed to finish speech session", slogError(err))
		}
	}
}

func (s *Service) publish(st Status) {
	msg := protocol.TTSStatus{
		SessionID:       st.SessionID,
		Target:          st.Target,
		Generation:      st.Generation,
		State:           st.State.String(),
		Error:           st.Error,
		Samples:         st.Session.Samples,
		MalformedChunks: st.Session.Malformed,
		Evicted:         st.Session.Evicted,
		Buffered:        st.Buffered,
		Completed:       st.State.Terminal(),
		PlayedOut:       st.PlayedOut,
		Timestamp:       st.Timestamp,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSStatus, msg); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
	if msg.Completed && !msg.PlayedOut {
		if err := s.bus.PublishJSON(protocol.SubjectTTSDone, msg); err != nil {
			s.logger.Warn("failed to publish tts done", slogError(err))
		}
	}
}
