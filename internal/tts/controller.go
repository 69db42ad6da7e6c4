package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/config"
)

const playoutPoll = 20 * time.Millisecond

var (
	ErrEmptyText = errors.New("tts: empty text")
	ErrClosed    = errors.New("tts: controller closed")
)

// Status is a point-in-time view of the most recent session and the playback
// buffer behind it.
type Status struct {
	SessionID  string       `json:"session_id,omitempty"`
	Text       string       `json:"text,omitempty"`
	Target     string       `json:"target,omitempty"`
	Generation uint64       `json:"generation"`
	State      StreamState  `json:"state"`
	Err        error        `json:"-"`
	Error      string       `json:"error,omitempty"`
	Session    SessionStats `json:"session"`
	Buffered   int          `json:"buffered_samples"` // ring plus device read-ahead
	Underruns  uint64       `json:"underruns"`
	Playing    bool         `json:"playing"`
	// PlayedOut marks the extra status sent once a finished session's last
	// buffered sample has been played or discarded.
	PlayedOut  bool         `json:"played_out,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Idle reports whether nothing is left to receive or play.
func (s Status) Idle() bool {
	return (s.State == StateIdle || s.State.Terminal()) && s.Buffered == 0
}

type counters struct {
	started   atomic.Uint64
	ended     atomic.Uint64
	aborted   atomic.Uint64
	failed    atomic.Uint64
	samples   atomic.Uint64
	malformed atomic.Uint64
}

func (c *counters) finished(state StreamState) {
	switch state {
	case StateEnded:
		c.ended.Add(1)
	case StateAborted:
		c.aborted.Add(1)
	case StateFailed:
		c.failed.Add(1)
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithDialer replaces the TCP dialer used to reach the synthesis server.
func WithDialer(d Dialer) Option {
	return func(c *Controller) { c.dialer = d }
}

// WithObserver registers fn to be called on every session state change.
// Observers run on the session goroutine and must not block.
func WithObserver(fn func(Status)) Option {
	return func(c *Controller) { c.observers = append(c.observers, fn) }
}

// Controller owns the speech sessions of one audio output. Start and Stop are
// serialized; at most one session writes into the ring at any time.
type Controller struct {
	cfg      config.StreamConfig
	ring     *audio.SampleRing
	renderer *audio.Renderer
	player   audio.Player
	dialer   Dialer
	log      *slog.Logger

	obsMu     sync.RWMutex
	observers []func(Status)

	mu         sync.Mutex
	generation uint64
	closed     bool
	base       context.Context
	cancelAll  context.CancelFunc
	sessions   sync.WaitGroup

	current  atomic.Pointer[Session]
	counters counters
}

// NewController wires a controller to the renderer the player pulls from.
// A nil player means the caller drives the renderer directly.
func NewController(cfg config.StreamConfig, renderer *audio.Renderer, player audio.Player, log *slog.Logger, opts ...Option) *Controller {
	if player == nil {
		player = audio.NopPlayer{}
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:       cfg,
		ring:      renderer.Ring(),
		renderer:  renderer,
		player:    player,
		dialer:    &net.Dialer{},
		log:       log.With(slog.String("component", "tts-controller")),
		base:      base,
		cancelAll: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Observe registers fn like WithObserver, after construction.
func (c *Controller) Observe(fn func(Status)) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

// Start speaks text, preempting any session in progress.
func (c *Controller) Start(text string) (*Session, error) {
	return c.StartRequest(Request{Text: text})
}

// StartRequest stops the previous session, clears the buffer and spawns the
// receive loop for req. It returns as soon as the loop is running; connection
// failures surface through the session state.
func (c *Controller) StartRequest(req Request) (*Session, error) {
	if strings.TrimSpace(req.Text) == "" {
		c.log.Warn("ignoring speech request without text")
		return nil, ErrEmptyText
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	c.stopLocked()
	c.ring.Clear()
	c.generation++

	s := newSession(c.base, req, c.generation, sessionConfig{
		addr:           c.cfg.Addr(),
		chunkBytes:     c.cfg.ChunkBytes,
		connectTimeout: c.cfg.ConnectTimeout(),
		readTimeout:    c.cfg.ReadTimeout(),
	}, c)
	c.current.Store(s)
	c.counters.started.Add(1)

	c.sessions.Add(1)
	go func() {
		defer c.sessions.Done()
		s.run()
	}()

	c.renderer.Resume()
	if err := c.player.Start(); err != nil {
		c.log.Warn("failed to start audio output", slogError(err))
	}
	c.log.Info("speech session started",
		slog.String("session_id", req.ID),
		slog.Uint64("generation", s.generation),
		slog.String("endpoint", c.cfg.Addr()),
	)
	return s, nil
}

// Stop cancels the active session, waits for its receive loop, discards any
// buffered audio and pauses output. Stopping an idle controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	var err error
	if s := c.current.Load(); s != nil {
		s.closeGate()
		s.cancel()
		err = c.awaitExit(s)
	}

	c.ring.Clear()
	c.renderer.Pause()
	if perr := c.player.Stop(); perr != nil {
		c.log.Warn("failed to pause audio output", slogError(perr))
	}
	return err
}

// awaitExit waits for the receive loop of a cancelled session. If the loop
// outlives the stop timeout its connection is closed under it and the
// goroutine is left to exit on its own; its write gate is already shut.
func (c *Controller) awaitExit(s *Session) error {
	var err error
	if !isDone(s) {
		timer := time.NewTimer(c.cfg.StopTimeout())
		select {
		case <-s.Done():
		case <-timer.C:
			c.log.Warn("receive loop did not stop in time; closing connection",
				slog.String("session_id", s.ID()),
				slog.Duration("timeout", c.cfg.StopTimeout()),
			)
			if cerr := s.closeConn(); cerr != nil {
				c.log.Debug("force close stream connection", slogError(cerr))
			}
			err = fmt.Errorf("session %s did not stop within %s", s.ID(), c.cfg.StopTimeout())
		}
		timer.Stop()
	}
	return err
}

// Close stops playback, releases the audio output and waits for every receive
// goroutine this controller spawned. Start fails with ErrClosed afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stopErr := c.stopLocked()
	c.cancelAll()
	c.mu.Unlock()

	var errs []error
	if stopErr != nil {
		errs = append(errs, stopErr)
	}
	if err := c.player.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audio output: %w", err))
	}

	waited := make(chan struct{})
	go func() {
		c.sessions.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(c.cfg.StopTimeout()):
		errs = append(errs, errors.New("receive loops still running after close"))
	}
	c.log.Info("tts controller closed")
	return errors.Join(errs...)
}

// Current returns the most recent session, or nil before the first Start.
func (c *Controller) Current() *Session {
	return c.current.Load()
}

// Renderer exposes the pull side for audio outputs built after the controller.
func (c *Controller) Renderer() *audio.Renderer {
	return c.renderer
}

func (c *Controller) Status() Status {
	return c.statusOf(c.current.Load())
}

func (c *Controller) statusOf(s *Session) Status {
	stats := c.renderer.Stats()
	st := Status{
		State:     StateIdle,
		Buffered:  stats.Buffered + c.renderer.Unplayed(audio.Queued(c.player)),
		Underruns: stats.Underruns,
		Playing:   c.renderer.Active(),
		Timestamp: time.Now().UTC(),
	}
	if s == nil {
		return st
	}
	st.SessionID = s.ID()
	st.Text = s.Text()
	st.Target = s.Target()
	st.Generation = s.generation
	st.State = s.State()
	st.Session = s.Stats()
	if err := s.Err(); err != nil {
		st.Err = err
		st.Error = err.Error()
	}
	return st
}

// WaitIdle blocks until the current session is over and its audio has been
// played out, or ctx is done.
func (c *Controller) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.Status().Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Controller) publish(s *Session) {
	// Sessions superseded by a newer Start stay quiet.
	if cur := c.current.Load(); cur != nil && cur != s && !s.State().Terminal() {
		return
	}
	cur := c.current.Load()
	st := c.statusOf(s)
	if cur != s {
		// The buffer belongs to the session that replaced this one.
		st.Buffered = 0
		st.Playing = false
	}
	c.notifyObservers(st)

	if cur == s && st.State.Terminal() && st.Buffered > 0 {
		c.sessions.Add(1)
		go func() {
			defer c.sessions.Done()
			c.watchPlayout(s)
		}()
	}
}

func (c *Controller) notifyObservers(st Status) {
	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(st)
	}
}

// watchPlayout sends a PlayedOut status once the audio of a finished session
// is gone. It gives up silently when a newer session takes over or the
// controller closes.
func (c *Controller) watchPlayout(s *Session) {
	ticker := time.NewTicker(playoutPoll)
	defer ticker.Stop()
	for {
		select {
		case <-c.base.Done():
			return
		case <-ticker.C:
		}
		if c.current.Load() != s {
			return
		}
		st := c.statusOf(s)
		if st.Buffered > 0 {
			continue
		}
		st.PlayedOut = true
		c.log.Debug("speech played out", slog.String("session_id", s.ID()))
		c.notifyObservers(st)
		return
	}
}

func isDone(s *Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}
