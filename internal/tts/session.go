package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loqalabs/loqa-avatar/internal/audio"
)

var tracer = otel.Tracer("github.com/loqalabs/loqa-avatar/tts")

// Request is one utterance to synthesize. An empty ID is replaced with a
// generated one.
type Request struct {
	ID     string
	Text   string
	Target string
}

// Dialer opens the stream connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type sessionConfig struct {
	addr           string
	chunkBytes     int
	connectTimeout time.Duration
	readTimeout    time.Duration
}

// SessionStats counts what one session received.
type SessionStats struct {
	Samples   uint64 `json:"samples"`
	Chunks    uint64 `json:"chunks"`
	Malformed uint64 `json:"malformed_chunks"`
	Evicted   uint64 `json:"evicted_samples"`
}

// Session is one attempt to stream and play one utterance. Its receive loop
// runs on its own goroutine; Done is closed once that goroutine has exited and
// the connection is closed.
type Session struct {
	req        Request
	generation uint64
	cfg        sessionConfig
	dialer     Dialer
	ring       *audio.SampleRing
	counters   *counters
	notify     func(*Session)
	log        *slog.Logger
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state     atomic.Int32
	samples   atomic.Uint64
	chunks    atomic.Uint64
	malformed atomic.Uint64
	evicted   atomic.Uint64

	// gateMu guards pushes into the ring. Once gateOpen is false this session
	// never writes again, whatever its goroutine is doing.
	gateMu   sync.Mutex
	gateOpen bool

	connMu     sync.Mutex
	conn       net.Conn
	connClosed bool

	errMu sync.Mutex
	err   error
}

func newSession(parent context.Context, req Request, generation uint64, cfg sessionConfig, c *Controller) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		req:        req,
		generation: generation,
		cfg:        cfg,
		dialer:     c.dialer,
		ring:       c.ring,
		counters:   &c.counters,
		notify:     c.publish,
		log: c.log.With(
			slog.String("session_id", req.ID),
			slog.Uint64("generation", generation),
		),
		startedAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		gateOpen:  true,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) ID() string          { return s.req.ID }
func (s *Session) Text() string        { return s.req.Text }
func (s *Session) Target() string      { return s.req.Target }
func (s *Session) Generation() uint64  { return s.generation }
func (s *Session) StartedAt() time.Time { return s.startedAt }

// State returns the current stream state.
func (s *Session) State() StreamState { return StreamState(s.state.Load()) }

// Done is closed when the receive goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the failure that ended the session, if any. Sessions stopped on
// request or ended by the server have no error.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) Stats() SessionStats {
	return SessionStats{
		Samples:   s.samples.Load(),
		Chunks:    s.chunks.Load(),
		Malformed: s.malformed.Load(),
		Evicted:   s.evicted.Load(),
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.closeConn()

	ctx, span := tracer.Start(s.ctx, "tts.session")
	span.SetAttributes(
		attribute.String("tts.session_id", s.req.ID),
		attribute.Int64("tts.generation", int64(s.generation)),
		attribute.String("tts.endpoint", s.cfg.addr),
		attribute.Int("tts.text_length", len(s.req.Text)),
	)
	defer func() {
		stats := s.Stats()
		span.SetAttributes(
			attribute.String("tts.state", s.State().String()),
			attribute.Int64("tts.samples", int64(stats.Samples)),
			attribute.Int64("tts.malformed_chunks", int64(stats.Malformed)),
		)
		if err := s.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("receive loop panicked", slog.Any("panic", r))
			s.finish(StateFailed, fmt.Errorf("receive loop panic: %v", r))
		}
	}()

	s.receive(ctx)
}

func (s *Session) receive(ctx context.Context) {
	s.notify(s)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.connectTimeout)
	conn, err := s.dialer.DialContext(dialCtx, "tcp", s.cfg.addr)
	cancel()
	if err != nil {
		s.finishIO(ctx, StateFailed, fmt.Errorf("connect %s: %w", s.cfg.addr, err))
		return
	}
	if !s.attach(conn) {
		s.finish(StateAborted, nil)
		return
	}

	// A stop request unblocks whatever read or write is pending.
	stopIO := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stopIO()

	s.transition(StateSending)
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.connectTimeout))
	if err := writeFull(conn, []byte(s.req.Text)); err != nil {
		s.finishIO(ctx, StateFailed, fmt.Errorf("send request: %w", err))
		return
	}
	s.log.Debug("request sent", slog.Int("bytes", len(s.req.Text)))

	s.transition(StateReceiving)
	buf := make([]byte, s.cfg.chunkBytes)
	decoder := NewDecoder(s.cfg.chunkBytes)
	for {
		if ctx.Err() != nil {
			s.finish(StateAborted, nil)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.readTimeout))
		if ctx.Err() != nil {
			s.finish(StateAborted, nil)
			return
		}

		n, err := conn.Read(buf)
		if n > 0 && s.handle(decoder.Decode(buf[:n]), n) {
			s.finish(StateEnded, nil)
			return
		}
		switch {
		case err == nil && n == 0:
			s.finish(StateEnded, nil)
			return
		case err == nil:
		case errors.Is(err, io.EOF):
			s.finish(StateEnded, nil)
			return
		default:
			s.finishIO(ctx, StateAborted, fmt.Errorf("read stream: %w", err))
			return
		}
	}
}

// handle applies one decoded read and reports whether it ended the stream.
func (s *Session) handle(chunk Chunk, size int) bool {
	s.chunks.Add(1)
	switch chunk.Kind {
	case ChunkEnd:
		return true
	case ChunkMalformed:
		s.malformed.Add(1)
		s.counters.malformed.Add(1)
		s.log.Debug("dropped misaligned chunk", slog.Int("bytes", size))
	case ChunkSamples:
		s.write(chunk.Samples)
	}
	return false
}

func (s *Session) write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if !s.gateOpen {
		return
	}
	evicted := s.ring.PushMany(samples)
	s.samples.Add(uint64(len(samples)))
	s.counters.samples.Add(uint64(len(samples)))
	if evicted > 0 {
		s.evicted.Add(uint64(evicted))
	}
}

// closeGate blocks until any in-flight push has finished.
func (s *Session) closeGate() {
	s.gateMu.Lock()
	s.gateOpen = false
	s.gateMu.Unlock()
}

func (s *Session) transition(next StreamState) {
	s.state.Store(int32(next))
	s.notify(s)
}

// finishIO reports an I/O failure, or a plain abort when the failure was
// caused by a stop request.
func (s *Session) finishIO(ctx context.Context, state StreamState, err error) {
	if ctx.Err() != nil {
		s.finish(StateAborted, nil)
		return
	}
	s.finish(state, err)
}

func (s *Session) finish(state StreamState, err error) {
	if s.State().Terminal() {
		return
	}
	s.closeGate()
	if cerr := s.closeConn(); cerr != nil {
		s.log.Debug("close stream connection", slogError(cerr))
	}
	if err != nil {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
	}
	s.counters.finished(state)

	attrs := []any{
		slog.String("state", state.String()),
		slog.Uint64("samples", s.samples.Load()),
		slog.Uint64("malformed_chunks", s.malformed.Load()),
		slog.Duration("elapsed", time.Since(s.startedAt)),
	}
	switch {
	case err != nil:
		s.log.Warn("speech session terminated", append(attrs, slogError(err))...)
	default:
		s.log.Info("speech session finished", attrs...)
	}
	s.transition(state)
}

func (s *Session) attach(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.connClosed {
		_ = conn.Close()
		return false
	}
	s.conn = conn
	return true
}

// closeConn is safe to call from any goroutine and more than once.
func (s *Session) closeConn() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.connClosed {
		return nil
	}
	s.connClosed = true
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
