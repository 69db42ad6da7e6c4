package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/audio/otoplayer"
	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/capability"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/llm"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/router"
	"github.com/loqalabs/loqa-avatar/internal/stt"
	"github.com/loqalabs/loqa-avatar/internal/tts"
)

const (
	meterName     = "github.com/loqalabs/loqa-avatar/runtime"
	pruneInterval = time.Hour
)

type service interface {
	Start() error
	Close()
	Healthy() bool
}

// Runtime assembles an avatar node: bus, event store, speech playback and the
// conversation services around it, behind an HTTP control surface.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	ctrl     *tts.Controller
	registry *capability.Registry
	services []service
	closers  []func()
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the node until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}
	defer r.teardown()

	if _, err := r.ctrl.RegisterMetrics(otel.Meter(meterName)); err != nil {
		r.logger.Warn("failed to register speech metrics", slog.String("error", err.Error()))
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("synthesizer", r.cfg.Stream.Addr()),
		slog.String("playback", r.cfg.Playback.Backend),
	)
	return g.Wait()
}

// setup brings up everything but telemetry and HTTP. Partial progress is
// undone by teardown.
func (r *Runtime) setup(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = embedded
	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	r.bus, err = bus.Connect(connectCtx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return err
	}

	ring := audio.NewSampleRing(audio.CapacityFor(r.cfg.Stream.SampleRate, r.cfg.Stream.BufferSeconds))
	renderer := audio.NewRenderer(ring, r.cfg.Stream.RenderBlock)
	player, err := newPlayer(r.cfg, renderer, r.logger)
	if err != nil {
		return err
	}
	r.ctrl = tts.NewController(r.cfg.Stream, renderer, player, r.logger)

	recognizer, err := stt.NewRecognizer(r.cfg.STT)
	if err != nil {
		return err
	}
	generator, err := llm.NewGenerator(r.cfg.LLM)
	if err != nil {
		return err
	}
	r.services = []service{
		tts.NewService(ctx, r.ctrl, r.bus, r.store, r.logger),
		stt.NewService(ctx, r.cfg.STT, r.bus, recognizer, r.logger),
		llm.NewService(ctx, r.cfg.LLM, r.bus, generator, r.logger),
		router.NewService(r.cfg.Router, r.bus, r.logger),
	}

	var g errgroup.Group
	for _, svc := range r.services {
		g.Go(svc.Start)
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, capability.FromConfig(r.cfg), r.bus, otel.Meter(meterName), r.logger)
	if err != nil {
		return err
	}
	return nil
}

func (r *Runtime) teardown() {
	if r.registry != nil {
		r.registry.Close()
	}
	for i := len(r.services) - 1; i >= 0; i-- {
		r.services[i].Close()
	}
	if r.ctrl != nil {
		if err := r.ctrl.Close(); err != nil {
			r.logger.Warn("speech controller close", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Healthy reports whether every component is up.
func (r *Runtime) Healthy() bool {
	if !r.bus.Healthy() || r.store.Ensure() != nil {
		return false
	}
	if r.registry == nil || !r.registry.Healthy() {
		return false
	}
	for _, svc := range r.services {
		if !svc.Healthy() {
			return false
		}
	}
	return true
}

func newPlayer(cfg config.Config, renderer *audio.Renderer, log *slog.Logger) (audio.Player, error) {
	switch cfg.Playback.Backend {
	case "oto":
		return otoplayer.New(renderer, cfg.Stream.SampleRate, cfg.Playback.BufferMS, log)
	case "clock":
		return audio.NewClockPlayer(renderer, cfg.Stream.SampleRate, nil, log), nil
	case "none", "":
		return audio.NopPlayer{}, nil
	default:
		return nil, fmt.Errorf("unknown playback backend %q", cfg.Playback.Backend)
	}
}
