// Package otoplayer plays a Renderer through the system audio device using
// oto. It lives in its own package because oto needs the platform audio
// libraries at build time; headless builds never import it.
package otoplayer

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/loqalabs/loqa-avatar/internal/audio"
)

// Player pulls float32 mono frames from a Renderer on oto's audio goroutine.
type Player struct {
	ctx    *oto.Context
	player *oto.Player
	log    *slog.Logger

	mu      sync.Mutex
	playing bool
	closed  bool
}

var (
	_ audio.Player = (*Player)(nil)
	_ audio.Queuer = (*Player)(nil)
)

const bytesPerSample = 4

// New opens the default output device. bufferMS bounds the device-side
// latency; oto allows a single context per process.
func New(renderer *audio.Renderer, sampleRate, bufferMS int, log *slog.Logger) (*Player, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
		BufferSize:   time.Duration(bufferMS) * time.Millisecond,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	<-ready

	return &Player{
		ctx:    ctx,
		player: ctx.NewPlayer(renderer),
		log:    log.With(slog.String("component", "oto-player")),
	}, nil
}

func (p *Player) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("audio player closed")
	}
	if p.playing {
		return nil
	}
	p.player.Play()
	p.playing = true
	p.log.Debug("audio output started")
	return nil
}

func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing || p.closed {
		return nil
	}
	p.player.Pause()
	// Pause keeps oto's read-ahead; seeking drops it so the next Start
	// never replays audio from before the stop.
	if _, err := p.player.Seek(0, io.SeekStart); err != nil {
		p.log.Warn("failed to flush audio output", slog.String("error", err.Error()))
	}
	p.playing = false
	p.log.Debug("audio output paused")
	return nil
}

// Queued reports the samples oto has pulled but not yet handed to the device.
func (p *Player) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	return p.player.BufferedSize() / bytesPerSample
}

func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.playing = false
	if err := p.player.Close(); err != nil {
		return fmt.Errorf("close audio player: %w", err)
	}
	return nil
}
