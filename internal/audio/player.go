package audio

import (
	"log/slog"
	"sync"
	"time"
)

// Player drives a Renderer from a playback clock. Start and Stop are
// idempotent; Close releases the output device.
type Player interface {
	Start() error
	Stop() error
	Close() error
}

// Queuer is implemented by players that read ahead of the speaker.
type Queuer interface {
	// Queued returns the number of samples pulled from the renderer that
	// the device has not played yet.
	Queued() int
}

// Queued asks p for its read-ahead, or 0 when p plays what it pulls at once.
func Queued(p Player) int {
	if q, ok := p.(Queuer); ok {
		return q.Queued()
	}
	return 0
}

// NopPlayer has no clock of its own. Callers pull from the Renderer directly.
type NopPlayer struct{}

func (NopPlayer) Start() error { return nil }
func (NopPlayer) Stop() error  { return nil }
func (NopPlayer) Close() error { return nil }

// Sink receives the real (non-silence) samples of every rendered block.
type Sink func(samples []float32)

// ClockPlayer is a software playback clock: it pulls one block from the
// renderer every block duration, the way a sound card would, and hands the
// audible part to an optional sink. Used for headless nodes and capture.
type ClockPlayer struct {
	renderer *Renderer
	period   time.Duration
	sink     Sink
	log      *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewClockPlayer builds a clock ticking at the renderer's block rate.
func NewClockPlayer(renderer *Renderer, sampleRate int, sink Sink, log *slog.Logger) *ClockPlayer {
	period := time.Duration(float64(renderer.BlockSize()) / float64(sampleRate) * float64(time.Second))
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	return &ClockPlayer{
		renderer: renderer,
		period:   period,
		sink:     sink,
		log:      log.With(slog.String("component", "clock-player")),
	}
}

func (p *ClockPlayer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.running = true
	go p.loop(p.stop, p.done)
	p.log.Debug("playback clock started", slog.Duration("period", p.period))
	return nil
}

func (p *ClockPlayer) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	<-done
	p.log.Debug("playback clock stopped")
	return nil
}

func (p *ClockPlayer) Close() error { return p.Stop() }

func (p *ClockPlayer) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	block := make([]float32, p.renderer.BlockSize())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n := p.renderer.Render(block)
			if p.sink != nil && n > 0 {
				p.sink(block[:n])
			}
		}
	}
}
