package audio

import (
	"encoding/binary"
	"io"
	"math"
	"sync/atomic"
)

// DefaultBlockSize is the number of samples a player pulls per callback when
// no block size is configured.
const DefaultBlockSize = 1024

// Renderer is the real-time pull side of the ring. Render and Read are called
// from the playback clock and must never block, so they only take the ring's
// per-operation lock and use memory allocated up front.
type Renderer struct {
	ring    *SampleRing
	scratch []float32

	active    atomic.Bool
	rendered  atomic.Uint64
	underruns atomic.Uint64

	// emitted counts every sample handed to the player, silence included;
	// audibleEnd is the emitted position just past the last real sample.
	emitted    atomic.Uint64
	audibleEnd atomic.Uint64
}

var _ io.ReadSeeker = (*Renderer)(nil)

// NewRenderer returns a paused renderer draining ring in blocks of blockSize.
func NewRenderer(ring *SampleRing, blockSize int) *Renderer {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Renderer{ring: ring, scratch: make([]float32, blockSize)}
}

// Ring returns the buffer this renderer drains.
func (r *Renderer) Ring() *SampleRing { return r.ring }

// BlockSize is the largest block Read pulls from the ring at once.
func (r *Renderer) BlockSize() int { return len(r.scratch) }

// Resume lets Render drain the ring.
func (r *Renderer) Resume() { r.active.Store(true) }

// Pause makes Render emit silence without consuming samples.
func (r *Renderer) Pause() { r.active.Store(false) }

// Active reports whether the renderer is draining the ring.
func (r *Renderer) Active() bool { return r.active.Load() }

// Render fills out with the next buffered samples and pads the remainder with
// silence. It returns the number of real samples written.
func (r *Renderer) Render(out []float32) int {
	start := r.emitted.Load()
	n := 0
	if r.active.Load() {
		n = r.ring.PopBlock(out)
		if n < len(out) && n > 0 {
			r.underruns.Add(1)
		}
		r.rendered.Add(uint64(n))
	}
	clear(out[n:])
	r.emitted.Store(start + uint64(len(out)))
	if n > 0 {
		r.audibleEnd.Store(start + uint64(n))
	}
	return n
}

// Unplayed returns how many real samples are among the last queued samples
// the player pulled but has not played yet.
func (r *Renderer) Unplayed(queued int) int {
	if queued <= 0 {
		return 0
	}
	emitted := r.emitted.Load()
	played := emitted - min(uint64(queued), emitted)
	end := r.audibleEnd.Load()
	if end <= played {
		return 0
	}
	return int(end - played)
}

// Seek lets a player drop the audio it has read ahead. The renderer has no
// position of its own, so any offset is accepted.
func (r *Renderer) Seek(offset int64, whence int) (int64, error) {
	return 0, nil
}

// Read implements io.Reader for players that pull float32 little-endian
// frames. It always fills p up to a whole number of samples. Read shares one
// scratch block and must only be called by the single playback goroutine.
func (r *Renderer) Read(p []byte) (int, error) {
	samples := len(p) / 4
	written := 0
	for samples > 0 {
		block := r.scratch
		if samples < len(block) {
			block = block[:samples]
		}
		r.Render(block)
		for _, s := range block {
			binary.LittleEndian.PutUint32(p[written:], math.Float32bits(s))
			written += 4
		}
		samples -= len(block)
	}
	return written, nil
}

// Stats is a snapshot of renderer counters.
type Stats struct {
	Rendered  uint64
	Underruns uint64
	Buffered  int
	Evicted   uint64
}

// Stats returns the current renderer and ring counters.
func (r *Renderer) Stats() Stats {
	return Stats{
		Rendered:  r.rendered.Load(),
		Underruns: r.underruns.Load(),
		Buffered:  r.ring.Len(),
		Evicted:   r.ring.Evicted(),
	}
}
