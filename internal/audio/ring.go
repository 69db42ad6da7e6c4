// Package audio holds the playback side of the avatar: the bounded sample
// ring shared between the network producer and the render callback, the
// renderer that feeds platform players, and the players themselves.
package audio

import "sync"

// SampleRing is a bounded FIFO of mono float32 samples. When a push would
// exceed capacity the oldest samples are evicted, so writers never block.
// Every method is a single critical section.
type SampleRing struct {
	mu      sync.Mutex
	buf     []float32
	head    int // index of the oldest sample
	size    int
	evicted uint64
}

// NewSampleRing returns a ring holding at most capacity samples.
func NewSampleRing(capacity int) *SampleRing {
	if capacity < 1 {
		capacity = 1
	}
	return &SampleRing{buf: make([]float32, capacity)}
}

// CapacityFor returns the ring capacity for the given duration of audio.
func CapacityFor(sampleRate int, seconds float64) int {
	return int(float64(sampleRate) * seconds)
}

// PushMany appends samples in order and returns how many old samples were
// evicted to make room.
func (r *SampleRing) PushMany(samples []float32) int {
	if len(samples) == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.buf)
	dropped := 0

	// Only the newest capacity samples of an oversized batch can survive.
	if len(samples) >= capacity {
		dropped = r.size + len(samples) - capacity
		copy(r.buf, samples[len(samples)-capacity:])
		r.head = 0
		r.size = capacity
		r.evicted += uint64(dropped)
		return dropped
	}

	if overflow := r.size + len(samples) - capacity; overflow > 0 {
		r.head = (r.head + overflow) % capacity
		r.size -= overflow
		dropped = overflow
	}

	tail := (r.head + r.size) % capacity
	n := copy(r.buf[tail:], samples)
	if n < len(samples) {
		copy(r.buf, samples[n:])
	}
	r.size += len(samples)
	r.evicted += uint64(dropped)
	return dropped
}

// PopBlock moves up to len(dst) of the oldest samples into dst and returns
// how many were written. It never waits for more data.
func (r *SampleRing) PopBlock(dst []float32) int {
	if len(dst) == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(dst)
	if n > r.size {
		n = r.size
	}
	if n == 0 {
		return 0
	}

	capacity := len(r.buf)
	first := copy(dst[:n], r.buf[r.head:])
	if first < n {
		copy(dst[first:n], r.buf[:n-first])
	}
	r.head = (r.head + n) % capacity
	r.size -= n
	if r.size == 0 {
		r.head = 0
	}
	return n
}

// Len reports the number of buffered samples.
func (r *SampleRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap reports the ring capacity in samples.
func (r *SampleRing) Cap() int {
	return len(r.buf)
}

// Clear discards all buffered samples.
func (r *SampleRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
}

// Evicted returns the total number of samples dropped on overflow.
func (r *SampleRing) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}
