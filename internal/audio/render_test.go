package audio

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRendererPadsWithSilence(t *testing.T) {
	ring := NewSampleRing(16)
	ring.PushMany([]float32{0.1, 0.2, 0.3})
	r := NewRenderer(ring, 4)
	r.Resume()

	out := []float32{9, 9, 9, 9, 9, 9}
	n := r.Render(out)

	assert.Equal(t, 3, n)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0, 0, 0}, out)
	assert.EqualValues(t, 1, r.Stats().Underruns)
}

func TestRendererPausedEmitsSilence(t *testing.T) {
	ring := NewSampleRing(8)
	ring.PushMany([]float32{1, 1})
	r := NewRenderer(ring, 4)

	out := []float32{5, 5}
	assert.Zero(t, r.Render(out))
	assert.Equal(t, []float32{0, 0}, out)
	assert.Equal(t, 2, ring.Len(), "paused renderer must not consume")
	assert.Zero(t, r.Stats().Underruns)
}

func TestRendererEmptyRingIsNotUnderrun(t *testing.T) {
	r := NewRenderer(NewSampleRing(8), 4)
	r.Resume()
	out := make([]float32, 4)
	assert.Zero(t, r.Render(out))
	assert.Zero(t, r.Stats().Underruns)
}

func TestRendererReadEncodesFloat32LE(t *testing.T) {
	ring := NewSampleRing(8)
	ring.PushMany([]float32{0.5, -1})
	r := NewRenderer(ring, 2)
	r.Resume()

	p := make([]byte, 14)
	n, err := r.Read(p)
	require.NoError(t, err)
	require.Equal(t, 12, n)

	got := make([]float32, 3)
	for i := range got {
		got[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
	}
	assert.Equal(t, []float32{0.5, -1, 0}, got)
}

func TestRendererUnplayedTracksReadAhead(t *testing.T) {
	ring := NewSampleRing(16)
	ring.PushMany([]float32{1, 2, 3})
	r := NewRenderer(ring, 4)
	r.Resume()

	out := make([]float32, 4)
	require.Equal(t, 3, r.Render(out))
	assert.Zero(t, r.Stats().Buffered)

	// The device still holds the whole block: three real samples and a pad.
	assert.Equal(t, 3, r.Unplayed(4))
	assert.Equal(t, 2, r.Unplayed(3), "the pad plays last")
	assert.Equal(t, 3, r.Unplayed(100))
	assert.Zero(t, r.Unplayed(0))

	// Two silent blocks later the speech has reached the speaker.
	r.Render(out)
	r.Render(out)
	assert.Zero(t, r.Unplayed(4))
	assert.Zero(t, r.Unplayed(8))
	assert.Equal(t, 1, r.Unplayed(10))
}

func TestRendererSeekIsAccepted(t *testing.T) {
	r := NewRenderer(NewSampleRing(4), 2)
	pos, err := r.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Zero(t, pos)
}

func TestRendererNeverBlocksUnderContention(t *testing.T) {
	ring := NewSampleRing(512)
	r := NewRenderer(ring, 128)
	r.Resume()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		batch := make([]float32, 300)
		for {
			select {
			case <-stop:
				return
			default:
				ring.PushMany(batch)
			}
		}
	}()

	block := make([]float32, 128)
	deadline := time.Now().Add(2 * time.Second)
	for i := 0; i < 2000; i++ {
		r.Render(block)
	}
	close(stop)
	wg.Wait()
	assert.True(t, time.Now().Before(deadline), "render loop stalled")
	assert.LessOrEqual(t, ring.Len(), ring.Cap())
}
