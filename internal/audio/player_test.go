package audio

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClockPlayerDrainsIntoSink(t *testing.T) {
	ring := NewSampleRing(64)
	ring.PushMany(seq(1, 10))
	r := NewRenderer(ring, 4)
	r.Resume()

	var (
		mu  sync.Mutex
		got []float32
	)
	p := NewClockPlayer(r, 4000, func(samples []float32) {
		mu.Lock()
		got = append(got, samples...)
		mu.Unlock()
	}, discardLogger())

	require.NoError(t, p.Start())
	require.NoError(t, p.Start())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	assert.Equal(t, seq(1, 10), got)
	assert.Zero(t, ring.Len())
}

func TestClockPlayerRestart(t *testing.T) {
	r := NewRenderer(NewSampleRing(8), 4)
	p := NewClockPlayer(r, 8000, nil, discardLogger())
	require.NoError(t, p.Start())
	require.NoError(t, p.Stop())
	require.NoError(t, p.Start())
	require.NoError(t, p.Close())
}
