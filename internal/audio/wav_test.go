package audio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAVRecorderWritesDecodableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	rec := NewWAVRecorder(f, 24000)
	require.NoError(t, rec.Write([]float32{0, 0.5, -0.5, 2}))
	require.NoError(t, rec.Write([]float32{-2}))
	require.NoError(t, rec.Close())
	require.NoError(t, f.Close())
	assert.Equal(t, 5, rec.Samples())

	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close()

	dec := wav.NewDecoder(in)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.EqualValues(t, 24000, dec.SampleRate)
	assert.EqualValues(t, 1, dec.NumChans)
	assert.Equal(t, []int{0, 16383, -16383, 32767, -32767}, buf.Data)
}

func TestWritePCM16WAVRejectsOddPayload(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "odd.wav"))
	require.NoError(t, err)
	defer f.Close()
	assert.Error(t, WritePCM16WAV(f, []byte{1, 2, 3}, 16000, 1))
}
