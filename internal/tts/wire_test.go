package tts

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecoderClassifiesReads(t *testing.T) {
	tests := []struct {
		name    string
		chunk   []byte
		kind    ChunkKind
		samples []float32
	}{
		{name: "sentinel", chunk: []byte("END"), kind: ChunkEnd},
		{name: "sentinel with whitespace", chunk: []byte(" END\r\n"), kind: ChunkEnd},
		{name: "four byte sentinel", chunk: []byte("END\n"), kind: ChunkEnd},
		{name: "split sentinel head", chunk: []byte("EN"), kind: ChunkMalformed},
		{name: "lowercase is audio", chunk: []byte("endx"), kind: ChunkSamples, samples: []float32{math.Float32frombits(binary.LittleEndian.Uint32([]byte("endx")))}},
		{name: "two samples", chunk: EncodeSamples(nil, []float32{0.5, -0.25}), kind: ChunkSamples, samples: []float32{0.5, -0.25}},
		{name: "misaligned", chunk: make([]byte, 5), kind: ChunkMalformed},
		{name: "empty", chunk: nil, kind: ChunkSamples, samples: []float32{}},
	}

	d := NewDecoder(2048)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := d.Decode(tc.chunk)
			require.Equal(t, tc.kind, got.Kind, "kind %s", got.Kind)
			if tc.kind == ChunkSamples {
				assert.Equal(t, tc.samples, got.Samples)
			} else {
				assert.Empty(t, got.Samples)
			}
		})
	}
}

func TestDecoderMisalignedLengths(t *testing.T) {
	d := NewDecoder(64)
	for _, n := range []int{1, 2, 3, 5, 6, 7, 4*16 + 3} {
		assert.Equal(t, ChunkMalformed, d.Decode(bytes.Repeat([]byte{0x3f}, n)).Kind, "length %d", n)
	}
}

func TestDecoderGrowsPastConfiguredChunk(t *testing.T) {
	d := NewDecoder(4)
	got := d.Decode(EncodeSamples(nil, []float32{1, 2, 3}))
	assert.Equal(t, []float32{1, 2, 3}, got.Samples)
}

func TestDecoderRoundTripProperty(t *testing.T) {
	d := NewDecoder(2048)
	rapid.Check(t, func(rt *rapid.T) {
		bits := rapid.SliceOfN(rapid.Uint32(), 0, 512).Draw(rt, "bits")
		chunk := make([]byte, 0, len(bits)*4)
		for _, b := range bits {
			chunk = binary.LittleEndian.AppendUint32(chunk, b)
		}
		if bytes.Equal(bytes.TrimSpace(chunk), endSentinel) {
			rt.Skip("payload is the sentinel")
		}

		got := d.Decode(chunk)
		if got.Kind != ChunkSamples {
			rt.Fatalf("aligned chunk classified as %s", got.Kind)
		}
		if len(got.Samples) != len(bits) {
			rt.Fatalf("decoded %d samples, want %d", len(got.Samples), len(bits))
		}
		for i, s := range got.Samples {
			if math.Float32bits(s) != bits[i] {
				rt.Fatalf("sample %d: bits %08x, want %08x", i, math.Float32bits(s), bits[i])
			}
		}
	})
}

func TestStreamStateText(t *testing.T) {
	for _, st := range []StreamState{StateIdle, StateConnecting, StateSending, StateReceiving, StateEnded, StateAborted, StateFailed} {
		text, err := st.MarshalText()
		require.NoError(t, err)
		var back StreamState
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, st, back)
	}
	assert.True(t, StateEnded.Terminal())
	assert.True(t, StateAborted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateReceiving.Terminal())
	assert.Error(t, new(StreamState).UnmarshalText([]byte("paused")))
}
