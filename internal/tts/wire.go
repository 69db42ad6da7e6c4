package tts

import (
	"bytes"
	"encoding/binary"
	"math"
)

// EndSentinel is the in-band marker a synthesis server sends, as a read of its
// own, once the utterance is complete.
const EndSentinel = "END"

var endSentinel = []byte(EndSentinel)

// ChunkKind classifies one read from the synthesis socket.
type ChunkKind int

const (
	ChunkSamples ChunkKind = iota
	ChunkEnd
	ChunkMalformed
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkSamples:
		return "samples"
	case ChunkEnd:
		return "end"
	case ChunkMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Chunk is a decoded read. Samples is only set for ChunkSamples and is valid
// until the next call to Decode.
type Chunk struct {
	Kind    ChunkKind
	Samples []float32
}

// Decoder turns raw socket reads into sample batches. Each read is decoded on
// its own; nothing is carried across reads.
type Decoder struct {
	buf []float32
}

// NewDecoder sizes the sample buffer for reads of up to chunkBytes.
func NewDecoder(chunkBytes int) *Decoder {
	return &Decoder{buf: make([]float32, 0, chunkBytes/4)}
}

// Decode classifies chunk. The sentinel is matched before the alignment check,
// so a read of " END" is an end marker even though it is four bytes long.
func (d *Decoder) Decode(chunk []byte) Chunk {
	if bytes.Equal(bytes.TrimSpace(chunk), endSentinel) {
		return Chunk{Kind: ChunkEnd}
	}
	if len(chunk)%4 != 0 {
		return Chunk{Kind: ChunkMalformed}
	}

	count := len(chunk) / 4
	if cap(d.buf) < count {
		d.buf = make([]float32, 0, count)
	}
	samples := d.buf[:count]
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(chunk[i*4:]))
	}
	return Chunk{Kind: ChunkSamples, Samples: samples}
}

// EncodeSamples appends the wire form of samples to dst.
func EncodeSamples(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(s))
	}
	return dst
}
