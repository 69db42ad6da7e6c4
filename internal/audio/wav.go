package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WritePCM16WAV wraps signed 16-bit little-endian PCM in a WAV container.
func WritePCM16WAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WAVRecorder captures float32 samples into a mono 16-bit WAV stream.
// Samples outside [-1, 1] are clipped.
type WAVRecorder struct {
	mu      sync.Mutex
	enc     *wav.Encoder
	format  *goaudio.Format
	frames  []int
	written int
	err     error
}

// NewWAVRecorder starts a WAV stream on w.
func NewWAVRecorder(w io.WriteSeeker, sampleRate int) *WAVRecorder {
	return &WAVRecorder{
		enc:    wav.NewEncoder(w, sampleRate, 16, 1, 1),
		format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
	}
}

// Write appends samples. The first encoder error sticks and is returned by
// every later call, including Close.
func (r *WAVRecorder) Write(samples []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = r.frames[:0]
	for _, s := range samples {
		r.frames = append(r.frames, int(floatToPCM16(s)))
	}
	buffer := &goaudio.IntBuffer{Format: r.format, Data: r.frames, SourceBitDepth: 16}
	if err := r.enc.Write(buffer); err != nil {
		r.err = fmt.Errorf("write wav: %w", err)
		return r.err
	}
	r.written += len(samples)
	return nil
}

// Samples returns how many samples were recorded.
func (r *WAVRecorder) Samples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close finalizes the WAV header.
func (r *WAVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Close(); err != nil && r.err == nil {
		r.err = fmt.Errorf("close wav encoder: %w", err)
	}
	return r.err
}

func floatToPCM16(s float32) int16 {
	switch {
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	return int16(s * 32767)
}
