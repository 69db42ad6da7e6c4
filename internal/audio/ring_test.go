package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func seq(from, to int) []float32 {
	out := make([]float32, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, float32(i))
	}
	return out
}

func drain(r *SampleRing, block int) []float32 {
	var out []float32
	buf := make([]float32, block)
	for {
		n := r.PopBlock(buf)
		if n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

func TestSampleRingEvictsOldest(t *testing.T) {
	r := NewSampleRing(5)
	evicted := r.PushMany(seq(1, 8))

	assert.Equal(t, 3, evicted)
	assert.Equal(t, 5, r.Len())
	assert.Equal(t, seq(4, 8), drain(r, 2))
	assert.EqualValues(t, 3, r.Evicted())
}

func TestSampleRingEvictsAcrossPushes(t *testing.T) {
	r := NewSampleRing(5)
	r.PushMany(seq(1, 3))
	r.PushMany(seq(4, 6))
	r.PushMany(seq(7, 8))

	assert.Equal(t, seq(4, 8), drain(r, 3))
}

func TestSampleRingPopBlockShort(t *testing.T) {
	r := NewSampleRing(8)
	r.PushMany([]float32{0.5, -0.5, 0.25})

	dst := make([]float32, 4)
	n := r.PopBlock(dst)
	require.Equal(t, 3, n)
	assert.Equal(t, []float32{0.5, -0.5, 0.25}, dst[:n])
	assert.Zero(t, r.PopBlock(dst))
}

func TestSampleRingWrapAround(t *testing.T) {
	r := NewSampleRing(4)
	r.PushMany(seq(1, 3))
	dst := make([]float32, 2)
	r.PopBlock(dst)
	r.PushMany(seq(4, 6))

	assert.Equal(t, seq(3, 6), drain(r, 3))
}

func TestSampleRingClear(t *testing.T) {
	r := NewSampleRing(4)
	r.PushMany(seq(1, 4))
	r.Clear()
	assert.Zero(t, r.Len())
	r.PushMany(seq(9, 10))
	assert.Equal(t, seq(9, 10), drain(r, 4))
}

func TestCapacityFor(t *testing.T) {
	assert.Equal(t, 240000, CapacityFor(24000, 10))
	assert.Equal(t, 12000, CapacityFor(24000, 0.5))
}

func TestSampleRingFIFOProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 64).Draw(rt, "capacity")
		batches := rapid.SliceOf(rapid.SliceOfN(rapid.IntRange(-1000, 1000), 0, 40)).Draw(rt, "batches")
		block := rapid.IntRange(1, 16).Draw(rt, "block")

		r := NewSampleRing(capacity)
		var pushed []float32
		for _, batch := range batches {
			samples := make([]float32, len(batch))
			for i, v := range batch {
				samples[i] = float32(v)
			}
			pushed = append(pushed, samples...)
			r.PushMany(samples)
		}

		want := pushed
		if len(want) > capacity {
			want = want[len(want)-capacity:]
		}
		got := drain(r, block)
		if len(want) == 0 {
			want = nil
		}
		if !assert.ObjectsAreEqual(want, got) {
			rt.Fatalf("popped %v, want %v", got, want)
		}
		if uint64(len(pushed)-len(want)) != r.Evicted() {
			rt.Fatalf("evicted %d, want %d", r.Evicted(), len(pushed)-len(want))
		}
	})
}

func TestSampleRingBoundedProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 32).Draw(rt, "capacity")
		r := NewSampleRing(capacity)
		ops := rapid.IntRange(1, 50).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			if rapid.Bool().Draw(rt, "push") {
				n := rapid.IntRange(0, 3*capacity).Draw(rt, "n")
				r.PushMany(make([]float32, n))
			} else {
				r.PopBlock(make([]float32, rapid.IntRange(0, capacity).Draw(rt, "pop")))
			}
			if r.Len() > capacity {
				rt.Fatalf("len %d exceeds capacity %d", r.Len(), capacity)
			}
		}
	})
}
