package server

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func seqs(items []streamItem) []uint64 {
	var out []uint64
	for _, it := range items {
		if it.missing == 0 {
			out = append(out, it.seq)
		}
	}
	return out
}

func Test_StreamBuffer_InOrder(t *testing.T) {
	b := newStreamBuffer(4)
	assert.Equal(t, []uint64{0}, seqs(b.push(0, []byte("a"))))
	assert.Equal(t, []uint64{1}, seqs(b.push(1, []byte("b"))))
	assert.Empty(t, b.push(1, []byte("b")), "duplicate")
	assert.Empty(t, b.push(0, []byte("a")), "behind the stream")
	assert.Empty(t, b.flush())
}

func Test_StreamBuffer_Reorders(t *testing.T) {
	b := newStreamBuffer(4)
	assert.Empty(t, b.push(2, []byte("c")))
	assert.Empty(t, b.push(1, []byte("b")))
	assert.Empty(t, b.push(2, []byte("c")))
	out := b.push(0, []byte("a"))
	assert.Equal(t, []uint64{0, 1, 2}, seqs(out))
	assert.Equal(t, []byte("c"), out[2].data)
}

func Test_StreamBuffer_WindowOverflow(t *testing.T) {
	b := newStreamBuffer(2)
	assert.Empty(t, b.push(3, nil))
	assert.Empty(t, b.push(4, nil))
	out := b.push(6, nil)
	assert.Equal(t, []streamItem{
		{seq: 0, missing: 3},
		{seq: 3},
		{seq: 4},
	}, out)

	// a chunk from inside the gap arrives too late
	assert.Empty(t, b.push(1, nil))

	out = b.flush()
	assert.Equal(t, []streamItem{
		{seq: 5, missing: 1},
		{seq: 6},
	}, out)
}

// However chunks arrive, every sequence number is delivered or reported
// missing exactly once, in order.
func TestStreamBufferProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delivery covers the stream in order", prop.ForAll(
		func(seed int64) bool {
			r := rand.New(rand.NewSource(seed))
			n := 1 + r.Intn(50)
			b := newStreamBuffer(1 + r.Intn(8))
			var arrivals []uint64
			for i := 0; i < n; i++ {
				if r.Intn(5) != 0 {
					arrivals = append(arrivals, uint64(i))
				}
				if r.Intn(5) == 0 {
					arrivals = append(arrivals, uint64(r.Intn(n)))
				}
			}
			r.Shuffle(len(arrivals), func(i, j int) { arrivals[i], arrivals[j] = arrivals[j], arrivals[i] })

			var out []streamItem
			for _, seq := range arrivals {
				out = append(out, b.push(seq, nil)...)
			}
			out = append(out, b.flush()...)

			var next uint64
			for _, it := range out {
				if it.seq != next {
					return false
				}
				if it.missing > 0 {
					next += it.missing
				} else {
					next++
				}
			}
			// trailing chunks that never arrived are not reported
			return len(b.pending) == 0 && next <= uint64(n)
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
