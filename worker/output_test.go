package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/workerapi"
)

func Test_ChunkWriter(t *testing.T) {
	var got []workerapi.Message
	w := &chunkWriter{
		report: func(m workerapi.Message) { got = append(got, m) },
		stat:   stats.NilStatsReceiver(),
		te:     workerapi.TaskEpoch{TaskID: 1, Epoch: 1},
		stream: workerapi.Stderr,
		size:   3,
	}
	buf := []byte("abcde")
	n, err := w.Write(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	// the writer must not keep the caller's buffer
	copy(buf, "zzzzz")
	n, _ = w.Write([]byte("f"))
	assert.Equal(t, 1, n)

	require.Len(t, got, 3)
	for i, want := range []string{"abc", "de", "f"} {
		chunk := got[i].(*workerapi.OutputChunk)
		assert.Equal(t, uint64(i), chunk.Sequence)
		assert.Equal(t, workerapi.Stderr, chunk.Stream)
		assert.Equal(t, want, string(chunk.Data))
	}
}
