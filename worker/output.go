package worker

import (
	"sync"

	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/workerapi"
)

// chunkWriter turns one output stream of a task into OutputChunks numbered
// from 0, none larger than size.
type chunkWriter struct {
	report func(workerapi.Message)
	stat   stats.StatsReceiver
	te     workerapi.TaskEpoch
	stream uint32
	size   int

	mu  sync.Mutex
	seq uint64
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(p)
	for len(p) > 0 {
		k := min(len(p), w.size)
		w.report(&workerapi.OutputChunk{
			TaskEpoch: w.te,
			Stream:    w.stream,
			Sequence:  w.seq,
			Data:      append([]byte(nil), p[:k]...),
		})
		w.seq++
		w.stat.Counter(stats.WorkerOutputBytesCounter).Inc(int64(k))
		p = p[k:]
	}
	return n, nil
}
