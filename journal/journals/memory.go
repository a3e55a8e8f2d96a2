package journals

import (
	"sort"
	"sync"

	"github.com/twitter/hpcsched/journal"
	"github.com/twitter/hpcsched/scheduler/graph"
)

// inMemoryJournal survives nothing; it is for tests and for running without
// recovery.
type inMemoryJournal struct {
	mu      sync.Mutex
	records map[graph.TaskID]journal.Record
}

func NewInMemoryJournal() *inMemoryJournal {
	return &inMemoryJournal{records: make(map[graph.TaskID]journal.Record)}
}

func (j *inMemoryJournal) Append(r journal.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[r.TaskID] = copyRecord(r)
	return nil
}

func (j *inMemoryJournal) Release(id graph.TaskID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.records, id)
	return nil
}

func (j *inMemoryJournal) Replay() ([]journal.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return sortedRecords(j.records), nil
}

func (j *inMemoryJournal) Compact() error {
	return nil
}

func (j *inMemoryJournal) Close() error {
	return nil
}

func copyRecord(r journal.Record) journal.Record {
	r.Workers = append([]uint64(nil), r.Workers...)
	r.Task = append([]byte(nil), r.Task...)
	return r
}

func sortedRecords(m map[graph.TaskID]journal.Record) []journal.Record {
	out := make([]journal.Record, 0, len(m))
	for _, r := range m {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].TaskID < out[k].TaskID })
	return out
}
