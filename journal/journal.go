// Package journal defines the recovery journal: a small durable table of the
// assignments in flight, enough for a restarted scheduler to take back tasks
// that kept running on workers while it was down.
package journal

//go:generate mockgen -source=journal.go -package=journal -destination=journal_mock.go

import (
	"fmt"

	"github.com/twitter/hpcsched/scheduler/graph"
)

// Record is one in-flight assignment. Workers lists the worker ids holding
// the task, coordinator first. Task is the encoded task definition.
type Record struct {
	TaskID  graph.TaskID `json:"task"`
	Epoch   uint32       `json:"epoch"`
	Retries int          `json:"retries,omitempty"`
	Workers []uint64     `json:"workers"`
	Task    []byte       `json:"def"`
}

func (r Record) String() string {
	return fmt.Sprintf("task:%d epoch:%d retries:%d workers:%v def:%dB",
		r.TaskID, r.Epoch, r.Retries, r.Workers, len(r.Task))
}

// Journal is keyed by task id. Implementations must be durable once a call
// returns and safe for use from one goroutine at a time.
type Journal interface {
	// Append records an assignment, replacing any earlier record of the task.
	Append(r Record) error

	// Release forgets a task. Releasing an unknown task is not an error.
	Release(id graph.TaskID) error

	// Replay returns every live record, ordered by task id.
	Replay() ([]Record, error)

	// Compact reclaims the space taken by replaced and released records.
	Compact() error

	Close() error
}

// CorruptedJournalError is returned by Replay when the journal cannot be
// read back. The scheduler refuses to start on it.
type CorruptedJournalError struct {
	Path string
	Msg  string
}

func (e CorruptedJournalError) Error() string {
	return fmt.Sprintf("corrupted journal %s: %s", e.Path, e.Msg)
}

func NewCorruptedJournalError(path, msg string) error {
	return CorruptedJournalError{Path: path, Msg: msg}
}
