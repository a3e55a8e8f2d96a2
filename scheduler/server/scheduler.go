// Package server provides the main task scheduling interface for hpcsched
package server

import (
	"time"

	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/workerapi"
)

// Scheduler is the task submission boundary.
type Scheduler interface {
	Submit(def graph.TaskDefinition) (graph.TaskID, error)

	// SubmitBatch adds every entry or none of them.
	SubmitBatch(entries []graph.BatchEntry) ([]graph.TaskID, error)

	Cancel(id graph.TaskID) error

	// Subscribe replays the task's events with a sequence number above
	// after, then follows new ones.
	Subscribe(id graph.TaskID, after uint64) (*Subscription, error)

	TaskStatus(id graph.TaskID) (TaskStatus, error)

	// TaskBody returns the body of a task that has not terminated yet, or
	// one that asked to be kept alive.
	TaskBody(id graph.TaskID) (graph.Body, error)

	Workers() []WorkerStatus

	Stop()
}

// WorkerLink is how connection handlers talk to the scheduler. Calls for one
// worker must come from a single goroutine so their order is preserved.
type WorkerLink interface {
	// RegisterWorker blocks until the scheduler accepted or refused the worker.
	// A refused worker gets a response with Error set and a zero id. The
	// response is also queued on out, ahead of anything else; callers must
	// not send it again.
	RegisterWorker(reg *workerapi.Register, out Outbox) (*workerapi.RegisterResponse, WorkerID)

	WorkerMessage(id WorkerID, m workerapi.Message)

	WorkerDisconnected(id WorkerID)
}

// Outbox queues messages for one worker connection. Send must not block; it
// returns false when the connection is gone or cannot keep up.
type Outbox interface {
	Send(m workerapi.Message) bool
	Close()
}

// Allocator picks workers for Ready tasks. It subtracts what it hands out
// from the workers' free capacity and returns the tasks that no live worker
// could ever run.
type Allocator interface {
	Allocate(ready []*graph.Task, cs *clusterState, now time.Time) ([]*assignment, []*graph.Task)
}

// TaskStatus is a snapshot of one task.
type TaskStatus struct {
	ID          graph.TaskID `json:"id"`
	Name        string       `json:"name"`
	State       graph.State  `json:"state"`
	Reason      string       `json:"reason,omitempty"`
	ExitCode    int          `json:"exit_code"`
	Epoch       uint32       `json:"epoch"`
	Retries     int          `json:"retries"`
	Priority    int32        `json:"priority"`
	Requirement string       `json:"requirement"`
	Workers     []WorkerID   `json:"workers,omitempty"`
	Submitted   time.Time    `json:"submitted"`
	Updated     time.Time    `json:"updated"`
}

// WorkerStatus is a snapshot of one session.
type WorkerStatus struct {
	ID         WorkerID       `json:"id"`
	Name       string         `json:"name"`
	State      string         `json:"state"`
	Total      string         `json:"total"`
	Free       string         `json:"free"`
	Tasks      []graph.TaskID `json:"tasks"`
	Registered time.Time      `json:"registered"`
	Heartbeat  time.Time      `json:"last_heartbeat"`
}
