package server

import (
	"fmt"

	"github.com/twitter/hpcsched/resources"
	"github.com/twitter/hpcsched/scheduler/graph"
)

// assignment binds one epoch of a task to its workers. workers[0] is the
// coordinator. All reservations are released together.
type assignment struct {
	taskID  graph.TaskID
	epoch   uint32
	variant int
	workers []WorkerID
	allocs  []*resources.Allocation

	// Assign messages went out
	sent bool

	// Coordinator reported Started
	started bool

	// Task was cancelled while assigned; waiting for the coordinator to stop
	cancelled bool

	// Resurrected from the journal: the worker ids each node had before the
	// restart, zeroed once the node is bound to a live session again
	pending []uint64

	// reorder buffers of the coordinator's output, by stream
	streams map[uint32]*streamBuffer
}

func newAssignment(id graph.TaskID, variant, nodes int) *assignment {
	return &assignment{
		taskID:  id,
		variant: variant,
		workers: make([]WorkerID, nodes),
		allocs:  make([]*resources.Allocation, nodes),
	}
}

func (a *assignment) String() string {
	return fmt.Sprintf("{task:%d, epoch:%d, variant:%d, workers:%v, started:%t, cancelled:%t, pending:%v}",
		a.taskID, a.epoch, a.variant, a.workers, a.started, a.cancelled, a.pending)
}

func (a *assignment) coordinator() WorkerID {
	return a.workers[0]
}

// nodeOf returns the node index of a worker, or -1.
func (a *assignment) nodeOf(id WorkerID) int {
	for i, w := range a.workers {
		if w == id && id != 0 {
			return i
		}
	}
	return -1
}

// awaitingRecovery reports whether some node has not reconnected since a restart.
func (a *assignment) awaitingRecovery() bool {
	for _, p := range a.pending {
		if p != 0 {
			return true
		}
	}
	return false
}

func (a *assignment) workerIDs() []uint64 {
	out := make([]uint64, len(a.workers))
	for i, w := range a.workers {
		out[i] = uint64(w)
	}
	return out
}
