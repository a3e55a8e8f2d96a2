// Package graph holds every task the scheduler knows about and the
// dependency edges between them. It is the only place task state changes.
//
// A Store is not safe for concurrent use. The scheduler loop owns it.
package graph

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/twitter/hpcsched/resources"
)

// TaskID is unique for the life of the server and never reused.
type TaskID uint64

// State of a task. Waiting -> Ready -> Assigned -> Running -> one terminal state.
type State int

const (
	// Some dependency has not finished yet
	Waiting State = iota

	// Every dependency finished, eligible for allocation
	Ready

	// Reserved on worker(s), assignment sent
	Assigned

	// Worker reported Started
	Running

	// Terminal, success
	Finished

	// Terminal, see Reason
	Failed

	// Terminal, cancelled by a client or because a dependency did not finish
	Cancelled
)

var stateNames = [...]string{"Waiting", "Ready", "Assigned", "Running", "Finished", "Failed", "Cancelled"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return errors.Errorf("unknown task state %q", b)
}

func (s State) IsTerminal() bool {
	return s == Finished || s == Failed || s == Cancelled
}

// Failure and cancellation reasons.
const (
	ReasonWorkerLost       = "WorkerLost"
	ReasonCancelled        = "Cancelled"
	ReasonDependencyFailed = "DependencyFailed"
	ReasonUnsatisfiable    = resources.UnsatisfiableReason
	ReasonTimeLimit        = "TimeLimit"
)

// BodyKind tags what a body's bytes mean to a worker.
type BodyKind int

const (
	// Opaque bytes handed to the worker untouched
	BodyRaw BodyKind = iota

	// An encoded command line (argv, env, cwd)
	BodyCommand
)

func (k BodyKind) String() string {
	if k == BodyCommand {
		return "command"
	}
	return "raw"
}

// Body is the work a task does. The scheduler only looks at its size.
// KeepAlive keeps the bytes around after the task terminates.
type Body struct {
	Kind      BodyKind
	Data      []byte
	KeepAlive bool
}

func (b Body) Size() int {
	return len(b.Data)
}

// PinMode tells the worker how to bind the process to its allocated cores.
type PinMode int

const (
	PinNone PinMode = iota
	PinTaskset
	PinOpenMP
)

var pinNames = [...]string{"none", "taskset", "openmp"}

func (p PinMode) String() string {
	if p < 0 || int(p) >= len(pinNames) {
		return fmt.Sprintf("PinMode(%d)", int(p))
	}
	return pinNames[p]
}

// ParsePinMode accepts the names printed by String; empty means PinNone.
func ParsePinMode(s string) (PinMode, error) {
	if s == "" {
		return PinNone, nil
	}
	for i, name := range pinNames {
		if name == s {
			return PinMode(i), nil
		}
	}
	return PinNone, errors.Errorf("unknown pin mode %q", s)
}

// TaskDefinition is what a client submits.
//
// CrashLimit overrides the scheduler's retry limit for worker loss: zero keeps
// the default, a negative value never retries.
type TaskDefinition struct {
	Name        string
	Requirement resources.Requirement
	Deps        []TaskID
	Priority    int32
	Body        Body
	CrashLimit  int32
	TimeLimit   time.Duration
	Pin         PinMode
}

// Validate checks what can be checked without the graph.
func (d *TaskDefinition) Validate() error {
	if err := d.Requirement.Validate(); err != nil {
		return errors.Wrap(err, "invalid resource requirement")
	}
	if d.TimeLimit < 0 {
		return errors.New("negative time limit")
	}
	return nil
}

func (d *TaskDefinition) String() string {
	return fmt.Sprintf("name:%s, req:%s, deps:%d, priority:%d, body:%s/%dB",
		d.Name, d.Requirement, len(d.Deps), d.Priority, d.Body.Kind, d.Body.Size())
}

// Outcome is the terminal result handed to CompleteTask.
type Outcome struct {
	State    State
	Reason   string
	ExitCode int
}

// Task is the store's record of one task.
type Task struct {
	ID       TaskID
	Def      TaskDefinition
	State    State
	Reason   string
	ExitCode int

	// Assignment epoch, bumped on every assignment
	Epoch uint32

	// Times the task was requeued after losing its worker
	Retries int

	Submitted time.Time
	Updated   time.Time

	level      int
	unfinished int
	dependents []TaskID
}

// Level is the task's topological level: one more than its deepest dependency.
func (t *Task) Level() int {
	return t.level
}

// Unfinished is the number of dependencies that have not finished yet.
func (t *Task) Unfinished() int {
	return t.unfinished
}

// Dependents lists tasks that depend on this one and were not finished when
// the edge was added.
func (t *Task) Dependents() []TaskID {
	return append([]TaskID(nil), t.dependents...)
}

func (t *Task) String() string {
	return fmt.Sprintf("task %d (%s) %s epoch:%d retries:%d", t.ID, t.Def.Name, t.State, t.Epoch, t.Retries)
}
