package graph

import (
	"fmt"
	"time"
)

type EventKind int

const (
	// Task changed state
	StateChanged EventKind = iota

	// A chunk of task output, in sequence order for its stream
	Output

	// Output chunks [Sequence, Sequence+Missing) of a stream will never arrive
	Gap
)

func (k EventKind) String() string {
	switch k {
	case StateChanged:
		return "state"
	case Output:
		return "output"
	case Gap:
		return "StreamGapDetected"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(b []byte) error {
	for _, kind := range []EventKind{StateChanged, Output, Gap} {
		if kind.String() == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", b)
}

// Event is one entry of a task's client-visible history. Seq numbers the
// events of a single task from 1 and is assigned when the event is recorded.
type Event struct {
	Seq      uint64    `json:"seq"`
	TaskID   TaskID    `json:"task_id"`
	Kind     EventKind `json:"kind"`
	State    State     `json:"state"`
	Reason   string    `json:"reason,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	Stream   uint32    `json:"stream,omitempty"`
	Sequence uint64    `json:"sequence,omitempty"`
	Missing  uint64    `json:"missing,omitempty"`
	Data     []byte    `json:"data,omitempty"`
	Time     time.Time `json:"time"`
}

// Terminal reports whether this event ends the task's history.
func (e Event) Terminal() bool {
	return e.Kind == StateChanged && e.State.IsTerminal()
}

func (e Event) String() string {
	switch e.Kind {
	case Output:
		return fmt.Sprintf("task %d output stream:%d seq:%d %dB", e.TaskID, e.Stream, e.Sequence, len(e.Data))
	case Gap:
		return fmt.Sprintf("task %d gap stream:%d seq:%d missing:%d", e.TaskID, e.Stream, e.Sequence, e.Missing)
	}
	if e.Reason != "" {
		return fmt.Sprintf("task %d -> %s (%s)", e.TaskID, e.State, e.Reason)
	}
	return fmt.Sprintf("task %d -> %s", e.TaskID, e.State)
}
