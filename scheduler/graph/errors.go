package graph

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorKind int

const (
	UnknownDependency ErrorKind = iota
	CycleDetected
	UnknownTask
	InvalidTransition
	InvalidDefinition
)

func (k ErrorKind) String() string {
	switch k {
	case UnknownDependency:
		return "UnknownDependency"
	case CycleDetected:
		return "CycleDetected"
	case UnknownTask:
		return "UnknownTask"
	case InvalidTransition:
		return "InvalidTransition"
	case InvalidDefinition:
		return "InvalidDefinition"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// GraphError is returned for submissions and transitions the graph refuses.
// A refused submission never changes the graph.
type GraphError struct {
	Kind ErrorKind
	Task TaskID
	Dep  TaskID
	Msg  string
}

func (e *GraphError) Error() string {
	switch e.Kind {
	case UnknownDependency:
		return fmt.Sprintf("%s: task depends on unknown task %d", e.Kind, e.Dep)
	case CycleDetected:
		return fmt.Sprintf("%s: edge %d -> %d would close a cycle", e.Kind, e.Dep, e.Task)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: task %d: %s", e.Kind, e.Task, e.Msg)
	}
	return fmt.Sprintf("%s: task %d", e.Kind, e.Task)
}

// IsKind reports whether err, or the error it wraps, is a *GraphError of
// the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ge, ok := errors.Cause(err).(*GraphError)
	return ok && ge.Kind == kind
}
