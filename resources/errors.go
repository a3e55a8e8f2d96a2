package resources

import "fmt"

// UnsatisfiableReason is the failure reason of a task that no worker could
// ever run.
const UnsatisfiableReason = "Unsatisfiable"

// ResourceError is a permanent mismatch between a requirement and the cluster.
type ResourceError struct {
	Reason      string
	Requirement string
}

func NewUnsatisfiableError(r Requirement) *ResourceError {
	return &ResourceError{Reason: UnsatisfiableReason, Requirement: r.String()}
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: no registered worker can ever provide %s", e.Reason, e.Requirement)
}
