// Package execer runs one Unix process for a task, or fakes it. It knows
// nothing about the scheduler; the worker agent turns assignments into
// Commands.
package execer

import (
	"fmt"
	"io"
)

// Command is what to start. Nil writers discard the output.
type Command struct {
	Argv []string
	Env  map[string]string
	Dir  string

	Stdout io.Writer
	Stderr io.Writer
}

type ProcessState int

const (
	Running ProcessState = iota + 1

	// Ran to its end; ExitCode says how it went
	Exited

	// Could not run, or was aborted; see Error
	Failed
)

func (s ProcessState) IsDone() bool {
	return s == Exited || s == Failed
}

func (s ProcessState) String() string {
	switch s {
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("ProcessState(%d)", int(s))
}

type Execer interface {
	Exec(command Command) (Process, error)
}

// Process is a started command. Wait and Abort may be called from different
// goroutines; once the process is done both return the same status.
type Process interface {
	Wait() ProcessStatus
	Abort() ProcessStatus
}

type ProcessStatus struct {
	State    ProcessState
	ExitCode int
	Error    string
}

func (s ProcessStatus) String() string {
	if s.State == Failed {
		return fmt.Sprintf("failed: %s", s.Error)
	}
	return fmt.Sprintf("%s %d", s.State, s.ExitCode)
}
