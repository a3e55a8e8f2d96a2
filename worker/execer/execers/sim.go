// Package execers holds Execers that do not start real processes.
package execers

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/twitter/hpcsched/worker/execer"
)

// SimExecer fakes processes for tests and dry runs. Each argv element is
// one step, run in order:
//
//	complete <code>   exit with code
//	pause             wait for Resume
//	sleep <millis>    wait that long
//	stdout <text>     write text to stdout
//	stderr <text>     write text to stderr
//	env <NAME>        write the value of NAME to stdout
//	# ...             nothing
//
// Running out of steps exits with 0. Abort interrupts pause and sleep.
type SimExecer struct {
	resume chan struct{}
}

func NewSimExecer() *SimExecer {
	return &SimExecer{resume: make(chan struct{})}
}

// Resume releases one paused process, blocking until one pauses.
func (e *SimExecer) Resume() {
	e.resume <- struct{}{}
}

func (e *SimExecer) Exec(cmd execer.Command) (execer.Process, error) {
	steps := make([]simStep, 0, len(cmd.Argv))
	for _, arg := range cmd.Argv {
		s, err := e.parse(arg)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	p := &simProcess{
		cmd:     cmd,
		aborted: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run(steps)
	return p, nil
}

// A simStep returns true with an exit code to end the process.
type simStep func(p *simProcess) (exit bool, code int)

func (e *SimExecer) parse(arg string) (simStep, error) {
	if strings.HasPrefix(arg, "#") {
		return func(*simProcess) (bool, int) { return false, 0 }, nil
	}
	op, rest, _ := strings.Cut(arg, " ")
	switch op {
	case "complete":
		code, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("sim: bad exit code in %q: %v", arg, err)
		}
		return func(*simProcess) (bool, int) { return true, code }, nil
	case "pause":
		return func(p *simProcess) (bool, int) {
			select {
			case <-e.resume:
			case <-p.aborted:
			}
			return false, 0
		}, nil
	case "sleep":
		ms, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("sim: bad duration in %q: %v", arg, err)
		}
		return func(p *simProcess) (bool, int) {
			t := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer t.Stop()
			select {
			case <-t.C:
			case <-p.aborted:
			}
			return false, 0
		}, nil
	case "stdout":
		return func(p *simProcess) (bool, int) {
			write(p.cmd.Stdout, rest)
			return false, 0
		}, nil
	case "stderr":
		return func(p *simProcess) (bool, int) {
			write(p.cmd.Stderr, rest)
			return false, 0
		}, nil
	case "env":
		return func(p *simProcess) (bool, int) {
			write(p.cmd.Stdout, p.cmd.Env[rest])
			return false, 0
		}, nil
	}
	return nil, fmt.Errorf("sim: unknown step %q", arg)
}

func write(w io.Writer, s string) {
	if w != nil {
		io.WriteString(w, s)
	}
}

type simProcess struct {
	cmd     execer.Command
	aborted chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	status execer.ProcessStatus
}

func (p *simProcess) run(steps []simStep) {
	for _, step := range steps {
		select {
		case <-p.aborted:
			return
		default:
		}
		if exit, code := step(p); exit {
			p.finish(execer.ProcessStatus{State: execer.Exited, ExitCode: code})
			return
		}
	}
	p.finish(execer.ProcessStatus{State: execer.Exited})
}

// finish records the first final status only.
func (p *simProcess) finish(st execer.ProcessStatus) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.State.IsDone() {
		return false
	}
	p.status = st
	close(p.done)
	return true
}

func (p *simProcess) Wait() execer.ProcessStatus {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *simProcess) Abort() execer.ProcessStatus {
	if p.finish(execer.ProcessStatus{State: execer.Failed, ExitCode: -1, Error: "Aborted"}) {
		close(p.aborted)
	}
	return p.Wait()
}
