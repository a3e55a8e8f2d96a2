// Package os runs task commands as real processes, each in its own process
// group so an abort reaches everything the command spawned.
package os

import (
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/twitter/hpcsched/worker/execer"
)

// DefaultAbortTimeout is how long an aborted process group gets between
// SIGTERM and SIGKILL.
const DefaultAbortTimeout = 10 * time.Second

type osExecer struct {
	abortTimeout time.Duration
}

// NewExecer returns an Execer starting real processes. A zero abortTimeout
// means DefaultAbortTimeout.
func NewExecer(abortTimeout time.Duration) execer.Execer {
	if abortTimeout <= 0 {
		abortTimeout = DefaultAbortTimeout
	}
	return &osExecer{abortTimeout: abortTimeout}
}

func (e *osExecer) Exec(command execer.Command) (execer.Process, error) {
	if len(command.Argv) == 0 {
		return nil, errors.New("no command specified")
	}

	cmd := exec.Command(command.Argv[0], command.Argv[1:]...)
	cmd.Dir = command.Dir

	// the parent environment plus whatever the task adds, in a stable order
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(command.Env))
	for k := range command.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+command.Env[k])
	}

	// Sets pgid of all child processes to cmd's pid
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Pipes rather than direct writers, so Wait can finish draining output
	// before the process is reaped.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stderr pipe")
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go copyOutput(&wg, command.Stdout, stdout)
	go copyOutput(&wg, command.Stderr, stderr)

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", command.Argv[0])
	}

	p := &process{
		cmd:          cmd,
		abortTimeout: e.abortTimeout,
		doneCh:       make(chan struct{}),
	}
	go p.reap(&wg)
	return p, nil
}

func copyOutput(wg *sync.WaitGroup, w io.Writer, r io.Reader) {
	defer wg.Done()
	if w == nil {
		w = io.Discard
	}
	io.Copy(w, r)
}
