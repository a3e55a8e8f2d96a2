package os

import (
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/worker/execer"
)

type process struct {
	cmd          *exec.Cmd
	abortTimeout time.Duration

	// doneCh is closed once the process has been reaped and result is final.
	doneCh chan struct{}
	mu     sync.Mutex
	result *execer.ProcessStatus
}

// reap is the only caller of cmd.Wait. It waits for the output copiers first;
// they end when every process holding the pipes has exited.
func (p *process) reap(wg *sync.WaitGroup) {
	wg.Wait()
	err := p.cmd.Wait()
	log.WithFields(
		log.Fields{
			"pid": p.cmd.Process.Pid,
			"err": err,
		}).Debug("Finished waiting for process")

	status := execer.ProcessStatus{State: execer.Exited}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				status.ExitCode = ws.ExitStatus()
				if ws.Signaled() {
					status.ExitCode = 128 + int(ws.Signal())
				}
			} else {
				status = execer.ProcessStatus{State: execer.Failed, Error: "could not find WaitStatus from exit error"}
			}
		} else {
			status = execer.ProcessStatus{State: execer.Failed, Error: err.Error()}
		}
	}

	p.mu.Lock()
	if p.result == nil {
		p.result = &status
	}
	p.mu.Unlock()
	close(p.doneCh)
}

// Wait blocks until the process exits. A command that ran to its end is
// Exited with its exit code, whatever that is.
func (p *process) Wait() execer.ProcessStatus {
	<-p.doneCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.result
}

// Abort SIGTERMs the process group and SIGKILLs it if it is still around
// after the abort timeout.
func (p *process) Abort() execer.ProcessStatus {
	p.mu.Lock()
	if p.result != nil {
		defer p.mu.Unlock()
		return *p.result
	}
	p.result = &execer.ProcessStatus{State: execer.Failed, ExitCode: -1, Error: "Aborted"}
	p.mu.Unlock()

	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		log.WithFields(
			log.Fields{
				"pid": pid,
				"err": err,
			}).Error("Error aborting process group via SIGTERM")
		p.kill(fmt.Sprintf("SIGTERM failed: %s.", err))
	} else {
		log.WithFields(
			log.Fields{
				"pid": pid,
			}).Info("Aborting process group via SIGTERM")
		select {
		case <-p.doneCh:
			p.appendError(" (SIGTERM)")
		case <-time.After(p.abortTimeout):
			p.kill(fmt.Sprintf("%s timeout exceeded.", p.abortTimeout))
		}
	}
	return p.Wait()
}

func (p *process) kill(reason string) {
	pid := p.cmd.Process.Pid
	log.WithFields(
		log.Fields{
			"pid":    pid,
			"reason": reason,
		}).Error("Killing process group")
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		p.appendError(fmt.Sprintf(" %s Couldn't kill process: %s.", reason, err))
	} else {
		p.appendError(fmt.Sprintf(" %s (SIGKILL)", reason))
	}
	<-p.doneCh
}

func (p *process) appendError(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Error += s
}
