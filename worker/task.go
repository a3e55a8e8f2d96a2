package worker

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/worker/execer"
	"github.com/twitter/hpcsched/workerapi"
)

// task is this worker's share of one assignment.
type task struct {
	assign *workerapi.Assign
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	proc        execer.Process
	abortReason string
}

func newTask(m *workerapi.Assign) *task {
	ctx, cancel := context.WithCancel(context.Background())
	return &task{assign: m, ctx: ctx, cancel: cancel}
}

// abort stops the task for reason. The first reason sticks.
func (t *task) abort(reason string) {
	t.mu.Lock()
	if t.abortReason == "" {
		t.abortReason = reason
	}
	p := t.proc
	t.mu.Unlock()
	t.cancel()
	if p != nil {
		go p.Abort()
	}
}

func (t *task) aborted() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortReason
}

// run drives a coordinator task from Started to its terminal report.
func (a *Agent) run(t *task) {
	defer a.running.Done()
	m := t.assign
	te := m.TaskEpoch
	defer a.forget(te)
	defer t.cancel()

	a.report(&workerapi.Started{TaskEpoch: te})
	a.stat.Counter(stats.WorkerTasksStartedCounter).Inc(1)

	body := m.Body
	if m.BodyURL != "" {
		var err error
		body, err = a.fetcher.fetch(t.ctx, m.BodyURL)
		if err != nil {
			if reason := t.aborted(); reason != "" {
				a.fail(te, reason, "")
			} else {
				a.fail(te, ReasonBodyUnavailable, err.Error())
			}
			return
		}
	}

	argv, env, dir, err := buildCommand(m, body, a.config.WorkDir)
	if err != nil {
		a.fail(te, ReasonLaunchFailed, err.Error())
		return
	}
	cmd := execer.Command{
		Argv:   argv,
		Env:    env,
		Dir:    dir,
		Stdout: &chunkWriter{report: a.report, stat: a.stat, te: te, stream: workerapi.Stdout, size: a.config.OutputChunkSize},
		Stderr: &chunkWriter{report: a.report, stat: a.stat, te: te, stream: workerapi.Stderr, size: a.config.OutputChunkSize},
	}

	t.mu.Lock()
	if t.abortReason != "" {
		reason := t.abortReason
		t.mu.Unlock()
		a.fail(te, reason, "")
		return
	}
	p, err := a.execer.Exec(cmd)
	if err != nil {
		t.mu.Unlock()
		a.fail(te, ReasonLaunchFailed, err.Error())
		return
	}
	t.proc = p
	t.mu.Unlock()
	log.WithFields(
		log.Fields{
			"taskID": te.TaskID,
			"epoch":  te.Epoch,
			"argv":   argv,
			"dir":    dir,
		}).Info("Started task process")

	if m.TimeLimit > 0 {
		timer := time.AfterFunc(m.TimeLimit, func() { t.abort(graph.ReasonTimeLimit) })
		defer timer.Stop()
	}

	st := p.Wait()
	if reason := t.aborted(); reason != "" {
		a.fail(te, reason, st.Error)
		return
	}
	if st.State != execer.Exited {
		a.fail(te, ReasonLaunchFailed, st.Error)
		return
	}
	log.WithFields(
		log.Fields{
			"taskID":   te.TaskID,
			"epoch":    te.Epoch,
			"exitCode": st.ExitCode,
		}).Info("Task finished")
	a.stat.Counter(stats.WorkerTasksFinishedCounter).Inc(1)
	a.report(&workerapi.Finished{TaskEpoch: te, ExitCode: int32(st.ExitCode)})
}

func (a *Agent) fail(te workerapi.TaskEpoch, reason, msg string) {
	log.WithFields(
		log.Fields{
			"taskID": te.TaskID,
			"epoch":  te.Epoch,
			"reason": reason,
			"err":    msg,
		}).Info("Task failed")
	a.stat.Counter(stats.WorkerTasksFailedCounter).Inc(1)
	a.report(&workerapi.Failed{TaskEpoch: te, Reason: reason, Message: msg})
}
