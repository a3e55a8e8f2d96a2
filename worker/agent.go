// Package worker is the agent running on each cluster node. It registers the
// node's capacity with the scheduler, runs the tasks assigned to it and
// streams their output and outcome back. Its view of its own tasks is a
// disposable mirror; the scheduler owns all authoritative state.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/worker/execer"
	"github.com/twitter/hpcsched/workerapi"
)

// Failure reasons reported by the worker beyond the scheduler's own.
const (
	ReasonBodyUnavailable = "BodyUnavailable"
	ReasonLaunchFailed    = "LaunchFailed"
	ReasonWorkerStopping  = "WorkerStopping"
)

// RefusedError is returned by Run when the scheduler refused to register
// this worker. Retrying would not help.
type RefusedError struct {
	Msg string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("registration refused: %s", e.Msg)
}

var errShutdown = errors.New("shutdown requested by the scheduler")

type Agent struct {
	config  Config
	execer  execer.Execer
	fetcher *bodyFetcher
	stat    stats.StatsReceiver
	started time.Time

	mu       sync.Mutex
	sess     *session
	workerID uint64
	tasks    map[workerapi.TaskEpoch]*task
	stopping bool
	running  sync.WaitGroup
}

func NewAgent(config Config, ex execer.Execer, stat stats.StatsReceiver) *Agent {
	config.setDefaults()
	if config.Name == "" {
		config.Name, _ = os.Hostname()
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Agent{
		config:  config,
		execer:  ex,
		fetcher: newBodyFetcher(config.BodyFetchTries, config.BodyFetchTimeout, config.MaxFrameSize, stat),
		stat:    stat,
		started: time.Now(),
		tasks:   make(map[workerapi.TaskEpoch]*task),
	}
}

// WorkerID is the id of the current or last registration, 0 before the first.
func (a *Agent) WorkerID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workerID
}

// Run serves the scheduler until ctx is done or the scheduler sends
// Shutdown, both of which return nil. A lost connection is retried with
// exponential backoff, reset by every successful registration; Run gives up
// after ReconnectMaxElapsed without one. A refused registration ends Run
// with a *RefusedError. Running tasks are aborted before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	log.Infof("Starting worker agent with %s", &a.config)
	defer a.stopAll()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = a.config.ReconnectMaxElapsed
	for {
		registered, err := a.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Cause(err) == errShutdown {
			log.WithFields(
				log.Fields{
					"workerID": a.WorkerID(),
				}).Info("Scheduler shut this worker down")
			return nil
		}
		if _, ok := errors.Cause(err).(*RefusedError); ok {
			return err
		}
		if registered {
			b.Reset()
		}
		a.stat.Counter(stats.WorkerReconnectCounter).Inc(1)
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return errors.Wrapf(err, "giving up reconnecting to %s", a.config.ServerAddr)
		}
		log.WithFields(
			log.Fields{
				"server": a.config.ServerAddr,
				"wait":   wait,
				"err":    err,
			}).Info("Lost scheduler connection, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// connect runs one connection: registration, then the session until it
// breaks. registered reports whether the scheduler accepted this worker.
func (a *Agent) connect(ctx context.Context) (registered bool, err error) {
	d := net.Dialer{Timeout: a.config.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", a.config.ServerAddr)
	if err != nil {
		return false, errors.Wrapf(err, "dialing %s", a.config.ServerAddr)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reg := a.registration()
	conn.SetDeadline(time.Now().Add(a.config.DialTimeout))
	if err := workerapi.WriteMessage(conn, reg); err != nil {
		return false, errors.Wrap(err, "sending registration")
	}
	m, err := workerapi.ReadMessage(conn, a.config.MaxFrameSize)
	if err != nil {
		return false, errors.Wrap(err, "reading registration response")
	}
	rsp, ok := m.(*workerapi.RegisterResponse)
	if !ok {
		return false, errors.Errorf("expected RegisterResponse, got %s", m.Tag())
	}
	if rsp.Error != "" {
		return false, &RefusedError{Msg: rsp.Error}
	}
	conn.SetDeadline(time.Time{})

	sess := newSession(ctx, conn, rsp.HeartbeatInterval, a.config.MaxFrameSize)
	a.mu.Lock()
	a.workerID = rsp.WorkerID
	a.sess = sess
	a.mu.Unlock()
	log.WithFields(
		log.Fields{
			"workerID": rsp.WorkerID,
			"serverID": rsp.ServerID,
			"running":  reg.Running,
			"interval": rsp.HeartbeatInterval,
		}).Info("Registered with scheduler")

	err = sess.serve(a.handle)

	a.mu.Lock()
	if a.sess == sess {
		a.sess = nil
	}
	a.mu.Unlock()
	return true, err
}

// registration describes this worker, including what it still runs from a
// previous connection so the scheduler can rebind it.
func (a *Agent) registration() *workerapi.Register {
	a.mu.Lock()
	defer a.mu.Unlock()
	running := make([]workerapi.TaskEpoch, 0, len(a.tasks))
	for te := range a.tasks {
		running = append(running, te)
	}
	sort.Slice(running, func(i, j int) bool { return running[i].TaskID < running[j].TaskID })

	lifetime := a.config.Lifetime
	if lifetime > 0 {
		lifetime -= time.Since(a.started)
		if lifetime <= 0 {
			lifetime = time.Nanosecond
		}
	}
	return &workerapi.Register{
		Version:          workerapi.ProtocolVersion,
		Name:             a.config.Name,
		Token:            a.config.Token,
		Descriptor:       a.config.Descriptor,
		Lifetime:         lifetime,
		PreviousWorkerID: a.workerID,
		Running:          running,
	}
}

// handle runs on the session's reader goroutine and must not block.
func (a *Agent) handle(m workerapi.Message) error {
	switch msg := m.(type) {
	case *workerapi.Assign:
		a.assign(msg)
	case *workerapi.Cancel:
		a.cancel(msg.TaskEpoch)
	case *workerapi.Shutdown:
		log.WithFields(
			log.Fields{
				"reason": msg.Reason,
			}).Info("Received Shutdown")
		return errShutdown
	default:
		log.WithFields(
			log.Fields{
				"message": m.Tag(),
			}).Info("Ignoring unexpected message from scheduler")
	}
	return nil
}

func (a *Agent) assign(m *workerapi.Assign) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopping {
		return
	}
	if _, ok := a.tasks[m.TaskEpoch]; ok {
		log.WithFields(
			log.Fields{
				"taskID": m.TaskID,
				"epoch":  m.Epoch,
			}).Info("Ignoring duplicate assignment")
		return
	}
	t := newTask(m)
	a.tasks[m.TaskEpoch] = t
	log.WithFields(
		log.Fields{
			"taskID":     m.TaskID,
			"epoch":      m.Epoch,
			"name":       m.Name,
			"node":       m.NodeIndex,
			"nodes":      m.Nodes,
			"allocation": m.Allocation.String(),
		}).Info("Received assignment")
	if !m.Coordinator() {
		// held until the scheduler cancels it
		return
	}
	a.running.Add(1)
	go a.run(t)
}

func (a *Agent) cancel(te workerapi.TaskEpoch) {
	a.mu.Lock()
	t, ok := a.tasks[te]
	if ok && !t.assign.Coordinator() {
		delete(a.tasks, te)
	}
	a.mu.Unlock()
	if !ok {
		log.WithFields(
			log.Fields{
				"taskID": te.TaskID,
				"epoch":  te.Epoch,
			}).Debug("Cancel for a task this worker does not run")
		return
	}
	log.WithFields(
		log.Fields{
			"taskID": te.TaskID,
			"epoch":  te.Epoch,
		}).Info("Cancelling task")
	if t.assign.Coordinator() {
		t.abort(graph.ReasonCancelled)
	}
}

func (a *Agent) forget(te workerapi.TaskEpoch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tasks, te)
}

// report sends m on the current session. Reports made while disconnected are
// dropped; the scheduler recovers those tasks when the worker reconnects.
func (a *Agent) report(m workerapi.Message) {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess == nil || !sess.send(m) {
		log.WithFields(
			log.Fields{
				"message": m.Tag(),
			}).Debug("Not connected, dropping report")
	}
}

// stopAll aborts every running task and waits for them.
func (a *Agent) stopAll() {
	a.mu.Lock()
	a.stopping = true
	tasks := make([]*task, 0, len(a.tasks))
	for _, t := range a.tasks {
		tasks = append(tasks, t)
	}
	a.mu.Unlock()
	for _, t := range tasks {
		t.abort(ReasonWorkerStopping)
	}
	a.running.Wait()
}
