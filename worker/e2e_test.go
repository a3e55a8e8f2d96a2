package worker_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/resources"
	"github.com/twitter/hpcsched/scheduler/api"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/scheduler/server"
	"github.com/twitter/hpcsched/worker"
	"github.com/twitter/hpcsched/worker/execer/execers"
	"github.com/twitter/hpcsched/workerapi"
)

// loopback is a real scheduler and worker listener on a local port.
type loopback struct {
	sched server.Scheduler
	addr  string
}

func startLoopback(t *testing.T) *loopback {
	sched, err := server.NewStatefulScheduler(
		server.SchedulerConfiguration{
			TickRate:          5 * time.Millisecond,
			HeartbeatInterval: 50 * time.Millisecond,
			HeartbeatGrace:    time.Second,
			MaxRetriesPerTask: 1,
			ServerID:          "loopback",
		},
		nil, nil, stats.NilStatsReceiver())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l := api.NewWorkerListener(sched, api.ListenerConfig{}, stats.NilStatsReceiver())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		sched.Stop()
		cancel()
		<-done
	})
	return &loopback{sched: sched, addr: ln.Addr().String()}
}

type runningAgent struct {
	agent  *worker.Agent
	ex     *execers.SimExecer
	cancel context.CancelFunc
	done   chan error
}

func (lb *loopback) startWorker(t *testing.T, name string, cpus int) *runningAgent {
	ex := execers.NewSimExecer()
	a := worker.NewAgent(worker.Config{
		ServerAddr: lb.addr,
		Name:       name,
		Descriptor: resources.NewDescriptor(resources.SimpleCpus(cpus)),
	}, ex, stats.NilStatsReceiver())
	ctx, cancel := context.WithCancel(context.Background())
	ra := &runningAgent{agent: a, ex: ex, cancel: cancel, done: make(chan error, 1)}
	go func() { ra.done <- a.Run(ctx) }()
	t.Cleanup(ra.stop)
	require.Eventually(t, func() bool { return a.WorkerID() != 0 }, 5*time.Second, 5*time.Millisecond)
	return ra
}

func (ra *runningAgent) stop() {
	ra.cancel()
	select {
	case err := <-ra.done:
		ra.done <- err
	case <-time.After(10 * time.Second):
	}
}

func simTask(t *testing.T, name string, cpus int64, nodes int, deps []graph.TaskID, argv ...string) graph.TaskDefinition {
	body, err := workerapi.CommandBody(&workerapi.Command{Argv: argv})
	require.NoError(t, err)
	req := resources.CpuRequirement(cpus)
	req.Nodes = nodes
	return graph.TaskDefinition{Name: name, Requirement: req, Deps: deps, Body: body}
}

func waitStatus(t *testing.T, sched server.Scheduler, id graph.TaskID, cond func(server.TaskStatus) bool) server.TaskStatus {
	var st server.TaskStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = sched.TaskStatus(id)
		return err == nil && cond(st)
	}, 10*time.Second, 5*time.Millisecond, "task %d: last status %+v", id, st)
	return st
}

func waitState(t *testing.T, sched server.Scheduler, id graph.TaskID, want graph.State) server.TaskStatus {
	return waitStatus(t, sched, id, func(st server.TaskStatus) bool { return st.State == want })
}

func Test_Loopback_DependentTasks(t *testing.T) {
	lb := startLoopback(t)
	lb.startWorker(t, "node1", 2)

	a, err := lb.sched.Submit(simTask(t, "A", 2, 1, nil, "stdout a", "sleep 20", "complete 0"))
	require.NoError(t, err)
	b, err := lb.sched.Submit(simTask(t, "B", 2, 1, nil, "stdout b", "sleep 20", "complete 0"))
	require.NoError(t, err)
	c, err := lb.sched.Submit(simTask(t, "C", 1, 1, []graph.TaskID{a, b}, "stdout c", "complete 3"))
	require.NoError(t, err)

	sub, err := lb.sched.Subscribe(c, 0)
	require.NoError(t, err)
	defer sub.Close()

	stC := waitState(t, lb.sched, c, graph.Finished)
	assert.Equal(t, 3, stC.ExitCode)
	stA := waitState(t, lb.sched, a, graph.Finished)
	stB := waitState(t, lb.sched, b, graph.Finished)
	assert.False(t, stC.Updated.Before(stA.Updated))
	assert.False(t, stC.Updated.Before(stB.Updated))

	var states []graph.State
	var out []byte
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case e, ok := <-sub.Events:
			if !ok {
				done = true
				break
			}
			switch e.Kind {
			case graph.StateChanged:
				states = append(states, e.State)
			case graph.Output:
				out = append(out, e.Data...)
			}
			done = e.Terminal()
		case <-timeout:
			t.Fatal("no terminal event")
		}
	}
	assert.Equal(t, "c", string(out))
	assert.Equal(t, graph.Finished, states[len(states)-1])
	assert.Contains(t, states, graph.Running)
}

func Test_Loopback_Cancel(t *testing.T) {
	lb := startLoopback(t)
	lb.startWorker(t, "node1", 1)

	id, err := lb.sched.Submit(simTask(t, "forever", 1, 1, nil, "pause"))
	require.NoError(t, err)
	waitState(t, lb.sched, id, graph.Running)

	require.NoError(t, lb.sched.Cancel(id))
	waitState(t, lb.sched, id, graph.Cancelled)

	// the worker's core comes back
	next, err := lb.sched.Submit(simTask(t, "next", 1, 1, nil, "complete 0"))
	require.NoError(t, err)
	waitState(t, lb.sched, next, graph.Finished)
}

func Test_Loopback_MultiNode(t *testing.T) {
	lb := startLoopback(t)
	first := lb.startWorker(t, "node1", 1)

	id, err := lb.sched.Submit(simTask(t, "wide", 1, 2, nil, "env "+worker.EnvNodeList, "sleep 300", "complete 0"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	st, err := lb.sched.TaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, graph.Ready, st.State)

	second := lb.startWorker(t, "node2", 1)
	st = waitStatus(t, lb.sched, id, func(st server.TaskStatus) bool {
		return st.State == graph.Running && len(st.Workers) == 2
	})
	assert.ElementsMatch(t,
		[]server.WorkerID{server.WorkerID(first.agent.WorkerID()), server.WorkerID(second.agent.WorkerID())},
		st.Workers)
	waitState(t, lb.sched, id, graph.Finished)

	// both reservations are released
	next, err := lb.sched.Submit(simTask(t, "again", 1, 2, nil, "complete 0"))
	require.NoError(t, err)
	waitState(t, lb.sched, next, graph.Finished)
}

func Test_Loopback_WorkerLossRequeues(t *testing.T) {
	lb := startLoopback(t)
	doomed := lb.startWorker(t, "node1", 1)

	id, err := lb.sched.Submit(simTask(t, "survivor", 1, 1, nil, "pause", "complete 0"))
	require.NoError(t, err)
	waitState(t, lb.sched, id, graph.Running)

	doomed.stop()
	spare := lb.startWorker(t, "node2", 1)
	st := waitStatus(t, lb.sched, id, func(st server.TaskStatus) bool {
		return st.State == graph.Running && st.Retries == 1
	})
	assert.Equal(t, []server.WorkerID{server.WorkerID(spare.agent.WorkerID())}, st.Workers)

	spare.ex.Resume()
	waitState(t, lb.sched, id, graph.Finished)
}

func Test_Loopback_RetryLimit(t *testing.T) {
	lb := startLoopback(t)
	id, err := lb.sched.Submit(simTask(t, "unlucky", 1, 1, nil, "pause"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		w := lb.startWorker(t, fmt.Sprintf("node%d", i), 1)
		retries := i
		waitStatus(t, lb.sched, id, func(st server.TaskStatus) bool {
			return st.State == graph.Running && st.Retries == retries
		})
		w.stop()
	}
	st := waitState(t, lb.sched, id, graph.Failed)
	assert.Equal(t, graph.ReasonWorkerLost, st.Reason)
}

func Test_Loopback_StopShutsWorkersDown(t *testing.T) {
	lb := startLoopback(t)
	w := lb.startWorker(t, "node1", 1)
	lb.sched.Stop()
	select {
	case err := <-w.done:
		w.done <- err
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}
