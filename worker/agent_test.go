package worker

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/hpcsched/common/log/hooks"
	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/resources"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/worker/execer/execers"
	"github.com/twitter/hpcsched/workerapi"
)

func init() {
	log.AddHook(hooks.NewContextHook())
	logrusLevel, _ := log.ParseLevel(os.Getenv("HPCSCHED_LOGLEVEL"))
	log.SetLevel(logrusLevel)
}

// fakeScheduler accepts worker connections and lets the test speak the
// scheduler's side of the protocol.
type fakeScheduler struct {
	t  *testing.T
	ln net.Listener
}

func newFakeScheduler(t *testing.T) *fakeScheduler {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return &fakeScheduler{t: t, ln: ln}
}

func (f *fakeScheduler) addr() string {
	return f.ln.Addr().String()
}

type fakeConn struct {
	t    *testing.T
	conn net.Conn
	reg  *workerapi.Register
}

// accept takes the next connection and reads its Register.
func (f *fakeScheduler) accept() *fakeConn {
	conn, err := f.ln.Accept()
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })
	c := &fakeConn{t: f.t, conn: conn}
	m := c.read()
	reg, ok := m.(*workerapi.Register)
	require.True(f.t, ok, "got %s", m.Tag())
	c.reg = reg
	return c
}

func (c *fakeConn) accept(id uint64) {
	c.send(&workerapi.RegisterResponse{WorkerID: id, HeartbeatInterval: time.Hour, ServerID: "fake"})
}

func (c *fakeConn) send(m workerapi.Message) {
	require.NoError(c.t, workerapi.WriteMessage(c.conn, m))
}

func (c *fakeConn) read() workerapi.Message {
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	m, err := workerapi.ReadMessage(c.conn, 0)
	require.NoError(c.t, err)
	return m
}

// readReport skips heartbeats.
func (c *fakeConn) readReport() workerapi.Message {
	for {
		m := c.read()
		if _, ok := m.(*workerapi.Heartbeat); !ok {
			return m
		}
	}
}

func simAssign(t *testing.T, id graph.TaskID, argv ...string) *workerapi.Assign {
	body, err := workerapi.CommandBody(&workerapi.Command{Argv: argv})
	require.NoError(t, err)
	return &workerapi.Assign{
		TaskEpoch: workerapi.TaskEpoch{TaskID: id, Epoch: 1},
		Name:      "sim",
		BodyKind:  body.Kind,
		Body:      body.Data,
		Nodes:     []string{"node1"},
	}
}

type testAgent struct {
	*Agent
	ex     *execers.SimExecer
	cancel context.CancelFunc
	errCh  chan error
}

func startAgent(t *testing.T, f *fakeScheduler, config Config) *testAgent {
	config.ServerAddr = f.addr()
	if config.Name == "" {
		config.Name = "node1"
	}
	config.Descriptor = resources.NewDescriptor(resources.SimpleCpus(2))
	ex := execers.NewSimExecer()
	a := NewAgent(config, ex, stats.NilStatsReceiver())
	ctx, cancel := context.WithCancel(context.Background())
	ta := &testAgent{Agent: a, ex: ex, cancel: cancel, errCh: make(chan error, 1)}
	go func() { ta.errCh <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-ta.errCh
	})
	return ta
}

func (ta *testAgent) wait(t *testing.T) error {
	select {
	case err := <-ta.errCh:
		ta.errCh <- err
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}
	return nil
}

func Test_Agent_RunsTask(t *testing.T) {
	f := newFakeScheduler(t)
	startAgent(t, f, Config{Token: "tok", Lifetime: time.Hour})

	c := f.accept()
	assert.Equal(t, int32(workerapi.ProtocolVersion), c.reg.Version)
	assert.Equal(t, "node1", c.reg.Name)
	assert.Equal(t, "tok", c.reg.Token)
	assert.Equal(t, 2, c.reg.Descriptor.NumCpus())
	assert.Equal(t, uint64(0), c.reg.PreviousWorkerID)
	assert.Empty(t, c.reg.Running)
	assert.True(t, c.reg.Lifetime > 0 && c.reg.Lifetime <= time.Hour)
	c.accept(3)

	c.send(simAssign(t, 1, "stdout hello", "stderr oops", "complete 4"))
	te := workerapi.TaskEpoch{TaskID: 1, Epoch: 1}
	assert.Equal(t, &workerapi.Started{TaskEpoch: te}, c.readReport())
	assert.Equal(t, &workerapi.OutputChunk{TaskEpoch: te, Stream: workerapi.Stdout, Sequence: 0, Data: []byte("hello")}, c.readReport())
	assert.Equal(t, &workerapi.OutputChunk{TaskEpoch: te, Stream: workerapi.Stderr, Sequence: 0, Data: []byte("oops")}, c.readReport())
	assert.Equal(t, &workerapi.Finished{TaskEpoch: te, ExitCode: 4}, c.readReport())
}

func Test_Agent_ChunksOutput(t *testing.T) {
	f := newFakeScheduler(t)
	startAgent(t, f, Config{OutputChunkSize: 4})
	c := f.accept()
	c.accept(1)

	c.send(simAssign(t, 1, "stdout 0123456789", "complete 0"))
	te := workerapi.TaskEpoch{TaskID: 1, Epoch: 1}
	assert.IsType(t, &workerapi.Started{}, c.readReport())
	for i, want := range []string{"0123", "4567", "89"} {
		assert.Equal(t, &workerapi.OutputChunk{TaskEpoch: te, Stream: workerapi.Stdout, Sequence: uint64(i), Data: []byte(want)}, c.readReport())
	}
	assert.IsType(t, &workerapi.Finished{}, c.readReport())
}

func Test_Agent_Env(t *testing.T) {
	f := newFakeScheduler(t)
	startAgent(t, f, Config{})
	c := f.accept()
	c.accept(1)

	a := simAssign(t, 9, "env "+EnvTaskID, "stdout  ", "env "+EnvCpus, "complete 0")
	a.Allocation = resources.Allocation{Resources: []resources.ResourceAllocation{{
		Resource: resources.CpuResource,
		Units:    []resources.IndexAmount{{Index: 1, Amount: resources.Units(1)}, {Index: 0, Amount: resources.Units(1)}},
		Amount:   resources.Units(2),
	}}}
	c.send(a)
	assert.IsType(t, &workerapi.Started{}, c.readReport())
	var out []byte
	for {
		m := c.readReport()
		if chunk, ok := m.(*workerapi.OutputChunk); ok {
			out = append(out, chunk.Data...)
			continue
		}
		assert.IsType(t, &workerapi.Finished{}, m)
		break
	}
	assert.Equal(t, "9 0,1", string(out))
}

func Test_Agent_Cancel(t *testing.T) {
	f := newFakeScheduler(t)
	startAgent(t, f, Config{})
	c := f.accept()
	c.accept(1)

	c.send(simAssign(t, 1, "pause", "complete 0"))
	te := workerapi.TaskEpoch{TaskID: 1, Epoch: 1}
	assert.IsType(t, &workerapi.Started{}, c.readReport())

	// unknown epochs are ignored
	c.send(&workerapi.Cancel{TaskEpoch: workerapi.TaskEpoch{TaskID: 1, Epoch: 7}})
	c.send(&workerapi.Cancel{TaskEpoch: te})
	m := c.readReport()
	require.IsType(t, &workerapi.Failed{}, m)
	assert.Equal(t, graph.ReasonCancelled, m.(*workerapi.Failed).Reason)
}

func Test_Agent_TimeLimit(t *testing.T) {
	f := newFakeScheduler(t)
	startAgent(t, f, Config{})
	c := f.accept()
	c.accept(1)

	a := simAssign(t, 1, "pause", "complete 0")
	a.TimeLimit = 50 * time.Millisecond
	c.send(a)
	assert.IsType(t, &workerapi.Started{}, c.readReport())
	m := c.readReport()
	require.IsType(t, &workerapi.Failed{}, m)
	assert.Equal(t, graph.ReasonTimeLimit, m.(*workerapi.Failed).Reason)
}

func Test_Agent_LaunchFailure(t *testing.T) {
	f := newFakeScheduler(t)
	startAgent(t, f, Config{})
	c := f.accept()
	c.accept(1)

	c.send(simAssign(t, 1, "explode"))
	assert.IsType(t, &workerapi.Started{}, c.readReport())
	m := c.readReport()
	require.IsType(t, &workerapi.Failed{}, m)
	assert.Equal(t, ReasonLaunchFailed, m.(*workerapi.Failed).Reason)
}

func Test_Agent_NonCoordinatorHolds(t *testing.T) {
	f := newFakeScheduler(t)
	ta := startAgent(t, f, Config{})
	c := f.accept()
	c.accept(1)

	a := simAssign(t, 1, "complete 0")
	a.NodeIndex = 1
	a.Nodes = []string{"node0", "node1"}
	c.send(a)
	// a coordinator assignment after it proves the first was handled silently
	c.send(simAssign(t, 2, "complete 0"))
	m := c.readReport()
	require.IsType(t, &workerapi.Started{}, m)
	assert.Equal(t, graph.TaskID(2), m.(*workerapi.Started).TaskID)
	assert.IsType(t, &workerapi.Finished{}, c.readReport())

	ta.mu.Lock()
	_, held := ta.tasks[workerapi.TaskEpoch{TaskID: 1, Epoch: 1}]
	ta.mu.Unlock()
	assert.True(t, held)

	c.send(&workerapi.Cancel{TaskEpoch: workerapi.TaskEpoch{TaskID: 1, Epoch: 1}})
	assert.Eventually(t, func() bool {
		ta.mu.Lock()
		defer ta.mu.Unlock()
		return len(ta.tasks) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func Test_Agent_ReconnectReportsRunning(t *testing.T) {
	f := newFakeScheduler(t)
	ta := startAgent(t, f, Config{})
	c := f.accept()
	c.accept(5)

	c.send(simAssign(t, 1, "pause", "complete 0"))
	assert.IsType(t, &workerapi.Started{}, c.readReport())
	c.conn.Close()

	c2 := f.accept()
	assert.Equal(t, uint64(5), c2.reg.PreviousWorkerID)
	assert.Equal(t, []workerapi.TaskEpoch{{TaskID: 1, Epoch: 1}}, c2.reg.Running)
	c2.accept(6)
	assert.Eventually(t, func() bool { return ta.WorkerID() == 6 }, 5*time.Second, 10*time.Millisecond)

	ta.ex.Resume()
	assert.IsType(t, &workerapi.Finished{}, c2.readReport())
}

func Test_Agent_Heartbeats(t *testing.T) {
	f := newFakeScheduler(t)
	startAgent(t, f, Config{})
	c := f.accept()
	c.send(&workerapi.RegisterResponse{WorkerID: 1, HeartbeatInterval: 20 * time.Millisecond})
	assert.IsType(t, &workerapi.Heartbeat{}, c.read())
	assert.IsType(t, &workerapi.Heartbeat{}, c.read())
}

func Test_Agent_Shutdown(t *testing.T) {
	f := newFakeScheduler(t)
	ta := startAgent(t, f, Config{})
	c := f.accept()
	c.accept(1)
	c.send(&workerapi.Shutdown{Reason: "done"})
	assert.NoError(t, ta.wait(t))
}

func Test_Agent_Refused(t *testing.T) {
	f := newFakeScheduler(t)
	ta := startAgent(t, f, Config{})
	c := f.accept()
	c.send(&workerapi.RegisterResponse{Error: "bad token"})
	err := ta.wait(t)
	require.Error(t, err)
	assert.IsType(t, &RefusedError{}, err)
}

func Test_Agent_GivesUpReconnecting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	a := NewAgent(Config{
		ServerAddr:          addr,
		Name:                "node1",
		Descriptor:          resources.NewDescriptor(resources.SimpleCpus(1)),
		ReconnectMaxElapsed: 200 * time.Millisecond,
	}, execers.NewSimExecer(), nil)
	err = a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up")
}
