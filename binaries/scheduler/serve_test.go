package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/hpcsched/common/errors"
	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/config"
	"github.com/twitter/hpcsched/resources"
	"github.com/twitter/hpcsched/scheduler/api"
	"github.com/twitter/hpcsched/scheduler/client"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/worker"
	"github.com/twitter/hpcsched/worker/execer/execers"
)

func init() {
	if loglevel := os.Getenv("HPCSCHED_LOGLEVEL"); loglevel != "" {
		level, err := log.ParseLevel(loglevel)
		if err != nil {
			log.Error(err)
			return
		}
		log.SetLevel(level)
	} else {
		log.SetLevel(log.ErrorLevel)
	}
}

func testConfig(t *testing.T, journalType string) *config.ServerConfig {
	c := config.DefaultServerConfig()
	c.WorkerAddr = "127.0.0.1:0"
	c.AdminAddr = "127.0.0.1:0"
	c.Journal = config.JournalSection{Type: journalType, Dir: t.TempDir()}
	c.Scheduler.TickRate = config.Duration(5 * time.Millisecond)
	return c
}

type running struct {
	workerAddr, adminURL string
	cancel               context.CancelFunc
	done                 chan error
}

func start(t *testing.T, c *config.ServerConfig) *running {
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan error, 1)}
	ready := make(chan struct{})
	go func() {
		r.done <- serve(ctx, c, func(w, a net.Addr) {
			r.workerAddr = w.String()
			r.adminURL = "http://" + a.String()
			close(ready)
		})
	}()
	select {
	case <-ready:
	case err := <-r.done:
		t.Fatalf("serve failed: %v", err)
	}
	return r
}

func (r *running) stop(t *testing.T) {
	r.cancel()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not return")
	}
}

func Test_Serve_RunsSubmittedTask(t *testing.T) {
	r := start(t, testConfig(t, config.JournalLevelDB))
	defer r.stop(t)

	agent := worker.NewAgent(worker.Config{
		ServerAddr: r.workerAddr,
		Name:       "node1",
		Descriptor: resources.NewDescriptor(resources.SimpleCpus(2)),
	}, execers.NewSimExecer(), stats.NilStatsReceiver())
	actx, acancel := context.WithCancel(context.Background())
	agentDone := make(chan error, 1)
	go func() { agentDone <- agent.Run(actx) }()
	defer func() {
		acancel()
		<-agentDone
	}()

	cl := client.New(r.adminURL)
	ctx := context.Background()
	id, err := cl.Submit(ctx, api.TaskSpec{
		Name:     "hello",
		Variants: []string{"cpus=1"},
		Command:  []string{"stdout hi", "complete 7"},
	})
	require.NoError(t, err)
	events, err := cl.Watch(ctx, id, 0)
	require.NoError(t, err)

	var out []byte
	var last graph.Event
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case e, ok := <-events:
			if !ok {
				done = true
				break
			}
			if e.Kind == graph.Output {
				out = append(out, e.Data...)
			}
			last = e
		case <-timeout:
			t.Fatal("no terminal event")
		}
	}
	assert.True(t, last.Terminal())
	assert.Equal(t, "hi", string(out))

	st, err := cl.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, graph.Finished, st.State)
	assert.Equal(t, 7, st.ExitCode)

	ws, err := cl.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, "node1", ws[0].Name)

	_, err = cl.Status(ctx, id+100)
	var httpErr *client.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)

	resp, err := http.Get(r.adminURL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func Test_Serve_StopsOnCancel(t *testing.T) {
	for _, jt := range []string{config.JournalNone, config.JournalMemory, config.JournalFile} {
		r := start(t, testConfig(t, jt))
		r.stop(t)
	}
}

func Test_Serve_ListenFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	c := testConfig(t, config.JournalNone)
	c.WorkerAddr = taken.Addr().String()
	err = serve(context.Background(), c, nil)
	assert.Equal(t, errors.ListenFailureExitCode, errors.GetExitCode(err))
}

func Test_RootCmd_BadConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", "/nonexistent/sched.toml"})
	err := cmd.Execute()
	assert.Equal(t, errors.ConfigFailureExitCode, errors.GetExitCode(err))
}
