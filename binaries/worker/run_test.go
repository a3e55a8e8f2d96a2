package main

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/hpcsched/common/errors"
	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/config"
	"github.com/twitter/hpcsched/scheduler/api"
	"github.com/twitter/hpcsched/scheduler/server"
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

func startScheduler(t *testing.T, token string) (server.Scheduler, string) {
	sched, err := server.NewStatefulScheduler(server.SchedulerConfiguration{
		TickRate: 5 * time.Millisecond,
		Token:    token,
	}, nil, nil, stats.NilStatsReceiver())
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		api.NewWorkerListener(sched, api.ListenerConfig{}, stats.NilStatsReceiver()).Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		sched.Stop()
		cancel()
		<-done
	})
	return sched, ln.Addr().String()
}

func workerConfig(addr string) *config.WorkerConfig {
	c := config.DefaultWorkerConfig()
	c.ServerAddr = addr
	c.Cpus = "2"
	c.Resources = []string{"gpu=list(0,1)"}
	c.Runner = config.RunnerSim
	c.Name = "node1"
	return c
}

func Test_Run_RegistersAndStopsOnShutdown(t *testing.T) {
	sched, addr := startScheduler(t, "")
	done := make(chan error, 1)
	go func() { done <- run(context.Background(), workerConfig(addr)) }()

	require.Eventually(t, func() bool {
		ws := sched.Workers()
		return len(ws) == 1 && ws[0].Name == "node1"
	}, 5*time.Second, 5*time.Millisecond)

	sched.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func Test_Run_StopsOnCancel(t *testing.T) {
	sched, addr := startScheduler(t, "")
	c := workerConfig(addr)
	c.AdminAddr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, c) }()
	require.Eventually(t, func() bool { return len(sched.Workers()) == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func Test_Run_Refused(t *testing.T) {
	_, addr := startScheduler(t, "secret")
	c := workerConfig(addr)
	c.Token = "wrong"
	err := run(context.Background(), c)
	assert.Equal(t, errors.ConfigFailureExitCode, errors.GetExitCode(err))
}

func Test_Run_BadResources(t *testing.T) {
	c := workerConfig("127.0.0.1:1")
	c.Resources = []string{"gpu"}
	err := run(context.Background(), c)
	assert.Equal(t, errors.ResourceDetectionFailureExitCode, errors.GetExitCode(err))
}
