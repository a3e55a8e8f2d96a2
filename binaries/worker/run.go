package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/twitter/hpcsched/common/endpoints"
	"github.com/twitter/hpcsched/common/errors"
	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/config"
	"github.com/twitter/hpcsched/worker"
	"github.com/twitter/hpcsched/worker/execer"
	"github.com/twitter/hpcsched/worker/execer/execers"
	osexec "github.com/twitter/hpcsched/worker/execer/os"
)

const startedGaugeSpike = time.Minute

func run(ctx context.Context, c *config.WorkerConfig) error {
	d, err := c.Descriptor()
	if err != nil {
		return errors.NewError(err, errors.ResourceDetectionFailureExitCode)
	}
	ac := c.AgentConfig(d)
	stat := endpoints.MakeStatsReceiver("worker").Precision(time.Millisecond)

	var ex execer.Execer
	if c.Runner == config.RunnerSim {
		ex = execers.NewSimExecer()
	} else {
		ex = osexec.NewExecer(ac.AbortTimeout)
	}
	agent := worker.NewAgent(ac, ex, stat)

	g, gctx := errgroup.WithContext(ctx)
	if c.AdminAddr != "" {
		admin := endpoints.NewAdminServer(c.AdminAddr, stat)
		g.Go(func() error {
			if err := admin.ListenAndServe(); err != nil {
				return errors.NewError(err, errors.ListenFailureExitCode)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), endpoints.DefaultShutdownTimeout)
			defer cancel()
			return admin.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		stats.ReportUptime(gctx, stat, stats.WorkerUptime_ms, stats.WorkerServerStartedGauge, startedGaugeSpike)
		return nil
	})
	g.Go(func() error {
		err := agent.Run(gctx)
		if err == nil {
			log.Info("Worker agent stopped")
			// the scheduler's Shutdown ends the whole process
			return context.Canceled
		}
		if _, ok := err.(*worker.RefusedError); ok {
			return errors.NewError(err, errors.ConfigFailureExitCode)
		}
		return errors.NewError(err, errors.ConnectFailureExitCode)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
