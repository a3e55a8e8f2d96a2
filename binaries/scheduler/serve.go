package main

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/twitter/hpcsched/common"
	"github.com/twitter/hpcsched/common/endpoints"
	exitcodes "github.com/twitter/hpcsched/common/errors"
	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/config"
	"github.com/twitter/hpcsched/journal"
	"github.com/twitter/hpcsched/journal/journals"
	"github.com/twitter/hpcsched/scheduler/api"
	"github.com/twitter/hpcsched/scheduler/server"
	"github.com/twitter/hpcsched/scheduler/sinks"
)

// How long the started gauge stays up after a restart.
const startedGaugeSpike = time.Minute

// serve runs until ctx is done or one of its servers fails. ready, if set, is
// called with the bound addresses once both listeners are open.
func serve(ctx context.Context, c *config.ServerConfig, ready func(workerAddr, adminAddr net.Addr)) error {
	log.Infof("Starting hpcsched scheduler with %s", c)
	stat := endpoints.MakeStatsReceiver("scheduler").Precision(time.Millisecond)

	jour, err := openJournal(c.Journal)
	if err != nil {
		return exitcodes.NewError(err, exitcodes.JournalFailureExitCode)
	}
	if jour != nil {
		defer jour.Close()
	}

	var sink server.EventSink
	if c.Nats.URL != "" {
		nc, err := sinks.ConnectNats(c.Nats.URL)
		if err != nil {
			return exitcodes.NewError(err, exitcodes.ConfigFailureExitCode)
		}
		sink = sinks.NewNatsSink(nc, c.Nats.Subject, stat)
		defer sink.Close()
	}

	workerLn, err := net.Listen("tcp", c.WorkerAddr)
	if err != nil {
		return exitcodes.NewError(errors.Wrapf(err, "listening for workers on %s", c.WorkerAddr), exitcodes.ListenFailureExitCode)
	}
	adminLn, err := net.Listen("tcp", c.AdminAddr)
	if err != nil {
		workerLn.Close()
		return exitcodes.NewError(errors.Wrapf(err, "listening for http on %s", c.AdminAddr), exitcodes.ListenFailureExitCode)
	}

	sched, err := server.NewStatefulScheduler(c.SchedulerConfiguration(common.GenUUID()), jour, sink, stat)
	if err != nil {
		workerLn.Close()
		adminLn.Close()
		return exitcodes.NewError(err, exitcodes.JournalFailureExitCode)
	}

	admin := endpoints.NewAdminServer(c.AdminAddr, stat)
	api.RegisterRoutes(admin.Router, sched, stat)
	listener := api.NewWorkerListener(sched, c.ListenerConfig(), stat)
	if ready != nil {
		ready(workerLn.Addr(), adminLn.Addr())
	}

	// Worker connections outlive the group context so the scheduler can
	// still send Shutdown on them while it stops.
	connCtx, closeConns := context.WithCancel(context.Background())
	defer closeConns()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Serve(connCtx, workerLn)
	})
	g.Go(func() error {
		return admin.Serve(adminLn)
	})
	g.Go(func() error {
		stats.ReportUptime(gctx, stat, stats.SchedUptime_ms, stats.SchedServerStartedGauge, startedGaugeSpike)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		sched.Stop()
		closeConns()
		sctx, cancel := context.WithTimeout(context.Background(), endpoints.DefaultShutdownTimeout)
		defer cancel()
		return admin.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return exitcodes.NewError(err, exitcodes.ServeFailureExitCode)
	}
	return nil
}

func openJournal(c config.JournalSection) (journal.Journal, error) {
	switch c.Type {
	case config.JournalFile:
		return journals.NewFileJournal(c.Dir)
	case config.JournalLevelDB:
		return journals.NewLevelDBJournal(c.Dir)
	case config.JournalMemory:
		return journals.NewInMemoryJournal(), nil
	default:
		return nil, nil
	}
}
