// Binary scheduler runs the hpcsched scheduler: the worker listener, the
// admin and task HTTP API, and the scheduling loop behind them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/hpcsched/common/errors"
	hpclog "github.com/twitter/hpcsched/common/log"
	"github.com/twitter/hpcsched/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(int(errors.GetExitCode(err)))
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var workerAddr, adminAddr, journalType, journalDir string
	cmd := &cobra.Command{
		Use:           "scheduler",
		Short:         "scheduler places HPC tasks on the workers that connect to it",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadServerConfig(configPath)
			if err != nil {
				return errors.NewError(err, errors.ConfigFailureExitCode)
			}
			flags := cmd.Flags()
			if flags.Changed("worker_addr") {
				c.WorkerAddr = workerAddr
			}
			if flags.Changed("admin_addr") {
				c.AdminAddr = adminAddr
			}
			if flags.Changed("journal") {
				c.Journal.Type = journalType
			}
			if flags.Changed("journal_dir") {
				c.Journal.Dir = journalDir
			}
			if err := hpclog.Configure(c.LogLevel, c.LogFormat, os.Stderr); err != nil {
				return errors.NewError(err, errors.ConfigFailureExitCode)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c, nil)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "JSON or TOML configuration file")
	cmd.Flags().StringVar(&workerAddr, "worker_addr", config.DefaultWorkerAddr, "bind address for workers")
	cmd.Flags().StringVar(&adminAddr, "admin_addr", config.DefaultAdminAddr, "bind address for the HTTP api")
	cmd.Flags().StringVar(&journalType, "journal", config.JournalFile,
		fmt.Sprintf("journal backend: %s, %s, %s or %s", config.JournalFile, config.JournalLevelDB, config.JournalMemory, config.JournalNone))
	cmd.Flags().StringVar(&journalDir, "journal_dir", config.DefaultJournalDir, "journal directory")
	return cmd
}
