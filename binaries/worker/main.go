// Binary worker runs the hpcsched agent on a cluster node.
package main

import (
	"context"
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
	var configPath, server, cpus, runner, name string
	var res []string
	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "worker offers this node's cores to an hpcsched scheduler and runs the tasks it assigns",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			// flags win over the file and the environment
			if flags.Changed("server") {
				os.Setenv(config.EnvPrefix+"_SERVERADDR", server)
			}
			c, err := config.LoadWorkerConfig(configPath)
			if err != nil {
				return errors.NewError(err, errors.ConfigFailureExitCode)
			}
			if flags.Changed("cpus") {
				c.Cpus = cpus
			}
			if flags.Changed("resource") {
				c.Resources = res
			}
			if flags.Changed("runner") {
				c.Runner = runner
			}
			if flags.Changed("name") {
				c.Name = name
			}
			if err := hpclog.Configure(c.LogLevel, c.LogFormat, os.Stderr); err != nil {
				return errors.NewError(err, errors.ConfigFailureExitCode)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, c)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "JSON or TOML configuration file")
	cmd.Flags().StringVar(&server, "server", "", "scheduler worker address, host:port")
	cmd.Flags().StringVar(&cpus, "cpus", config.CpusAuto, `cores to offer: "auto", "8", "2x8" or a JSON layout`)
	cmd.Flags().StringArrayVar(&res, "resource", nil, `generic resource, e.g. "gpu=list(0,1)"; repeatable`)
	cmd.Flags().StringVar(&runner, "runner", config.RunnerOS, "os or sim")
	cmd.Flags().StringVar(&name, "name", "", "worker name, defaults to the hostname")
	return cmd
}
