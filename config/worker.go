package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/twitter/hpcsched/resources"
	"github.com/twitter/hpcsched/worker"
)

// CpusAuto asks the worker to detect its cores.
const CpusAuto = "auto"

// WorkerConfig is the worker binary's configuration.
//
// ServerAddr - the scheduler's worker address, host:port
// Cpus - "auto", a count like "8", sockets x cores like "2x8" or a JSON layout
// Resources - generic resources such as "gpu=list(0,1)" or "mem=sum(64GiB)"
// Runner - "os" runs real processes, "sim" interprets argv as simulation steps
// AdminAddr - serves health and metrics over HTTP when set
type WorkerConfig struct {
	ServerAddr string
	AdminAddr  string
	Token      string
	Name       string
	Cpus       string
	Resources  []string
	Lifetime   Duration
	WorkDir    string
	Runner     string
	LogLevel   string
	LogFormat  string

	MaxFrameSize        Size
	DialTimeout         Duration
	ReconnectMaxElapsed Duration
	OutputChunkSize     Size
	BodyFetchTimeout    Duration
	BodyFetchTries      int
	AbortTimeout        Duration
}

const (
	RunnerOS  = "os"
	RunnerSim = "sim"
)

func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Cpus:                CpusAuto,
		Runner:              RunnerOS,
		LogLevel:            "info",
		LogFormat:           "text",
		ReconnectMaxElapsed: Duration(worker.DefaultReconnectMaxElapsed),
	}
}

func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	c := DefaultWorkerConfig()
	if err := load(path, c); err != nil {
		return nil, err
	}
	if c.ServerAddr == "" {
		return nil, fmt.Errorf("no scheduler address")
	}
	if c.Runner != RunnerOS && c.Runner != RunnerSim {
		return nil, fmt.Errorf("unknown runner %q", c.Runner)
	}
	return c, nil
}

// Descriptor builds the capacity this worker offers: the configured cores
// or detected ones, plus the configured generic resources.
func (c *WorkerConfig) Descriptor() (resources.Descriptor, error) {
	var generic []resources.GenericDescriptor
	var errs *multierror.Error
	for _, s := range c.Resources {
		g, err := resources.ParseGeneric(s)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		generic = append(generic, g)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return resources.Descriptor{}, err
	}

	if c.Cpus == "" || c.Cpus == CpusAuto {
		return worker.DetectDescriptor(generic...)
	}
	cpus, err := resources.ParseCpus(c.Cpus)
	if err != nil {
		return resources.Descriptor{}, err
	}
	d := resources.NewDescriptor(cpus, generic...)
	if err := d.Validate(); err != nil {
		return d, errors.Wrap(err, "configured resources")
	}
	return d, nil
}

// AgentConfig is the agent's view of this configuration.
func (c *WorkerConfig) AgentConfig(d resources.Descriptor) worker.Config {
	return worker.Config{
		ServerAddr:          c.ServerAddr,
		Token:               c.Token,
		Name:                c.Name,
		Descriptor:          d,
		Lifetime:            time.Duration(c.Lifetime),
		MaxFrameSize:        int(c.MaxFrameSize),
		DialTimeout:         time.Duration(c.DialTimeout),
		ReconnectMaxElapsed: time.Duration(c.ReconnectMaxElapsed),
		OutputChunkSize:     int(c.OutputChunkSize),
		BodyFetchTimeout:    time.Duration(c.BodyFetchTimeout),
		BodyFetchTries:      c.BodyFetchTries,
		AbortTimeout:        time.Duration(c.AbortTimeout),
		WorkDir:             c.WorkDir,
	}
}
