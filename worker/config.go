package worker

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/twitter/hpcsched/resources"
	"github.com/twitter/hpcsched/workerapi"
)

const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultReconnectMaxElapsed = 5 * time.Minute
	DefaultOutputChunkSize     = 32 * 1024
	DefaultBodyFetchTimeout    = 30 * time.Second
	DefaultBodyFetchTries      = 5
	DefaultAbortTimeout        = 10 * time.Second
)

// Config is what a worker is launched with.
//
// ServerAddr - host:port of the scheduler's worker listener
// Token - shared secret the scheduler may require at registration
// Name - identity of this worker, unique among live workers; the hostname if empty
// Descriptor - capacity offered to the scheduler
// Lifetime - how long this worker will stay up, 0 if unbounded
// MaxFrameSize - largest frame accepted from the scheduler
// DialTimeout - per connection attempt
// ReconnectMaxElapsed - give up reconnecting after this long without a registration, 0 never gives up
// OutputChunkSize - largest OutputChunk payload
// BodyFetchTimeout - per attempt when a body has to be fetched from its URL
// BodyFetchTries - attempts per body fetch
// AbortTimeout - between SIGTERM and SIGKILL for a cancelled task
// WorkDir - working directory for task processes, the worker's own if empty
type Config struct {
	ServerAddr          string
	Token               string
	Name                string
	Descriptor          resources.Descriptor
	Lifetime            time.Duration
	MaxFrameSize        int
	DialTimeout         time.Duration
	ReconnectMaxElapsed time.Duration
	OutputChunkSize     int
	BodyFetchTimeout    time.Duration
	BodyFetchTries      int
	AbortTimeout        time.Duration
	WorkDir             string
}

func (c *Config) setDefaults() {
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = workerapi.DefaultMaxFrameSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.OutputChunkSize <= 0 {
		c.OutputChunkSize = DefaultOutputChunkSize
	}
	if c.BodyFetchTimeout <= 0 {
		c.BodyFetchTimeout = DefaultBodyFetchTimeout
	}
	if c.BodyFetchTries <= 0 {
		c.BodyFetchTries = DefaultBodyFetchTries
	}
	if c.AbortTimeout <= 0 {
		c.AbortTimeout = DefaultAbortTimeout
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("worker.Config: ServerAddr: %s, Name: %s, Descriptor: %s, Lifetime: %s, MaxFrameSize: %s, "+
		"DialTimeout: %s, ReconnectMaxElapsed: %s, OutputChunkSize: %s, BodyFetchTimeout: %s, BodyFetchTries: %d, "+
		"AbortTimeout: %s, WorkDir: %q",
		c.ServerAddr, c.Name, c.Descriptor, c.Lifetime, humanize.IBytes(uint64(c.MaxFrameSize)),
		c.DialTimeout, c.ReconnectMaxElapsed, humanize.IBytes(uint64(c.OutputChunkSize)), c.BodyFetchTimeout,
		c.BodyFetchTries, c.AbortTimeout, c.WorkDir)
}
