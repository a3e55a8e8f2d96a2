package config

import (
	"fmt"
	"time"

	"github.com/twitter/hpcsched/scheduler/api"
	"github.com/twitter/hpcsched/scheduler/server"
)

const (
	DefaultWorkerAddr = ":9090"
	DefaultAdminAddr  = ":9091"
	DefaultJournalDir = "hpcsched-journal"
)

// Journal backends.
const (
	JournalNone    = "none"
	JournalMemory  = "memory"
	JournalFile    = "file"
	JournalLevelDB = "leveldb"
)

// ServerConfig is the scheduler binary's configuration.
//
// WorkerAddr - where workers connect
// AdminAddr - HTTP submission, status and metrics
// AdvertiseURL - base URL workers use to reach AdminAddr for large bodies; empty sends every body inline
// Token - shared secret workers must present; empty accepts any worker
// Journal.Type - none, memory, file or leveldb
// Nats.URL - publish every task event to this NATS server; empty disables
type ServerConfig struct {
	WorkerAddr   string
	AdminAddr    string
	AdvertiseURL string
	Token        string
	LogLevel     string
	LogFormat    string

	Scheduler SchedulerSection
	Listener  ListenerSection
	Journal   JournalSection
	Nats      NatsSection
}

type SchedulerSection struct {
	MaxRetriesPerTask     int
	RecoverOnStartup      bool
	TickRate              Duration
	HeartbeatInterval     Duration
	HeartbeatGrace        Duration
	RecoveryGrace         Duration
	ReorderWindow         int
	FinishedTaskRetention int
	InlineBodyLimit       Size
	SubscriptionBuffer    int
}

type ListenerSection struct {
	MaxConns         int
	AcceptRate       float64
	AcceptBurst      int
	HandshakeTimeout Duration
	MaxFrameSize     Size
	OutboxSize       int
	WriteTimeout     Duration
}

type JournalSection struct {
	Type string
	Dir  string
}

type NatsSection struct {
	URL     string
	Subject string
}

// DefaultServerConfig is used for anything a file or the environment leaves unset.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		WorkerAddr: DefaultWorkerAddr,
		AdminAddr:  DefaultAdminAddr,
		LogLevel:   "info",
		LogFormat:  "text",
		Scheduler: SchedulerSection{
			MaxRetriesPerTask: server.DefaultMaxRetriesPerTask,
			RecoverOnStartup:  true,
			TickRate:          Duration(server.DefaultTickRate),
			HeartbeatInterval: Duration(server.DefaultHeartbeatInterval),
			HeartbeatGrace:    Duration(server.DefaultHeartbeatGrace),
			RecoveryGrace:     Duration(server.DefaultRecoveryGrace),
		},
		Journal: JournalSection{Type: JournalFile, Dir: DefaultJournalDir},
	}
}

// LoadServerConfig reads path, which may be empty, over the defaults and
// applies environment overrides.
func LoadServerConfig(path string) (*ServerConfig, error) {
	c := DefaultServerConfig()
	if err := load(path, c); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ServerConfig) validate() error {
	switch c.Journal.Type {
	case JournalNone, JournalMemory:
	case JournalFile, JournalLevelDB:
		if c.Journal.Dir == "" {
			return fmt.Errorf("journal type %s needs a directory", c.Journal.Type)
		}
	default:
		return fmt.Errorf("unknown journal type %q", c.Journal.Type)
	}
	if c.WorkerAddr == "" {
		return fmt.Errorf("no worker address")
	}
	return nil
}

// SchedulerConfiguration builds the scheduler's settings. serverID names
// this scheduler instance to its workers.
func (c *ServerConfig) SchedulerConfiguration(serverID string) server.SchedulerConfiguration {
	s := c.Scheduler
	return server.SchedulerConfiguration{
		MaxRetriesPerTask:     s.MaxRetriesPerTask,
		RecoverOnStartup:      s.RecoverOnStartup,
		TickRate:              time.Duration(s.TickRate),
		HeartbeatInterval:     time.Duration(s.HeartbeatInterval),
		HeartbeatGrace:        time.Duration(s.HeartbeatGrace),
		RecoveryGrace:         time.Duration(s.RecoveryGrace),
		ReorderWindow:         s.ReorderWindow,
		FinishedTaskRetention: s.FinishedTaskRetention,
		InlineBodyLimit:       int(s.InlineBodyLimit),
		SubscriptionBuffer:    s.SubscriptionBuffer,
		BodyURLPrefix:         c.AdvertiseURL,
		Token:                 c.Token,
		ServerID:              serverID,
	}
}

func (c *ServerConfig) ListenerConfig() api.ListenerConfig {
	l := c.Listener
	return api.ListenerConfig{
		MaxConns:         l.MaxConns,
		AcceptRate:       l.AcceptRate,
		AcceptBurst:      l.AcceptBurst,
		HandshakeTimeout: time.Duration(l.HandshakeTimeout),
		MaxFrameSize:     int(l.MaxFrameSize),
		OutboxSize:       l.OutboxSize,
		WriteTimeout:     time.Duration(l.WriteTimeout),
	}
}

func (c *ServerConfig) String() string {
	token := ""
	if c.Token != "" {
		token = "<set>"
	}
	return fmt.Sprintf("config.ServerConfig: WorkerAddr: %s, AdminAddr: %s, AdvertiseURL: %q, Token: %s, "+
		"Scheduler: %+v, Listener: %+v, Journal: %+v, Nats: %+v",
		c.WorkerAddr, c.AdminAddr, c.AdvertiseURL, token, c.Scheduler, c.Listener, c.Journal, c.Nats)
}
