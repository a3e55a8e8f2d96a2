package server

import (
	"fmt"
	"time"
)

// Defaults for settings that should never be zero. These suit a cluster of
// a few dozen workers.
const (
	// How often step() runs when nothing arrives in the inbox.
	DefaultTickRate = 250 * time.Millisecond

	// Interval workers are told to heartbeat at.
	DefaultHeartbeatInterval = 5 * time.Second

	// Silence after which a worker is declared lost. Twice the interval
	// without a heartbeat already makes it Suspect.
	DefaultHeartbeatGrace = 30 * time.Second

	// How long journaled assignments wait for their worker to come back
	// after a restart.
	DefaultRecoveryGrace = time.Minute

	// Requeues after worker loss before a task fails with WorkerLost.
	DefaultMaxRetriesPerTask = 3

	// Out of order output chunks held per stream before giving up on the gap.
	DefaultReorderWindow = 64

	// Terminal tasks whose event history stays available to Subscribe.
	DefaultFinishedTaskRetention = 10000

	// Bodies larger than this are fetched by the worker over HTTP.
	DefaultInlineBodyLimit = 1024 * 1024

	// Events buffered per subscription before it is closed for falling behind.
	DefaultSubscriptionBuffer = 1024

	// Pending intents before callers block.
	inboxSize = 1024

	// Queued journal writes before the scheduler loop blocks on the journal.
	journalQueueDepth = 4096
)

// SchedulerConfiguration variables read at initialization
//
// MaxRetriesPerTask - requeues after worker loss before the task fails.
// A task's own CrashLimit overrides it.
//
// DebugMode - if true, starts the scheduler up but does not start
// the update loop. Instead the loop must be advanced manually
// by calling step()
//
// RecoverOnStartup - if true, journaled assignments are resurrected and
// wait RecoveryGrace for their workers to reconnect.
//
// BodyURLPrefix - base URL of the admin server, used to build the
// reference of bodies above InlineBodyLimit. Empty sends every body inline.
//
// Token - shared secret workers present when registering. Empty accepts all.
type SchedulerConfiguration struct {
	MaxRetriesPerTask     int
	DebugMode             bool
	RecoverOnStartup      bool
	TickRate              time.Duration
	HeartbeatInterval     time.Duration
	HeartbeatGrace        time.Duration
	RecoveryGrace         time.Duration
	ReorderWindow         int
	FinishedTaskRetention int
	InlineBodyLimit       int
	SubscriptionBuffer    int
	BodyURLPrefix         string
	Token                 string
	ServerID              string
}

func (sc *SchedulerConfiguration) setDefaults() {
	if sc.MaxRetriesPerTask < 0 {
		sc.MaxRetriesPerTask = 0
	}
	if sc.TickRate == 0 {
		sc.TickRate = DefaultTickRate
	}
	if sc.HeartbeatInterval == 0 {
		sc.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if sc.HeartbeatGrace == 0 {
		sc.HeartbeatGrace = DefaultHeartbeatGrace
	}
	if sc.RecoveryGrace == 0 {
		sc.RecoveryGrace = DefaultRecoveryGrace
	}
	if sc.ReorderWindow == 0 {
		sc.ReorderWindow = DefaultReorderWindow
	}
	if sc.FinishedTaskRetention == 0 {
		sc.FinishedTaskRetention = DefaultFinishedTaskRetention
	}
	if sc.InlineBodyLimit == 0 {
		sc.InlineBodyLimit = DefaultInlineBodyLimit
	}
	if sc.SubscriptionBuffer == 0 {
		sc.SubscriptionBuffer = DefaultSubscriptionBuffer
	}
}

func (sc *SchedulerConfiguration) String() string {
	return fmt.Sprintf("SchedulerConfiguration: MaxRetriesPerTask: %d, DebugMode: %t, RecoverOnStartup: %t, TickRate: %s, "+
		"HeartbeatInterval: %s, HeartbeatGrace: %s, RecoveryGrace: %s, ReorderWindow: %d, FinishedTaskRetention: %d, "+
		"InlineBodyLimit: %d, BodyURLPrefix: %q, ServerID: %s",
		sc.MaxRetriesPerTask, sc.DebugMode, sc.RecoverOnStartup, sc.TickRate, sc.HeartbeatInterval, sc.HeartbeatGrace,
		sc.RecoveryGrace, sc.ReorderWindow, sc.FinishedTaskRetention, sc.InlineBodyLimit, sc.BodyURLPrefix, sc.ServerID)
}
