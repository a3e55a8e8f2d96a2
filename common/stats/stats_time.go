package stats

import (
	"time"
)

// Clock is what the instruments and ReportUptime read time from. Tests swap
// the package-level Time for a FakeClock.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration

	// Tick returns a ticker channel and the func that stops it.
	Tick(d time.Duration) (<-chan time.Time, func())
}

type wallClock struct{}

func (wallClock) Now() time.Time                  { return time.Now() }
func (wallClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (wallClock) Tick(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func WallClock() Clock { return wallClock{} }

// FakeClock is stuck at At. Every interval measures Elapsed and every
// ticker fires when Ticks does.
type FakeClock struct {
	At      time.Time
	Elapsed time.Duration
	Ticks   <-chan time.Time
}

func (c *FakeClock) Now() time.Time                                { return c.At }
func (c *FakeClock) Since(time.Time) time.Duration                 { return c.Elapsed }
func (c *FakeClock) Tick(time.Duration) (<-chan time.Time, func()) { return c.Ticks, func() {} }
