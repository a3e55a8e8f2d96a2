package server

//go:generate mockgen -source=event_sink.go -package=server -destination=event_sink_mock.go

import (
	"github.com/twitter/hpcsched/scheduler/graph"
)

// EventSink receives every recorded task event, from the scheduler loop.
// Publish must not block for long.
type EventSink interface {
	Publish(e graph.Event) error
	Close() error
}
