package api

import (
	"sync"

	"github.com/twitter/hpcsched/workerapi"
)

// connOutbox is the server.Outbox of one worker connection. Messages queue
// until the writer goroutine puts them on the wire. A worker that lets the
// queue fill up loses its connection: dropping an Assign or Cancel silently
// would leave the scheduler and the worker disagreeing.
type connOutbox struct {
	mu       sync.Mutex
	queue    chan workerapi.Message
	closed   bool
	overflow func()
}

func newConnOutbox(size int, overflow func()) *connOutbox {
	return &connOutbox{queue: make(chan workerapi.Message, size), overflow: overflow}
}

func (o *connOutbox) Send(m workerapi.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.queue <- m:
		return true
	default:
	}
	o.closed = true
	close(o.queue)
	if o.overflow != nil {
		go o.overflow()
	}
	return false
}

// Close stops accepting messages; those already queued are still written.
func (o *connOutbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
}
