// Package async moves slow work off an event loop while keeping its outcome
// on the loop goroutine.
package async

// A Queue runs functions one at a time on its own goroutine, in the order
// they were queued. Each outcome goes to a callback that runs only when the
// owner calls Deliver, so callbacks may touch loop state without locking.
// The scheduler loop uses it for recovery journal writes, which must not
// overtake each other:
//
//	q := async.NewQueue(64)
//	q.Go(func() error { return journal.Append(rec) }, func(err error) {
//	  if err != nil {
//	    log.Errorf("journal append failed: %v", err)
//	  }
//	  sendAssignment(rec)
//	})
//
//	// once per step
//	q.Deliver()
//
// Everything except the queued functions must be called from the owning
// goroutine.
type Queue struct {
	jobs    chan job
	pending []*job
}

// Callback receives a queued function's error.
type Callback func(error)

type job struct {
	f    func() error
	cb   Callback
	done chan error
}

// NewQueue starts the queue's goroutine. Go blocks once depth functions are
// waiting to run.
func NewQueue(depth int) *Queue {
	q := &Queue{jobs: make(chan job, depth)}
	go func(jobs <-chan job) {
		for j := range jobs {
			j.done <- j.f()
		}
	}(q.jobs)
	return q
}

// Go queues f; cb gets its error on the first Deliver after f returned.
func (q *Queue) Go(f func() error, cb Callback) {
	j := job{f: f, cb: cb, done: make(chan error, 1)}
	q.pending = append(q.pending, &j)
	q.jobs <- j
}

// Pending counts functions whose callback has not run yet.
func (q *Queue) Pending() int {
	return len(q.pending)
}

// Deliver runs the callbacks of finished functions in queue order. It stops
// at the first unfinished one, so callbacks never run out of order.
func (q *Queue) Deliver() {
	n := 0
	for _, j := range q.pending {
		select {
		case err := <-j.done:
			j.cb(err)
			n++
			continue
		default:
		}
		break
	}
	q.pending = q.pending[n:]
}

// Close stops the goroutine after the queued functions ran. Go must not be
// called afterwards.
func (q *Queue) Close() {
	close(q.jobs)
}
