package server

import (
	"github.com/pkg/errors"

	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/workerapi"
)

// ErrStopped is returned by calls made after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Intents sent to the scheduler loop. Everything that reads or changes
// scheduler state goes through the inbox and runs inside step().

type submitMsg struct {
	entries  []graph.BatchEntry
	resultCh chan submitResult
}

type submitResult struct {
	ids []graph.TaskID
	err error
}

type cancelMsg struct {
	id       graph.TaskID
	resultCh chan error
}

type subscribeMsg struct {
	id       graph.TaskID
	after    uint64
	resultCh chan subscribeResult
}

type subscribeResult struct {
	sub *Subscription
	err error
}

type unsubscribeMsg struct {
	sub *Subscription
}

type statusMsg struct {
	id       graph.TaskID
	resultCh chan statusResult
}

type statusResult struct {
	status TaskStatus
	err    error
}

type bodyMsg struct {
	id       graph.TaskID
	resultCh chan bodyResult
}

type bodyResult struct {
	body graph.Body
	err  error
}

type workersMsg struct {
	resultCh chan []WorkerStatus
}

type registerMsg struct {
	reg      *workerapi.Register
	out      Outbox
	resultCh chan registerResult
}

type registerResult struct {
	rsp *workerapi.RegisterResponse
	id  WorkerID
}

type workerMsg struct {
	id WorkerID
	m  workerapi.Message
}

type disconnectMsg struct {
	id WorkerID
}

// send queues an intent, giving up once the scheduler stopped.
func (s *statefulScheduler) send(msg interface{}) bool {
	select {
	case s.inbox <- msg:
		return true
	case <-s.stopCh:
		return false
	}
}

// handle applies one intent. Runs on the loop goroutine.
func (s *statefulScheduler) handle(msg interface{}) {
	switch m := msg.(type) {
	case submitMsg:
		ids, err := s.submit(m.entries)
		m.resultCh <- submitResult{ids, err}
	case cancelMsg:
		m.resultCh <- s.cancel(m.id)
	case subscribeMsg:
		sub, err := s.subscribe(m.id, m.after)
		m.resultCh <- subscribeResult{sub, err}
	case unsubscribeMsg:
		s.events.unsubscribe(m.sub)
	case statusMsg:
		st, err := s.taskStatus(m.id)
		m.resultCh <- statusResult{st, err}
	case bodyMsg:
		body, err := s.taskBody(m.id)
		m.resultCh <- bodyResult{body, err}
	case workersMsg:
		m.resultCh <- s.workers()
	case registerMsg:
		rsp, id := s.registerWorker(m.reg, m.out)
		m.resultCh <- registerResult{rsp, id}
	case workerMsg:
		s.handleWorkerMessage(m.id, m.m)
	case disconnectMsg:
		s.workerLost(m.id, LostConnection)
	}
	s.flushStoreEvents()
}

// drainInbox applies every intent queued since the last step.
func (s *statefulScheduler) drainInbox() {
	for {
		select {
		case msg := <-s.inbox:
			s.handle(msg)
		default:
			return
		}
	}
}
