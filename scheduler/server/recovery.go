package server

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/journal"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/workerapi"
)

// checkHeartbeats removes sessions silent for longer than HeartbeatGrace and
// retires idle workers whose lifetime ran out.
func (s *statefulScheduler) checkHeartbeats(now time.Time) {
	for _, ws := range s.cluster.checkHeartbeats(now, s.config.HeartbeatInterval, s.config.HeartbeatGrace) {
		s.workerLost(ws.id, LostHeartbeat)
	}
	for _, ws := range s.cluster.sorted() {
		if ws.lifetime > 0 && now.Sub(ws.registered) >= ws.lifetime && len(ws.tasks) == 0 {
			ws.send(&workerapi.Shutdown{Reason: "lifetime expired"})
			s.workerLost(ws.id, LostIdleTimeout)
		}
	}
}

// workerLost ends a session and recovers every task it held.
func (s *statefulScheduler) workerLost(id WorkerID, reason string) {
	ws, ok := s.cluster.remove(id, reason)
	if !ok {
		return
	}
	if reason != LostIdleTimeout {
		s.stat.Counter(stats.SchedWorkerLostCounter).Inc(1)
	}
	for _, a := range sortedAssignments(ws.tasks) {
		s.recoverAssignment(a)
	}
}

// recoverAssignment tears down an assignment that lost a participant. The
// task goes back to Ready while it has retries left and fails otherwise; a
// task cancelled in the meantime is only released.
func (s *statefulScheduler) recoverAssignment(a *assignment) {
	s.releaseAssignment(a, 0)
	if a.cancelled {
		return
	}
	t, ok := s.store.Get(a.taskID)
	if !ok || t.State.IsTerminal() {
		return
	}
	limit := s.retryLimit(t)
	if t.Retries < limit {
		if err := s.store.Requeue(t.ID, graph.ReasonWorkerLost); err != nil {
			log.WithFields(
				log.Fields{
					"taskID": t.ID,
					"err":    err,
				}).Error("Could not requeue task")
			return
		}
		s.stat.Counter(stats.SchedTasksRequeuedCounter).Inc(1)
		log.WithFields(
			log.Fields{
				"taskID":  t.ID,
				"epoch":   a.epoch,
				"retries": t.Retries,
				"limit":   limit,
			}).Info("Requeued task after losing its worker")
		return
	}
	log.WithFields(
		log.Fields{
			"taskID":  t.ID,
			"epoch":   a.epoch,
			"retries": t.Retries,
			"limit":   limit,
		}).Info("Task lost its worker too many times, failing")
	s.completeTask(t.ID, graph.Outcome{State: graph.Failed, Reason: graph.ReasonWorkerLost})
}

func (s *statefulScheduler) retryLimit(t *graph.Task) int {
	switch {
	case t.Def.CrashLimit > 0:
		return int(t.Def.CrashLimit)
	case t.Def.CrashLimit < 0:
		return 0
	default:
		return s.config.MaxRetriesPerTask
	}
}

//
// Journal
//

// journalAppend records the assignment, then runs done from step(). done runs
// even when the write failed; the task is then only lost on a restart.
func (s *statefulScheduler) journalAppend(a *assignment, done func()) {
	if s.journal == nil {
		done()
		return
	}
	t, ok := s.store.Get(a.taskID)
	if !ok {
		return
	}
	def, err := workerapi.EncodeTaskDefinition(&t.Def)
	if err != nil {
		log.WithFields(
			log.Fields{
				"taskID": a.taskID,
				"err":    err,
			}).Error("Could not encode task for the journal")
		s.stat.Counter(stats.SchedJournalErrorCounter).Inc(1)
		done()
		return
	}
	rec := journal.Record{
		TaskID:  a.taskID,
		Epoch:   a.epoch,
		Retries: t.Retries,
		Workers: a.workerIDs(),
		Task:    def,
	}
	jrnl, stat := s.journal, s.stat
	s.journalQueue.Go(
		func() error {
			defer stat.Latency(stats.SchedJournalAppendLatency_ms).Time().Stop()
			return jrnl.Append(rec)
		},
		func(err error) {
			if err != nil {
				log.WithFields(
					log.Fields{
						"record": rec,
						"err":    err,
					}).Error("Journal append failed")
				s.stat.Counter(stats.SchedJournalErrorCounter).Inc(1)
			}
			done()
		})
}

func (s *statefulScheduler) journalRelease(id graph.TaskID) {
	if s.journal == nil {
		return
	}
	jrnl := s.journal
	s.journalQueue.Go(
		func() error {
			return jrnl.Release(id)
		},
		func(err error) {
			if err != nil {
				log.WithFields(
					log.Fields{
						"taskID": id,
						"err":    err,
					}).Error("Journal release failed")
				s.stat.Counter(stats.SchedJournalErrorCounter).Inc(1)
			}
		})
}

// recoverFromJournal resurrects the assignments in flight when the previous
// scheduler stopped. They wait RecoveryGrace for their workers to reconnect.
func (s *statefulScheduler) recoverFromJournal() error {
	records, err := s.journal.Replay()
	if err != nil {
		return errors.Wrap(err, "replaying recovery journal")
	}
	now := s.now()
	for _, rec := range records {
		if len(rec.Workers) == 0 {
			continue
		}
		def, err := workerapi.DecodeTaskDefinition(rec.Task)
		if err != nil {
			return errors.Wrapf(journal.NewCorruptedJournalError("", err.Error()), "task %d", rec.TaskID)
		}
		if _, err := s.store.Resurrect(rec.TaskID, *def, rec.Epoch, rec.Retries); err != nil {
			return errors.Wrapf(err, "resurrecting task %d", rec.TaskID)
		}
		a := newAssignment(rec.TaskID, -1, len(rec.Workers))
		a.epoch = rec.Epoch
		a.sent = true
		a.pending = append([]uint64(nil), rec.Workers...)
		s.inflight[rec.TaskID] = a
		for _, w := range rec.Workers {
			s.cluster.seedNextID(WorkerID(w))
		}
		log.WithFields(
			log.Fields{
				"taskID":  rec.TaskID,
				"epoch":   rec.Epoch,
				"workers": rec.Workers,
			}).Info("Resurrected task from the journal")
	}
	s.stat.Gauge(stats.SchedJournalReplayedGauge).Update(int64(len(s.inflight)))
	if len(s.inflight) > 0 {
		s.recoveryDeadline = now.Add(s.config.RecoveryGrace)
	}
	if err := s.journal.Compact(); err != nil {
		log.WithFields(
			log.Fields{
				"err": err,
			}).Error("Journal compaction failed")
	}
	return nil
}

// takeOver moves the assignments of a worker's previous session, still open
// because the old connection was not noticed closing, to the pending state so
// the new session can claim them.
func (s *statefulScheduler) takeOver(reg *workerapi.Register) {
	if reg.PreviousWorkerID == 0 {
		return
	}
	old, ok := s.cluster.get(WorkerID(reg.PreviousWorkerID))
	if !ok || old.name != reg.Name {
		return
	}
	for _, a := range sortedAssignments(old.tasks) {
		node := a.nodeOf(old.id)
		old.release(a)
		if node < 0 {
			continue
		}
		if a.pending == nil {
			a.pending = make([]uint64, len(a.workers))
		}
		a.pending[node] = uint64(old.id)
		a.workers[node] = 0
	}
	s.cluster.remove(old.id, LostConnection)
	if deadline := s.now().Add(s.config.RecoveryGrace); deadline.After(s.recoveryDeadline) {
		s.recoveryDeadline = deadline
	}
}

// rebind gives a reconnected worker back the assignments it held under its
// previous id, as far as it still runs them, and cancels anything else it
// reports running.
func (s *statefulScheduler) rebind(ws *workerSession, reg *workerapi.Register) {
	running := make(map[workerapi.TaskEpoch]bool, len(reg.Running))
	for _, te := range reg.Running {
		running[te] = true
	}
	now := s.now()

	if prev := reg.PreviousWorkerID; prev != 0 {
		for _, a := range s.sortedInflight() {
			node := -1
			for i, p := range a.pending {
				if p == prev {
					node = i
					break
				}
			}
			if node < 0 {
				continue
			}
			te := workerapi.TaskEpoch{TaskID: a.taskID, Epoch: a.epoch}
			if !running[te] {
				log.WithFields(
					log.Fields{
						"taskID":   a.taskID,
						"epoch":    a.epoch,
						"workerID": ws.id,
					}).Info("Reconnected worker no longer runs its task")
				s.recoverAssignment(a)
				continue
			}
			delete(running, te)
			if err := s.bind(a, node, ws, now); err != nil {
				log.WithFields(
					log.Fields{
						"taskID":   a.taskID,
						"workerID": ws.id,
						"err":      err,
					}).Info("Could not rebind task to reconnected worker")
				ws.send(&workerapi.Cancel{TaskEpoch: te})
				s.recoverAssignment(a)
			}
		}
	}

	for te := range running {
		log.WithFields(
			log.Fields{
				"task":     te,
				"workerID": ws.id,
			}).Info("Cancelling task the scheduler does not know the worker runs")
		ws.send(&workerapi.Cancel{TaskEpoch: te})
	}
}

// bind attaches one node of a pending assignment to a live session and
// re-reserves its units.
func (s *statefulScheduler) bind(a *assignment, node int, ws *workerSession, now time.Time) error {
	t, ok := s.store.Get(a.taskID)
	if !ok {
		return errors.Errorf("unknown task %d", a.taskID)
	}
	if a.variant < 0 {
		variant, ok := t.Def.Requirement.SatisfiedBy(ws.offer(now))
		if !ok {
			return errors.Errorf("no variant of %s fits %s", t.Def.Requirement, ws.free)
		}
		a.variant = variant
	}
	a.workers[node] = ws.id
	if err := ws.reserve(a, node, t.Def.Requirement.Variants[a.variant]); err != nil {
		a.workers[node] = 0
		return err
	}
	a.pending[node] = 0

	if node == 0 {
		a.started = true
		if t.State == graph.Assigned {
			if err := s.store.MarkRunning(a.taskID); err != nil {
				return err
			}
		}
	}
	log.WithFields(
		log.Fields{
			"taskID":   a.taskID,
			"epoch":    a.epoch,
			"node":     node,
			"workerID": ws.id,
		}).Info("Rebound task to reconnected worker")

	if !a.awaitingRecovery() {
		a.pending = nil
		s.journalAppend(a, func() {})
	}
	return nil
}

// checkRecoveryDeadline gives up on workers that did not come back in time.
func (s *statefulScheduler) checkRecoveryDeadline(now time.Time) {
	if s.recoveryDeadline.IsZero() || now.Before(s.recoveryDeadline) {
		return
	}
	s.recoveryDeadline = time.Time{}
	for _, a := range s.sortedInflight() {
		if a.awaitingRecovery() {
			log.WithFields(
				log.Fields{
					"taskID":  a.taskID,
					"epoch":   a.epoch,
					"pending": a.pending,
				}).Info("Worker did not reconnect in time, recovering task")
			s.recoverAssignment(a)
		}
	}
}

func (s *statefulScheduler) sortedInflight() []*assignment {
	return sortedAssignments(s.inflight)
}

func sortedAssignments(m map[graph.TaskID]*assignment) []*assignment {
	out := make([]*assignment, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].taskID < out[j].taskID })
	return out
}
