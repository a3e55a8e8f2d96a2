package server

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/workerapi"
)

// handleWorkerMessage applies one message from a registered worker. Messages
// that break the ordering rules are logged, counted and dropped, except a
// terminal report before Started which is still applied. The violation, if
// any, is returned.
func (s *statefulScheduler) handleWorkerMessage(id WorkerID, m workerapi.Message) *workerapi.ProtocolViolation {
	ws, ok := s.cluster.get(id)
	if !ok {
		log.WithFields(
			log.Fields{
				"workerID": id,
				"message":  m.Tag(),
			}).Debug("Dropping message from a closed session")
		return nil
	}
	_, explicit := m.(*workerapi.Heartbeat)
	s.cluster.heartbeat(ws, s.now(), explicit)

	var v *workerapi.ProtocolViolation
	switch msg := m.(type) {
	case *workerapi.Heartbeat:
	case *workerapi.Started:
		v = s.started(ws, msg.TaskEpoch)
	case *workerapi.OutputChunk:
		v = s.output(ws, msg)
	case *workerapi.Finished:
		v = s.terminal(ws, msg.TaskEpoch,
			graph.Outcome{State: graph.Finished, ExitCode: int(msg.ExitCode)})
	case *workerapi.Failed:
		reason := msg.Reason
		if reason == "" {
			reason = "Failed"
		}
		v = s.terminal(ws, msg.TaskEpoch,
			graph.Outcome{State: graph.Failed, Reason: reason})
		if msg.Message != "" {
			log.WithFields(
				log.Fields{
					"taskID":   msg.TaskID,
					"workerID": ws.id,
					"reason":   reason,
					"message":  msg.Message,
				}).Info("Worker reported task failure")
		}
	default:
		v = &workerapi.ProtocolViolation{
			Kind: workerapi.UnexpectedMessage,
			Msg:  fmt.Sprintf("%s from a registered worker", m.Tag()),
		}
	}
	if v != nil {
		s.violation(ws, v)
	}
	return v
}

func (s *statefulScheduler) violation(ws *workerSession, v *workerapi.ProtocolViolation) {
	s.stat.Counter(stats.SchedProtocolViolationCounter).Inc(1)
	log.WithFields(
		log.Fields{
			"workerID": ws.id,
			"name":     ws.name,
			"kind":     v.Kind,
			"err":      v.Msg,
		}).Info("Protocol violation")
}

// lookup finds the assignment a task report refers to. Only the coordinator
// of the current epoch may report.
func (s *statefulScheduler) lookup(ws *workerSession, te workerapi.TaskEpoch, terminal bool) (*assignment, *workerapi.ProtocolViolation) {
	t, ok := s.store.Get(te.TaskID)
	if !ok {
		return nil, &workerapi.ProtocolViolation{Kind: workerapi.UnexpectedMessage,
			Msg: fmt.Sprintf("report for unknown task %s", te)}
	}
	a, ok := s.inflight[te.TaskID]
	if !ok || a.epoch != te.Epoch {
		if terminal && t.Epoch == te.Epoch && t.State.IsTerminal() {
			return nil, &workerapi.ProtocolViolation{Kind: workerapi.DuplicateTerminal,
				Msg: fmt.Sprintf("task %s already %s", te, t.State)}
		}
		return nil, &workerapi.ProtocolViolation{Kind: workerapi.StaleEpoch,
			Msg: fmt.Sprintf("report for %s, task is at epoch %d", te, t.Epoch)}
	}
	if a.nodeOf(ws.id) != 0 {
		return nil, &workerapi.ProtocolViolation{Kind: workerapi.UnexpectedMessage,
			Msg: fmt.Sprintf("report for %s from a worker that does not coordinate it", te)}
	}
	return a, nil
}

func (s *statefulScheduler) started(ws *workerSession, te workerapi.TaskEpoch) *workerapi.ProtocolViolation {
	a, v := s.lookup(ws, te, false)
	if v != nil {
		return v
	}
	if a.started {
		return &workerapi.ProtocolViolation{Kind: workerapi.UnexpectedMessage,
			Msg: fmt.Sprintf("second Started for %s", te)}
	}
	a.started = true
	if a.cancelled {
		return nil
	}
	if err := s.store.MarkRunning(a.taskID); err != nil {
		log.WithFields(
			log.Fields{
				"taskID": a.taskID,
				"err":    err,
			}).Error("Could not mark task running")
	}
	return nil
}

func (s *statefulScheduler) output(ws *workerSession, msg *workerapi.OutputChunk) *workerapi.ProtocolViolation {
	a, v := s.lookup(ws, msg.TaskEpoch, false)
	if v != nil {
		return v
	}
	if !a.started {
		return &workerapi.ProtocolViolation{Kind: workerapi.OutputBeforeStart,
			Msg: fmt.Sprintf("output chunk %d of stream %d for %s", msg.Sequence, msg.Stream, msg.TaskEpoch)}
	}
	if a.cancelled {
		return nil
	}
	if a.streams == nil {
		a.streams = make(map[uint32]*streamBuffer)
	}
	buf, ok := a.streams[msg.Stream]
	if !ok {
		buf = newStreamBuffer(s.config.ReorderWindow)
		a.streams[msg.Stream] = buf
	}
	s.emitOutput(a.taskID, msg.Stream, buf.push(msg.Sequence, msg.Data))
	return nil
}

func (s *statefulScheduler) terminal(ws *workerSession, te workerapi.TaskEpoch, outcome graph.Outcome) *workerapi.ProtocolViolation {
	a, v := s.lookup(ws, te, true)
	if v != nil {
		return v
	}
	if !a.started {
		v = &workerapi.ProtocolViolation{Kind: workerapi.TerminalBeforeStart,
			Msg: fmt.Sprintf("%s reported %s without Started", te, outcome.State)}
		a.started = true
		if !a.cancelled {
			if err := s.store.MarkRunning(a.taskID); err != nil {
				log.WithFields(
					log.Fields{
						"taskID": a.taskID,
						"err":    err,
					}).Error("Could not mark task running")
			}
		}
	}

	// output first, then the terminal event
	s.releaseAssignment(a, ws.id)
	if a.cancelled {
		log.WithFields(
			log.Fields{
				"taskID":   a.taskID,
				"epoch":    a.epoch,
				"workerID": ws.id,
			}).Info("Cancelled task stopped, released its workers")
		return v
	}
	log.WithFields(
		log.Fields{
			"taskID":   a.taskID,
			"epoch":    a.epoch,
			"workerID": ws.id,
			"state":    outcome.State,
			"reason":   outcome.Reason,
			"exitCode": outcome.ExitCode,
		}).Info("Task completed")
	s.completeTask(a.taskID, outcome)
	return v
}
