package server

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/scheduler/graph"
)

// ErrHistoryExpired is returned by Subscribe for a terminal task whose events
// were already evicted from the retention cache.
var ErrHistoryExpired = errors.New("task history no longer retained")

// Subscription delivers a task's events in Seq order. Events is closed after
// the terminal event, when the subscription is closed, or when the
// subscriber fell too far behind; in the last case Subscribe again with the
// Seq of the last event received.
type Subscription struct {
	TaskID graph.TaskID
	Events <-chan graph.Event

	ch    chan graph.Event
	id    uint64
	close func(*Subscription)
}

// Close stops delivery. Events may still hold buffered events.
func (s *Subscription) Close() {
	if s.close != nil {
		s.close(s)
	}
}

type taskHistory struct {
	events   []graph.Event
	subs     map[uint64]*Subscription
	terminal bool
}

// eventLog records every task event with a per-task Seq, fans them out to
// subscribers and the sink, and keeps the histories of terminated tasks in
// an LRU. Owned by the scheduler loop.
type eventLog struct {
	live    map[graph.TaskID]*taskHistory
	retired *lru.Cache
	bufSize int
	nextSub uint64
	sink    EventSink
}

func newEventLog(retention, bufSize int, sink EventSink) (*eventLog, error) {
	retired, err := lru.New(retention)
	if err != nil {
		return nil, errors.Wrap(err, "creating task history cache")
	}
	return &eventLog{
		live:    make(map[graph.TaskID]*taskHistory),
		retired: retired,
		bufSize: bufSize,
		sink:    sink,
	}, nil
}

func (l *eventLog) history(id graph.TaskID) (*taskHistory, bool) {
	if h, ok := l.live[id]; ok {
		return h, true
	}
	if v, ok := l.retired.Get(id); ok {
		return v.(*taskHistory), true
	}
	return nil, false
}

// record numbers the event and delivers it. Events for a task that already
// terminated are dropped.
func (l *eventLog) record(e graph.Event) {
	h, ok := l.live[e.TaskID]
	if !ok {
		if _, retired := l.retired.Get(e.TaskID); retired {
			log.WithFields(
				log.Fields{
					"taskID": e.TaskID,
					"event":  e,
				}).Debug("Dropping event recorded after terminal state")
			return
		}
		h = &taskHistory{subs: make(map[uint64]*Subscription)}
		l.live[e.TaskID] = h
	}
	e.Seq = uint64(len(h.events)) + 1
	h.events = append(h.events, e)

	for _, sub := range h.subs {
		select {
		case sub.ch <- e:
		default:
			log.WithFields(
				log.Fields{
					"taskID": e.TaskID,
					"seq":    e.Seq,
				}).Info("Subscriber fell behind, closing its subscription")
			delete(h.subs, sub.id)
			close(sub.ch)
		}
	}
	if l.sink != nil {
		if err := l.sink.Publish(e); err != nil {
			log.WithFields(
				log.Fields{
					"taskID": e.TaskID,
					"seq":    e.Seq,
					"err":    err,
				}).Error("Failed to publish task event")
		}
	}

	if e.Terminal() {
		h.terminal = true
		for id, sub := range h.subs {
			delete(h.subs, id)
			close(sub.ch)
		}
		delete(l.live, e.TaskID)
		l.retired.Add(e.TaskID, h)
	}
}

// subscribe replays events after the given Seq and, for live tasks, keeps
// the subscription for new ones.
func (l *eventLog) subscribe(id graph.TaskID, after uint64, closeFn func(*Subscription)) (*Subscription, error) {
	h, ok := l.history(id)
	if !ok {
		return nil, ErrHistoryExpired
	}
	var replay []graph.Event
	if after < uint64(len(h.events)) {
		replay = h.events[after:]
	}
	ch := make(chan graph.Event, len(replay)+l.bufSize)
	for _, e := range replay {
		ch <- e
	}
	l.nextSub++
	sub := &Subscription{TaskID: id, Events: ch, ch: ch, id: l.nextSub, close: closeFn}
	if h.terminal {
		close(ch)
		return sub, nil
	}
	h.subs[sub.id] = sub
	return sub, nil
}

func (l *eventLog) unsubscribe(sub *Subscription) {
	h, ok := l.live[sub.TaskID]
	if !ok {
		return
	}
	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		close(sub.ch)
	}
}

// closeAll ends every open subscription, on shutdown.
func (l *eventLog) closeAll() {
	for _, h := range l.live {
		for id, sub := range h.subs {
			delete(h.subs, id)
			close(sub.ch)
		}
	}
}
