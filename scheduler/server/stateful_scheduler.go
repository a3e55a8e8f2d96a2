package server

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/async"
	"github.com/twitter/hpcsched/common/log/hooks"
	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/journal"
	"github.com/twitter/hpcsched/resources"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/workerapi"
)

// Used to get proper logging from tests...
func init() {
	if loglevel := os.Getenv("HPCSCHED_LOGLEVEL"); loglevel != "" {
		level, err := log.ParseLevel(loglevel)
		if err != nil {
			log.Error(err)
			return
		}
		log.SetLevel(level)
		log.AddHook(hooks.NewContextHook())
	} else {
		// keep test output short
		log.SetLevel(log.ErrorLevel)
	}
}

// Scheduler that keeps track of every task and worker session so that it can
// place tasks where their resources are free.
//
// Scheduler Concurrency: The Scheduler runs an update loop in its own go routine.
// Public methods and connection handlers only queue intents on the inbox;
// step() applies them. Journal writes run through a serial async.Queue; their
// callbacks run in step() and may read and modify scheduler state.
type statefulScheduler struct {
	config       *SchedulerConfiguration
	store        *graph.Store
	cluster      *clusterState
	allocator    Allocator
	journal      journal.Journal
	journalQueue *async.Queue
	events       *eventLog
	inflight     map[graph.TaskID]*assignment

	// zero unless journaled assignments still wait for their workers
	recoveryDeadline time.Time

	inbox      chan interface{}
	stopCh     chan struct{}
	doneCh     chan struct{}
	stepTicker *time.Ticker
	now        func() time.Time

	stat stats.StatsReceiver
}

// ErrBodyDropped is returned by TaskBody once a task terminated, unless the
// task asked to keep its body.
var ErrBodyDropped = errors.New("task body dropped")

func (s *statefulScheduler) String() string {
	return fmt.Sprintf("%s, tasks: %d, in flight: %d, %s", s.config, s.store.Len(), len(s.inflight), s.cluster.status())
}

// Create a new StatefulScheduler.
// jrnl - recovery journal; nil disables recovery across restarts
// sink - optional destination for every task event
// specifying DebugMode true starts the scheduler up but does not start
// the update loop. Instead the loop must be advanced manually by calling
// step(), intended for debugging and test cases
// If RecoverOnStartup is true the journal is replayed before returning; a
// corrupted journal is an error.
func NewStatefulScheduler(
	config SchedulerConfiguration,
	jrnl journal.Journal,
	sink EventSink,
	stat stats.StatsReceiver) (*statefulScheduler, error) {
	config.setDefaults()
	events, err := newEventLog(config.FinishedTaskRetention, config.SubscriptionBuffer, sink)
	if err != nil {
		return nil, err
	}

	sched := &statefulScheduler{
		config:       &config,
		store:        graph.NewStore(),
		cluster:      newClusterState(config.Token, stat),
		allocator:    NewBestFitAllocator(stat),
		journal:      jrnl,
		journalQueue: async.NewQueue(journalQueueDepth),
		events:       events,
		inflight:     make(map[graph.TaskID]*assignment),
		inbox:        make(chan interface{}, inboxSize),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		now:          time.Now,
		stat:         stat,
	}

	if jrnl != nil && config.RecoverOnStartup {
		if err := sched.recoverFromJournal(); err != nil {
			sched.journalQueue.Close()
			return nil, err
		}
	}

	log.Info(sched)

	if !config.DebugMode {
		// start the scheduler loop
		log.Info("Starting scheduler loop")
		sched.stepTicker = time.NewTicker(config.TickRate)
		go func() {
			sched.loop()
		}()
	}
	return sched, nil
}

// run the scheduler loop until Stop.
// we are not putting any logic other than looping in this method so unit tests can verify
// behavior by controlling calls to step() below
func (s *statefulScheduler) loop() {
	defer close(s.doneCh)
	for {
		s.step()

		// Wait until our TickRate has elapsed or an intent arrives.
		select {
		case msg := <-s.inbox:
			s.handle(msg)
		case <-s.stepTicker.C:
		case <-s.stopCh:
			s.stepTicker.Stop()
			s.shutdown()
			return
		}
	}
}

// run one loop iteration
func (s *statefulScheduler) step() {
	defer s.stat.Latency(stats.SchedStepLatency_ms).Time().Stop()

	// intents received since last loop, then finished journal writes
	s.drainInbox()
	s.journalQueue.Deliver()

	now := s.now()
	s.checkHeartbeats(now)
	s.checkRecoveryDeadline(now)
	s.scheduleTasks(now)

	s.flushStoreEvents()
	s.updateStats()
}

// Stop ends the loop. Workers are told to shut down, pending journal writes
// finish, and the journal keeps in-flight assignments for the next start.
func (s *statefulScheduler) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	close(s.stopCh)
	if s.config.DebugMode {
		s.shutdown()
		close(s.doneCh)
		return
	}
	<-s.doneCh
}

func (s *statefulScheduler) shutdown() {
	for _, ws := range s.cluster.sorted() {
		ws.send(&workerapi.Shutdown{Reason: "scheduler stopping"})
		if ws.out != nil {
			ws.out.Close()
		}
	}
	deadline := time.Now().Add(10 * time.Second)
	for s.journalQueue.Pending() > 0 && time.Now().Before(deadline) {
		s.journalQueue.Deliver()
		time.Sleep(time.Millisecond)
	}
	s.journalQueue.Close()
	s.events.closeAll()
	log.Info("Scheduler stopped")
}

//
// Public API: each call is an intent answered by the loop.
//

func (s *statefulScheduler) Submit(def graph.TaskDefinition) (graph.TaskID, error) {
	ids, err := s.SubmitBatch([]graph.BatchEntry{{Def: def}})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (s *statefulScheduler) SubmitBatch(entries []graph.BatchEntry) ([]graph.TaskID, error) {
	resultCh := make(chan submitResult, 1)
	if !s.send(submitMsg{entries, resultCh}) {
		return nil, ErrStopped
	}
	select {
	case r := <-resultCh:
		return r.ids, r.err
	case <-s.doneCh:
		return nil, ErrStopped
	}
}

func (s *statefulScheduler) Cancel(id graph.TaskID) error {
	resultCh := make(chan error, 1)
	if !s.send(cancelMsg{id, resultCh}) {
		return ErrStopped
	}
	select {
	case err := <-resultCh:
		return err
	case <-s.doneCh:
		return ErrStopped
	}
}

func (s *statefulScheduler) Subscribe(id graph.TaskID, after uint64) (*Subscription, error) {
	resultCh := make(chan subscribeResult, 1)
	if !s.send(subscribeMsg{id, after, resultCh}) {
		return nil, ErrStopped
	}
	select {
	case r := <-resultCh:
		return r.sub, r.err
	case <-s.doneCh:
		return nil, ErrStopped
	}
}

func (s *statefulScheduler) TaskStatus(id graph.TaskID) (TaskStatus, error) {
	resultCh := make(chan statusResult, 1)
	if !s.send(statusMsg{id, resultCh}) {
		return TaskStatus{}, ErrStopped
	}
	select {
	case r := <-resultCh:
		return r.status, r.err
	case <-s.doneCh:
		return TaskStatus{}, ErrStopped
	}
}

func (s *statefulScheduler) TaskBody(id graph.TaskID) (graph.Body, error) {
	resultCh := make(chan bodyResult, 1)
	if !s.send(bodyMsg{id, resultCh}) {
		return graph.Body{}, ErrStopped
	}
	select {
	case r := <-resultCh:
		return r.body, r.err
	case <-s.doneCh:
		return graph.Body{}, ErrStopped
	}
}

func (s *statefulScheduler) Workers() []WorkerStatus {
	resultCh := make(chan []WorkerStatus, 1)
	if !s.send(workersMsg{resultCh}) {
		return nil
	}
	select {
	case ws := <-resultCh:
		return ws
	case <-s.doneCh:
		return nil
	}
}

func (s *statefulScheduler) RegisterWorker(reg *workerapi.Register, out Outbox) (*workerapi.RegisterResponse, WorkerID) {
	resultCh := make(chan registerResult, 1)
	if !s.send(registerMsg{reg, out, resultCh}) {
		return &workerapi.RegisterResponse{Error: ErrStopped.Error()}, 0
	}
	select {
	case r := <-resultCh:
		return r.rsp, r.id
	case <-s.doneCh:
		return &workerapi.RegisterResponse{Error: ErrStopped.Error()}, 0
	}
}

func (s *statefulScheduler) WorkerMessage(id WorkerID, m workerapi.Message) {
	s.send(workerMsg{id, m})
}

func (s *statefulScheduler) WorkerDisconnected(id WorkerID) {
	s.send(disconnectMsg{id})
}

//
// Intent handlers, run on the loop goroutine.
//

func (s *statefulScheduler) submit(entries []graph.BatchEntry) ([]graph.TaskID, error) {
	ids, err := s.store.SubmitBatch(entries)
	if err != nil {
		s.stat.Counter(stats.SchedSubmitRejectedCounter).Inc(1)
		log.WithFields(
			log.Fields{
				"numTasks": len(entries),
				"err":      err,
			}).Info("Rejected submission")
		return nil, err
	}
	s.stat.Counter(stats.SchedTasksSubmittedCounter).Inc(int64(len(ids)))
	log.WithFields(
		log.Fields{
			"numTasks": len(ids),
			"first":    ids[0],
		}).Debug("Accepted submission")
	s.flushStoreEvents()
	return ids, nil
}

func (s *statefulScheduler) cancel(id graph.TaskID) error {
	if a, ok := s.inflight[id]; ok {
		// buffered output belongs before the Cancelled event
		s.flushStreams(a)
	}
	victims, err := s.store.Cancel(id)
	if err != nil {
		return err
	}
	if len(victims) > 0 {
		s.stat.Counter(stats.SchedTasksCancelledCounter).Inc(int64(len(victims)))
		log.WithFields(
			log.Fields{
				"taskID":    id,
				"cancelled": len(victims),
			}).Info("Cancelled task and its dependents")
	}
	for _, v := range victims {
		if a, ok := s.inflight[v]; ok {
			s.cancelAssignment(a)
		}
	}
	return nil
}

// cancelAssignment stops an assignment whose task was cancelled. Units stay
// reserved until the coordinator confirms, unless nothing was sent yet.
func (s *statefulScheduler) cancelAssignment(a *assignment) {
	if a.cancelled {
		return
	}
	a.cancelled = true
	if !a.sent || a.awaitingRecovery() {
		s.releaseAssignment(a, 0)
		return
	}
	te := workerapi.TaskEpoch{TaskID: a.taskID, Epoch: a.epoch}
	for _, wid := range a.workers {
		if ws, ok := s.cluster.get(wid); ok {
			ws.send(&workerapi.Cancel{TaskEpoch: te})
		}
	}
}

func (s *statefulScheduler) subscribe(id graph.TaskID, after uint64) (*Subscription, error) {
	if _, ok := s.store.Get(id); !ok {
		return nil, &graph.GraphError{Kind: graph.UnknownTask, Task: id}
	}
	s.flushStoreEvents()
	return s.events.subscribe(id, after, s.closeSubscription)
}

func (s *statefulScheduler) closeSubscription(sub *Subscription) {
	s.send(unsubscribeMsg{sub})
}

func (s *statefulScheduler) taskStatus(id graph.TaskID) (TaskStatus, error) {
	t, ok := s.store.Get(id)
	if !ok {
		return TaskStatus{}, &graph.GraphError{Kind: graph.UnknownTask, Task: id}
	}
	st := TaskStatus{
		ID:          t.ID,
		Name:        t.Def.Name,
		State:       t.State,
		Reason:      t.Reason,
		ExitCode:    t.ExitCode,
		Epoch:       t.Epoch,
		Retries:     t.Retries,
		Priority:    t.Def.Priority,
		Requirement: t.Def.Requirement.String(),
		Submitted:   t.Submitted,
		Updated:     t.Updated,
	}
	if a, ok := s.inflight[id]; ok {
		st.Workers = append([]WorkerID(nil), a.workers...)
	}
	return st, nil
}

func (s *statefulScheduler) taskBody(id graph.TaskID) (graph.Body, error) {
	t, ok := s.store.Get(id)
	if !ok {
		return graph.Body{}, &graph.GraphError{Kind: graph.UnknownTask, Task: id}
	}
	if t.State.IsTerminal() && !t.Def.Body.KeepAlive {
		return graph.Body{}, errors.Wrapf(ErrBodyDropped, "task %d is %s", id, t.State)
	}
	return t.Def.Body, nil
}

func (s *statefulScheduler) workers() []WorkerStatus {
	var out []WorkerStatus
	for _, ws := range s.cluster.sorted() {
		out = append(out, ws.status())
	}
	return out
}

func (s *statefulScheduler) registerWorker(reg *workerapi.Register, out Outbox) (*workerapi.RegisterResponse, WorkerID) {
	now := s.now()
	if s.cluster.authorized(reg) {
		s.takeOver(reg)
	}
	ws, err := s.cluster.register(reg, out, now)
	if err != nil {
		s.stat.Counter(stats.SchedRegistrationRejectedCounter).Inc(1)
		log.WithFields(
			log.Fields{
				"name": reg.Name,
				"err":  err,
			}).Info("Refused worker registration")
		rsp := &workerapi.RegisterResponse{ServerID: s.config.ServerID, Error: err.Error()}
		if out != nil {
			out.Send(rsp)
		}
		return rsp, 0
	}
	rsp := &workerapi.RegisterResponse{
		WorkerID:          uint64(ws.id),
		HeartbeatInterval: s.config.HeartbeatInterval,
		ServerID:          s.config.ServerID,
	}
	// the response must be the first message the worker sees
	ws.send(rsp)
	s.rebind(ws, reg)
	return rsp, ws.id
}

//
// Allocation
//

// Checks for Ready tasks and places as many as the free capacity allows.
func (s *statefulScheduler) scheduleTasks(now time.Time) {
	if s.store.NumReady() == 0 || len(s.cluster.sessions) == 0 {
		return
	}
	assignments, unsatisfiable := s.allocator.Allocate(s.store.Ready(), s.cluster, now)

	for _, t := range unsatisfiable {
		err := resources.NewUnsatisfiableError(t.Def.Requirement)
		log.WithFields(
			log.Fields{
				"taskID":      t.ID,
				"name":        t.Def.Name,
				"requirement": t.Def.Requirement,
				"err":         err,
			}).Info("Failing task no worker can ever run")
		s.stat.Counter(stats.SchedUnsatisfiableCounter).Inc(1)
		s.completeTask(t.ID, graph.Outcome{State: graph.Failed, Reason: graph.ReasonUnsatisfiable})
	}

	for _, a := range assignments {
		s.assign(a)
	}
}

// assign records a placement the allocator made, journals it and, once
// journaled, sends it to the workers.
func (s *statefulScheduler) assign(a *assignment) {
	epoch, err := s.store.MarkAssigned(a.taskID)
	if err != nil {
		log.WithFields(
			log.Fields{
				"taskID": a.taskID,
				"err":    err,
			}).Error("Allocated task could not be assigned, releasing")
		for _, wid := range a.workers {
			if ws, ok := s.cluster.get(wid); ok {
				ws.release(a)
			}
		}
		return
	}
	a.epoch = epoch
	s.inflight[a.taskID] = a
	log.WithFields(
		log.Fields{
			"taskID":  a.taskID,
			"epoch":   epoch,
			"variant": a.variant,
			"workers": a.workers,
		}).Info("Assigned task")
	s.journalAppend(a, func() {
		if s.inflight[a.taskID] != a || a.cancelled {
			return
		}
		s.sendAssignment(a)
	})
}

func (s *statefulScheduler) sendAssignment(a *assignment) {
	t, ok := s.store.Get(a.taskID)
	if !ok {
		return
	}
	nodes := make([]string, len(a.workers))
	for i, wid := range a.workers {
		nodes[i] = fmt.Sprintf("worker-%d", wid)
		if ws, ok := s.cluster.get(wid); ok && ws.name != "" {
			nodes[i] = ws.name
		}
	}
	for i, wid := range a.workers {
		ws, ok := s.cluster.get(wid)
		if !ok {
			continue
		}
		msg := &workerapi.Assign{
			TaskEpoch:  workerapi.TaskEpoch{TaskID: a.taskID, Epoch: a.epoch},
			Name:       t.Def.Name,
			Allocation: *a.allocs[i],
			BodyKind:   t.Def.Body.Kind,
			NodeIndex:  int32(i),
			Nodes:      nodes,
			TimeLimit:  t.Def.TimeLimit,
			Pin:        t.Def.Pin,
		}
		if i == 0 {
			if t.Def.Body.Size() > s.config.InlineBodyLimit && s.config.BodyURLPrefix != "" {
				msg.BodyURL = fmt.Sprintf("%s/tasks/%d/body", s.config.BodyURLPrefix, a.taskID)
			} else {
				msg.Body = t.Def.Body.Data
			}
		}
		ws.send(msg)
	}
	a.sent = true
}

// completeTask moves a task to a terminal state and updates the counters.
func (s *statefulScheduler) completeTask(id graph.TaskID, outcome graph.Outcome) {
	affected, err := s.store.CompleteTask(id, outcome)
	if err != nil {
		log.WithFields(
			log.Fields{
				"taskID":  id,
				"outcome": outcome.State,
				"err":     err,
			}).Error("Could not complete task")
		return
	}
	switch outcome.State {
	case graph.Finished:
		s.stat.Counter(stats.SchedTasksFinishedCounter).Inc(1)
	case graph.Failed:
		s.stat.Counter(stats.SchedTasksFailedCounter).Inc(1)
		s.stat.Counter(stats.SchedTasksCancelledCounter).Inc(int64(len(affected)))
	case graph.Cancelled:
		s.stat.Counter(stats.SchedTasksCancelledCounter).Inc(int64(1 + len(affected)))
	}
	if outcome.State != graph.Finished {
		// dependents cancelled with the task may still hold assignments only
		// if they were running, which a Waiting dependent never is
		for _, v := range affected {
			if a, ok := s.inflight[v]; ok {
				s.cancelAssignment(a)
			}
		}
	}
}

// releaseAssignment gives back every reservation of the assignment and
// forgets it. Every live node other than except is told to stop.
func (s *statefulScheduler) releaseAssignment(a *assignment, except WorkerID) {
	te := workerapi.TaskEpoch{TaskID: a.taskID, Epoch: a.epoch}
	for _, wid := range a.workers {
		ws, ok := s.cluster.get(wid)
		if !ok {
			continue
		}
		if a.sent && wid != except {
			ws.send(&workerapi.Cancel{TaskEpoch: te})
		}
		ws.release(a)
	}
	s.flushStreams(a)
	if s.inflight[a.taskID] == a {
		delete(s.inflight, a.taskID)
	}
	s.journalRelease(a.taskID)
}

//
// Events
//

// flushStoreEvents records the store's pending state changes. Called before
// any output event so a task's history stays in causal order.
func (s *statefulScheduler) flushStoreEvents() {
	for _, e := range s.store.Drain() {
		s.events.record(e)
	}
}

func (s *statefulScheduler) flushStreams(a *assignment) {
	streams := make([]uint32, 0, len(a.streams))
	for stream := range a.streams {
		streams = append(streams, stream)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i] < streams[j] })
	for _, stream := range streams {
		s.emitOutput(a.taskID, stream, a.streams[stream].flush())
	}
	a.streams = nil
}

func (s *statefulScheduler) emitOutput(id graph.TaskID, stream uint32, items []streamItem) {
	if len(items) == 0 {
		return
	}
	s.flushStoreEvents()
	now := s.now()
	for _, it := range items {
		e := graph.Event{TaskID: id, State: graph.Running, Stream: stream, Sequence: it.seq, Time: now}
		if it.missing > 0 {
			e.Kind = graph.Gap
			e.Missing = it.missing
			s.stat.Counter(stats.SchedOutputGapCounter).Inc(int64(it.missing))
			log.WithFields(
				log.Fields{
					"taskID":  id,
					"stream":  stream,
					"from":    it.seq,
					"missing": it.missing,
				}).Info("Gave up on missing output chunks")
		} else {
			e.Kind = graph.Output
			e.Data = it.data
		}
		s.events.record(e)
	}
}

// update the stats monitoring values
func (s *statefulScheduler) updateStats() {
	counts := s.store.Counts()
	s.stat.Gauge(stats.SchedWaitingTasksGauge).Update(int64(counts[graph.Waiting]))
	s.stat.Gauge(stats.SchedReadyTasksGauge).Update(int64(counts[graph.Ready]))
	s.stat.Gauge(stats.SchedAssignedTasksGauge).Update(int64(counts[graph.Assigned] + counts[graph.Running]))
	s.cluster.updateStats()
}
