package graph

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// BatchEntry is one task of an atomic batch submission. Def.Deps name tasks
// already in the store; LocalDeps name other entries of the same batch by
// position, forward references included.
type BatchEntry struct {
	Def       TaskDefinition
	LocalDeps []int
}

// Store owns all tasks and their dependency edges.
type Store struct {
	tasks  map[TaskID]*Task
	nextID TaskID
	ready  readyQueue
	events []Event
	counts map[State]int
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{
		tasks:  make(map[TaskID]*Task),
		nextID: 1,
		counts: make(map[State]int),
		now:    time.Now,
	}
}

// SetClock replaces time.Now, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SeedNextID makes sure ids handed out from now on are at least id.
func (s *Store) SeedNextID(id TaskID) {
	if id > s.nextID {
		s.nextID = id
	}
}

// Get returns the task with the given id.
func (s *Store) Get(id TaskID) (*Task, bool) {
	t, ok := s.tasks[id]
	return t, ok
}

// Len is the number of tasks in the store.
func (s *Store) Len() int {
	return len(s.tasks)
}

// Counts returns the number of tasks per state.
func (s *Store) Counts() map[State]int {
	out := make(map[State]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Ready returns Ready tasks by priority, then submission order.
func (s *Store) Ready() []*Task {
	return s.ready.snapshot()
}

// NumReady is the size of the Ready set.
func (s *Store) NumReady() int {
	return s.ready.len()
}

// Drain returns the events emitted since the previous call.
func (s *Store) Drain() []Event {
	out := s.events
	s.events = nil
	return out
}

// Submit adds a task whose dependencies are all already in the store.
func (s *Store) Submit(def TaskDefinition) (TaskID, error) {
	ids, err := s.SubmitBatch([]BatchEntry{{Def: def}})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// SubmitBatch adds several tasks at once. Either every entry is added or,
// on any error, none is.
func (s *Store) SubmitBatch(entries []BatchEntry) ([]TaskID, error) {
	for i := range entries {
		if err := entries[i].Def.Validate(); err != nil {
			return nil, &GraphError{Kind: InvalidDefinition, Task: s.nextID + TaskID(i), Msg: err.Error()}
		}
		for _, dep := range entries[i].Def.Deps {
			if _, ok := s.tasks[dep]; !ok {
				return nil, &GraphError{Kind: UnknownDependency, Task: s.nextID + TaskID(i), Dep: dep}
			}
		}
		for _, local := range entries[i].LocalDeps {
			if local < 0 || local >= len(entries) {
				return nil, &GraphError{Kind: UnknownDependency, Task: s.nextID + TaskID(i), Dep: s.nextID + TaskID(local)}
			}
		}
	}

	order, err := s.batchOrder(entries)
	if err != nil {
		return nil, err
	}

	ids := make([]TaskID, len(entries))
	for i := range entries {
		ids[i] = s.nextID + TaskID(i)
	}
	s.nextID += TaskID(len(entries))

	now := s.now()
	for _, i := range order {
		def := entries[i].Def
		def.Deps = dedupe(def.Deps, entries[i].LocalDeps, ids)
		s.insert(ids[i], def, now)
	}
	return ids, nil
}

// batchOrder sorts a batch topologically over its local edges (Kahn's
// algorithm), touching only the new tasks. A leftover entry means a cycle.
func (s *Store) batchOrder(entries []BatchEntry) ([]int, error) {
	indegree := make([]int, len(entries))
	dependents := make([][]int, len(entries))
	for i, e := range entries {
		seen := make(map[int]bool)
		for _, local := range e.LocalDeps {
			if local == i {
				return nil, &GraphError{Kind: CycleDetected, Task: s.nextID + TaskID(i), Dep: s.nextID + TaskID(i)}
			}
			if seen[local] {
				continue
			}
			seen[local] = true
			indegree[i]++
			dependents[local] = append(dependents[local], i)
		}
	}
	var queue, order []int
	for i := range entries {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, d := range dependents[i] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(order) != len(entries) {
		for i, deg := range indegree {
			if deg > 0 {
				return nil, &GraphError{Kind: CycleDetected, Task: s.nextID + TaskID(i), Dep: s.nextID + TaskID(entries[i].LocalDeps[0])}
			}
		}
	}
	return order, nil
}

func dedupe(deps []TaskID, local []int, ids []TaskID) []TaskID {
	seen := make(map[TaskID]bool)
	out := make([]TaskID, 0, len(deps)+len(local))
	add := func(id TaskID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, d := range deps {
		add(d)
	}
	for _, l := range local {
		add(ids[l])
	}
	return out
}

// insert adds a task whose dependencies are all present.
func (s *Store) insert(id TaskID, def TaskDefinition, now time.Time) {
	t := &Task{ID: id, Def: def, Submitted: now, Updated: now}
	failedDep := false
	for _, depID := range def.Deps {
		dep := s.tasks[depID]
		if dep.level+1 > t.level {
			t.level = dep.level + 1
		}
		switch dep.State {
		case Finished:
		case Failed, Cancelled:
			failedDep = true
		default:
			t.unfinished++
			dep.dependents = append(dep.dependents, id)
		}
	}
	s.tasks[id] = t
	switch {
	case failedDep:
		t.State = Cancelled
		t.Reason = ReasonDependencyFailed
		s.dropBody(t)
	case t.unfinished == 0:
		t.State = Ready
		s.ready.push(t)
	default:
		t.State = Waiting
	}
	s.counts[t.State]++
	s.emit(t)
}

// AddDependencies adds edges dep -> id for a Waiting task. Each edge is
// checked for cycles with topological levels: an edge from a lower level can
// never close a cycle; otherwise a forward search bounded by the
// dependency's level looks for a path back. On any error nothing changes.
func (s *Store) AddDependencies(id TaskID, deps []TaskID) error {
	t, ok := s.tasks[id]
	if !ok {
		return &GraphError{Kind: UnknownTask, Task: id}
	}
	if t.State != Waiting {
		return &GraphError{Kind: InvalidTransition, Task: id, Msg: "dependencies can only be added to waiting tasks"}
	}
	for _, depID := range deps {
		dep, ok := s.tasks[depID]
		if !ok {
			return &GraphError{Kind: UnknownDependency, Task: id, Dep: depID}
		}
		if dep.State == Failed || dep.State == Cancelled {
			return &GraphError{Kind: InvalidTransition, Task: id, Msg: "dependency already " + dep.State.String()}
		}
	}

	var undo []levelChange
	var linked []*Task
	origDeps := len(t.Def.Deps)
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i].task.level = undo[i].level
		}
		for _, dep := range linked {
			dep.dependents = dep.dependents[:len(dep.dependents)-1]
		}
		t.Def.Deps = t.Def.Deps[:origDeps]
	}

	for _, depID := range deps {
		dep := s.tasks[depID]
		if depID == id || (dep.level >= t.level && s.reaches(id, depID, dep.level)) {
			rollback()
			return &GraphError{Kind: CycleDetected, Task: id, Dep: depID}
		}
		if containsID(t.Def.Deps, depID) {
			continue
		}
		t.Def.Deps = append(t.Def.Deps, depID)
		if dep.State != Finished {
			dep.dependents = append(dep.dependents, id)
			linked = append(linked, dep)
		}
		undo = append(undo, s.raiseLevels(t, dep.level+1)...)
	}

	t.unfinished += len(linked)
	t.Updated = s.now()
	return nil
}

type levelChange struct {
	task  *Task
	level int
}

// raiseLevels lifts start to at least level and pushes the change downstream,
// returning the previous levels so the caller can undo.
func (s *Store) raiseLevels(start *Task, level int) []levelChange {
	type item struct {
		task  *Task
		level int
	}
	var changes []levelChange
	queue := []item{{start, level}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if it.task.level >= it.level {
			continue
		}
		changes = append(changes, levelChange{it.task, it.task.level})
		it.task.level = it.level
		for _, d := range it.task.dependents {
			queue = append(queue, item{s.tasks[d], it.level + 1})
		}
	}
	return changes
}

// reaches reports whether target is reachable from start along dependent
// edges, visiting only tasks whose level is at most maxLevel.
func (s *Store) reaches(start, target TaskID, maxLevel int) bool {
	visited := map[TaskID]bool{start: true}
	stack := []TaskID{start}
	for len(stack) > 0 {
		cur := s.tasks[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		for _, d := range cur.dependents {
			if d == target {
				return true
			}
			next := s.tasks[d]
			if visited[d] || next.level > maxLevel {
				continue
			}
			visited[d] = true
			stack = append(stack, d)
		}
	}
	return false
}

func containsID(ids []TaskID, id TaskID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// MarkAssigned moves a Ready task to Assigned under a new epoch.
func (s *Store) MarkAssigned(id TaskID) (uint32, error) {
	t, err := s.expect(id, Ready)
	if err != nil {
		return 0, err
	}
	s.ready.remove(t)
	t.Epoch++
	s.transition(t, Assigned, "")
	return t.Epoch, nil
}

// MarkRunning moves an Assigned task to Running.
func (s *Store) MarkRunning(id TaskID) error {
	t, err := s.expect(id, Assigned)
	if err != nil {
		return err
	}
	s.transition(t, Running, "")
	return nil
}

// Requeue puts an Assigned or Running task back into Ready after its worker
// was lost. Only the recovery path calls it.
func (s *Store) Requeue(id TaskID, reason string) error {
	t, ok := s.tasks[id]
	if !ok {
		return &GraphError{Kind: UnknownTask, Task: id}
	}
	if t.State != Assigned && t.State != Running {
		return &GraphError{Kind: InvalidTransition, Task: id, Msg: "requeue from " + t.State.String()}
	}
	t.Retries++
	s.transition(t, Ready, reason)
	s.ready.push(t)
	return nil
}

// CompleteTask is the single way into a terminal state. Finishing releases
// direct dependents whose last dependency this was; failing or cancelling
// cancels every dependent that can no longer run. It returns the dependents
// that became Ready or were cancelled.
func (s *Store) CompleteTask(id TaskID, outcome Outcome) ([]TaskID, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, &GraphError{Kind: UnknownTask, Task: id}
	}
	if t.State.IsTerminal() {
		return nil, &GraphError{Kind: InvalidTransition, Task: id, Msg: "already " + t.State.String()}
	}
	if !outcome.State.IsTerminal() {
		return nil, &GraphError{Kind: InvalidTransition, Task: id, Msg: "not a terminal outcome: " + outcome.State.String()}
	}
	if outcome.State == Finished && t.State != Assigned && t.State != Running {
		return nil, &GraphError{Kind: InvalidTransition, Task: id, Msg: "finish from " + t.State.String()}
	}

	if t.State == Ready {
		s.ready.remove(t)
	}
	t.ExitCode = outcome.ExitCode
	s.transition(t, outcome.State, outcome.Reason)
	s.dropBody(t)

	if outcome.State != Finished {
		return s.cancelDependents(t), nil
	}

	var released []TaskID
	for _, d := range t.dependents {
		dep := s.tasks[d]
		if dep.State.IsTerminal() {
			continue
		}
		dep.unfinished--
		if dep.unfinished == 0 && dep.State == Waiting {
			s.transition(dep, Ready, "")
			s.ready.push(dep)
			released = append(released, d)
		}
	}
	t.dependents = nil
	return released, nil
}

// Cancel cancels the task and every transitive dependent not yet terminal,
// in dependency order. Cancelling a terminal task is a no-op.
func (s *Store) Cancel(id TaskID) ([]TaskID, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, &GraphError{Kind: UnknownTask, Task: id}
	}
	if t.State.IsTerminal() {
		return nil, nil
	}
	if t.State == Ready {
		s.ready.remove(t)
	}
	s.transition(t, Cancelled, ReasonCancelled)
	s.dropBody(t)
	return append([]TaskID{id}, s.cancelDependents(t)...), nil
}

func (s *Store) cancelDependents(root *Task) []TaskID {
	var victims []*Task
	seen := map[TaskID]bool{root.ID: true}
	queue := append([]TaskID(nil), root.dependents...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		t := s.tasks[id]
		if t.State.IsTerminal() {
			continue
		}
		victims = append(victims, t)
		queue = append(queue, t.dependents...)
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].level != victims[j].level {
			return victims[i].level < victims[j].level
		}
		return victims[i].ID < victims[j].ID
	})
	out := make([]TaskID, 0, len(victims))
	for _, v := range victims {
		if v.State == Ready {
			s.ready.remove(v)
		}
		s.transition(v, Cancelled, ReasonDependencyFailed)
		s.dropBody(v)
		out = append(out, v.ID)
	}
	root.dependents = nil
	return out
}

// Resurrect re-creates an in-flight task from the recovery journal directly
// in the Assigned state. Its dependencies finished before the restart and are
// not restored.
func (s *Store) Resurrect(id TaskID, def TaskDefinition, epoch uint32, retries int) (*Task, error) {
	if _, ok := s.tasks[id]; ok {
		return nil, &GraphError{Kind: InvalidTransition, Task: id, Msg: "task already exists"}
	}
	now := s.now()
	def.Deps = nil
	t := &Task{ID: id, Def: def, State: Assigned, Epoch: epoch, Retries: retries, Submitted: now, Updated: now}
	s.tasks[id] = t
	s.counts[Assigned]++
	s.SeedNextID(id + 1)
	s.emit(t)
	return t, nil
}

func (s *Store) expect(id TaskID, state State) (*Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, &GraphError{Kind: UnknownTask, Task: id}
	}
	if t.State != state {
		return nil, &GraphError{Kind: InvalidTransition, Task: id, Msg: "expected " + state.String() + ", is " + t.State.String()}
	}
	return t, nil
}

func (s *Store) transition(t *Task, to State, reason string) {
	log.WithFields(
		log.Fields{
			"taskID": t.ID,
			"from":   t.State,
			"to":     to,
			"reason": reason,
		}).Debug("Task transition")
	s.counts[t.State]--
	s.counts[to]++
	t.State = to
	t.Reason = reason
	t.Updated = s.now()
	s.emit(t)
}

func (s *Store) emit(t *Task) {
	s.events = append(s.events, Event{
		TaskID:   t.ID,
		Kind:     StateChanged,
		State:    t.State,
		Reason:   t.Reason,
		ExitCode: t.ExitCode,
		Time:     t.Updated,
	})
}

func (s *Store) dropBody(t *Task) {
	if !t.Def.Body.KeepAlive {
		t.Def.Body.Data = nil
	}
}
