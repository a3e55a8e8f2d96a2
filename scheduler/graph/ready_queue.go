package graph

import "sort"

// readyQueue keeps Ready tasks sorted by priority (highest first) then id
// (oldest first).
type readyQueue struct {
	tasks []*Task
}

func readyLess(a, b *Task) bool {
	if a.Def.Priority != b.Def.Priority {
		return a.Def.Priority > b.Def.Priority
	}
	return a.ID < b.ID
}

func (q *readyQueue) search(t *Task) int {
	return sort.Search(len(q.tasks), func(i int) bool {
		return !readyLess(q.tasks[i], t)
	})
}

func (q *readyQueue) push(t *Task) {
	i := q.search(t)
	if i < len(q.tasks) && q.tasks[i] == t {
		return
	}
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t
}

func (q *readyQueue) remove(t *Task) {
	i := q.search(t)
	if i < len(q.tasks) && q.tasks[i] == t {
		q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
	}
}

func (q *readyQueue) len() int {
	return len(q.tasks)
}

func (q *readyQueue) snapshot() []*Task {
	return append([]*Task(nil), q.tasks...)
}
