package graph

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// randomDAG submits n tasks where each task depends on a random subset of
// earlier ones, and returns the dependency lists it used.
func randomDAG(r *rand.Rand, s *Store, n int) (map[TaskID][]TaskID, error) {
	deps := make(map[TaskID][]TaskID)
	var ids []TaskID
	for i := 0; i < n; i++ {
		var d []TaskID
		for _, id := range ids {
			if r.Intn(4) == 0 {
				d = append(d, id)
			}
		}
		def := cpuDef(1, d...)
		def.Priority = int32(r.Intn(3))
		id, err := s.Submit(def)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
		deps[id] = d
	}
	return deps, nil
}

// dependsOn reports whether a transitively depends on b.
func dependsOn(deps map[TaskID][]TaskID, a, b TaskID) bool {
	seen := map[TaskID]bool{}
	stack := []TaskID{a}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range deps[cur] {
			if d == b {
				return true
			}
			if !seen[d] {
				seen[d] = true
				stack = append(stack, d)
			}
		}
	}
	return false
}

// consistent checks the readiness rule and the level rule for every task.
func consistent(s *Store, deps map[TaskID][]TaskID) bool {
	ready := 0
	for id, t := range s.tasks {
		allFinished, anyDead := true, false
		for _, d := range deps[id] {
			switch s.tasks[d].State {
			case Finished:
			case Failed, Cancelled:
				anyDead = true
				allFinished = false
			default:
				allFinished = false
			}
			if t.level <= s.tasks[d].level {
				return false
			}
		}
		switch t.State {
		case Ready:
			ready++
			if !allFinished {
				return false
			}
		case Waiting:
			if allFinished || anyDead {
				return false
			}
		case Assigned, Running, Finished:
			if !allFinished {
				return false
			}
		case Cancelled:
			if t.Reason == ReasonDependencyFailed && !anyDead {
				return false
			}
		}
	}
	return ready == s.NumReady()
}

func TestStoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a task is ready iff all its dependencies finished", prop.ForAll(
		func(seed int64) bool {
			r := rand.New(rand.NewSource(seed))
			s := NewStore()
			deps, err := randomDAG(r, s, 2+r.Intn(30))
			if err != nil || !consistent(s, deps) {
				return false
			}
			for s.NumReady() > 0 {
				ready := s.Ready()
				id := ready[r.Intn(len(ready))].ID
				if _, err := s.MarkAssigned(id); err != nil {
					return false
				}
				switch r.Intn(10) {
				case 0:
					if _, err := s.CompleteTask(id, Outcome{State: Failed, Reason: ReasonWorkerLost}); err != nil {
						return false
					}
				case 1:
					if _, err := s.Cancel(id); err != nil {
						return false
					}
				case 2:
					if err := s.Requeue(id, ReasonWorkerLost); err != nil {
						return false
					}
				default:
					if _, err := s.CompleteTask(id, Outcome{State: Finished}); err != nil {
						return false
					}
				}
				if !consistent(s, deps) {
					return false
				}
			}
			// once nothing is ready, everything is terminal
			for _, t := range s.tasks {
				if !t.State.IsTerminal() {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.Property("an edge closing a cycle is rejected and changes nothing", prop.ForAll(
		func(seed int64) bool {
			r := rand.New(rand.NewSource(seed))
			s := NewStore()
			n := 3 + r.Intn(25)
			deps, err := randomDAG(r, s, n)
			if err != nil {
				return false
			}
			for i := 0; i < 10; i++ {
				x := TaskID(1 + r.Intn(n))
				y := TaskID(1 + r.Intn(n))
				if s.tasks[x].State != Waiting {
					continue
				}
				before := snapshot(s)
				err := s.AddDependencies(x, []TaskID{y})
				if x == y || dependsOn(deps, y, x) {
					if !IsKind(err, CycleDetected) {
						return false
					}
					if len(before) != len(snapshot(s)) {
						return false
					}
					for id, shape := range snapshot(s) {
						if before[id] != shape {
							return false
						}
					}
					continue
				}
				if err != nil {
					return false
				}
				if !containsID(deps[x], y) {
					deps[x] = append(deps[x], y)
				}
				if !consistent(s, deps) {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}
