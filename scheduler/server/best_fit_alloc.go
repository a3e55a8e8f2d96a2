package server

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/scheduler/graph"
)

// bestFitAllocator places Ready tasks in the order given, never preempting.
// For each task it takes the first variant that fits enough workers and,
// among those workers, the ones left with the least free capacity.
type bestFitAllocator struct {
	stat stats.StatsReceiver
}

func NewBestFitAllocator(stat stats.StatsReceiver) Allocator {
	return &bestFitAllocator{stat: stat}
}

type candidate struct {
	ws    *workerSession
	slack int64
}

func (b *bestFitAllocator) Allocate(ready []*graph.Task, cs *clusterState, now time.Time) ([]*assignment, []*graph.Task) {
	live := cs.sorted()
	if len(live) == 0 {
		return nil, nil
	}
	workers := cs.allocatable()

	var out []*assignment
	var unsatisfiable []*graph.Task
	// requirement shapes that did not fit this round; free capacity only
	// shrinks during a round so they cannot fit later in it either
	noFit := map[string]bool{}
	possible := map[string]bool{}
	exhausted := allExhausted(workers)

	for _, t := range ready {
		key := t.Def.Requirement.Key()
		fits, seen := possible[key]
		if !seen {
			fits = fitsSomeWorker(t, live)
			possible[key] = fits
		}
		if !fits {
			unsatisfiable = append(unsatisfiable, t)
			continue
		}
		if exhausted || noFit[key] {
			continue
		}
		a := b.place(t, workers, now)
		if a == nil {
			noFit[key] = true
			continue
		}
		b.stat.Counter(stats.SchedAllocationsCounter).Inc(1)
		if len(a.workers) > 1 {
			b.stat.Counter(stats.SchedMultiNodeAllocationsCounter).Inc(1)
		}
		out = append(out, a)
		exhausted = allExhausted(workers)
	}
	return out, unsatisfiable
}

// fitsSomeWorker is the permanent check: could any live worker run one node
// of the task if it were completely idle? Lifetimes are ignored.
func fitsSomeWorker(t *graph.Task, live []*workerSession) bool {
	for _, ws := range live {
		if t.Def.Requirement.FitsTotal(ws.total()) {
			return true
		}
	}
	return false
}

func allExhausted(workers []*workerSession) bool {
	for _, ws := range workers {
		if !ws.free.Exhausted() {
			return false
		}
	}
	return true
}

// place tries the variants in declaration order and returns the first that
// fits on enough distinct workers, with their units already reserved.
// Either every node is reserved or none is.
func (b *bestFitAllocator) place(t *graph.Task, workers []*workerSession, now time.Time) *assignment {
	req := t.Def.Requirement
	nodes := req.NumNodes()
	for vi, v := range req.Variants {
		var cands []candidate
		for _, ws := range workers {
			if v.FitsIn(ws.offer(now)) {
				cands = append(cands, candidate{ws, ws.free.Slack(v)})
			}
		}
		if len(cands) < nodes {
			continue
		}
		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].slack != cands[j].slack {
				return cands[i].slack < cands[j].slack
			}
			return cands[i].ws.id < cands[j].ws.id
		})

		a := newAssignment(t.ID, vi, nodes)
		ok := true
		for node := 0; node < nodes; node++ {
			ws := cands[node].ws
			a.workers[node] = ws.id
			if err := ws.reserve(a, node, v); err != nil {
				log.WithFields(
					log.Fields{
						"taskID":   t.ID,
						"workerID": ws.id,
						"variant":  vi,
						"err":      err,
					}).Error("Reservation failed after fit check, rolling back")
				a.workers[node] = 0
				ok = false
				break
			}
		}
		if ok {
			return a
		}
		for node := 0; node < nodes; node++ {
			if a.workers[node] != 0 {
				cands[node].ws.release(a)
			}
		}
	}
	return nil
}
