package server

import (
	"crypto/subtle"
	"fmt"
	"sort"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/resources"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/workerapi"
)

// WorkerID names one registered session. A worker that reconnects gets a new id.
type WorkerID uint64

type sessionState int

const (
	// Connected, Register not processed yet. Handled by the connection layer.
	Connecting sessionState = iota

	// Accepted, no heartbeat yet
	Registered

	// Heartbeating on time
	Healthy

	// Missed two heartbeat intervals; gets no new assignments
	Suspect

	// Gone; its tasks have been recovered
	Disconnected
)

var sessionStateNames = [...]string{"Connecting", "Registered", "Healthy", "Suspect", "Disconnected"}

func (s sessionState) String() string {
	if s < 0 || int(s) >= len(sessionStateNames) {
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
	return sessionStateNames[s]
}

// Why a session ended.
const (
	LostConnection  = "ConnectionLost"
	LostHeartbeat   = "HeartbeatLost"
	LostStopped     = "Stopped"
	LostIdleTimeout = "IdleTimeout"
)

// Registration refusals.
const (
	VersionMismatch   = "VersionMismatch"
	BadToken          = "BadToken"
	DuplicateWorker   = "DuplicateWorker"
	InvalidDescriptor = "InvalidDescriptor"
)

// RegistrationError is a refused Register. The worker gets it as the
// RegisterResponse error and the connection is closed.
type RegistrationError struct {
	Kind string
	Msg  string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// workerSession is the scheduler's view of one registered worker.
// Free capacity changes only when an assignment reserves or releases units.
type workerSession struct {
	id            WorkerID
	name          string
	state         sessionState
	descriptor    resources.Descriptor
	free          *resources.Capacity
	lifetime      time.Duration
	registered    time.Time
	lastHeartbeat time.Time
	tasks         map[graph.TaskID]*assignment
	out           Outbox
	lostReason    string
}

func (ws *workerSession) String() string {
	return fmt.Sprintf("{id:%d, name:%s, state:%s, free:%s, tasks:%d, lastHeartbeat:%v}",
		ws.id, ws.name, ws.state, ws.free, len(ws.tasks), ws.lastHeartbeat)
}

// dump is the long form, for debug logging.
func (ws *workerSession) dump() string {
	return fmt.Sprintf("%s descriptor:%s", ws, spew.Sdump(ws.descriptor))
}

func (ws *workerSession) allocatable() bool {
	return ws.state == Registered || ws.state == Healthy
}

// offer is what the allocator sees of this worker.
func (ws *workerSession) offer(now time.Time) resources.Offer {
	return resources.Offer{Capacity: ws.free, RemainingTime: ws.remaining(now)}
}

// total is the worker's whole capacity with no lifetime bound: a task that
// outlives this worker's remaining time may still fit a later one.
func (ws *workerSession) total() resources.Offer {
	return resources.Offer{Capacity: ws.free.Total()}
}

// remaining lifetime; zero means unlimited.
func (ws *workerSession) remaining(now time.Time) time.Duration {
	if ws.lifetime <= 0 {
		return 0
	}
	rem := ws.lifetime - now.Sub(ws.registered)
	if rem <= 0 {
		return time.Nanosecond
	}
	return rem
}

// reserve takes the node's units of an assignment out of free capacity.
func (ws *workerSession) reserve(a *assignment, node int, req resources.Request) error {
	alloc, err := ws.free.Subtract(req)
	if err != nil {
		return err
	}
	a.allocs[node] = alloc
	ws.tasks[a.taskID] = a
	return nil
}

// release gives back whatever the session holds for the task.
func (ws *workerSession) release(a *assignment) {
	if _, ok := ws.tasks[a.taskID]; !ok {
		return
	}
	delete(ws.tasks, a.taskID)
	node := a.nodeOf(ws.id)
	if node < 0 || a.allocs[node] == nil {
		return
	}
	if err := ws.free.Add(a.allocs[node]); err != nil {
		log.WithFields(
			log.Fields{
				"workerID": ws.id,
				"taskID":   a.taskID,
				"alloc":    a.allocs[node],
				"err":      err,
			}).Error("Releasing allocation that does not fit worker capacity")
	}
	a.allocs[node] = nil
}

func (ws *workerSession) send(m workerapi.Message) {
	if ws.out == nil {
		return
	}
	if !ws.out.Send(m) {
		log.WithFields(
			log.Fields{
				"workerID": ws.id,
				"name":     ws.name,
				"message":  m.Tag(),
			}).Info("Dropped message to worker, outbox closed or full")
	}
}

func (ws *workerSession) status() WorkerStatus {
	tasks := make([]graph.TaskID, 0, len(ws.tasks))
	for id := range ws.tasks {
		tasks = append(tasks, id)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i] < tasks[j] })
	return WorkerStatus{
		ID:         ws.id,
		Name:       ws.name,
		State:      ws.state.String(),
		Total:      ws.free.Total().String(),
		Free:       ws.free.String(),
		Tasks:      tasks,
		Registered: ws.registered,
		Heartbeat:  ws.lastHeartbeat,
	}
}

// clusterState tracks every live worker session. Sessions are removed as
// soon as they are Disconnected; their capacity record is discarded.
type clusterState struct {
	sessions map[WorkerID]*workerSession
	byName   map[string]WorkerID
	nextID   WorkerID
	token    string
	stat     stats.StatsReceiver
}

func newClusterState(token string, stat stats.StatsReceiver) *clusterState {
	return &clusterState{
		sessions: make(map[WorkerID]*workerSession),
		byName:   make(map[string]WorkerID),
		nextID:   1,
		token:    token,
		stat:     stat,
	}
}

// seedNextID keeps new worker ids clear of ids found in the journal.
func (c *clusterState) seedNextID(id WorkerID) {
	if id >= c.nextID {
		c.nextID = id + 1
	}
}

// authorized reports whether a Register passes the version and token checks.
func (c *clusterState) authorized(reg *workerapi.Register) bool {
	if reg.Version != workerapi.ProtocolVersion {
		return false
	}
	return c.token == "" || subtle.ConstantTimeCompare([]byte(c.token), []byte(reg.Token)) == 1
}

func (c *clusterState) register(reg *workerapi.Register, out Outbox, now time.Time) (*workerSession, error) {
	if reg.Version != workerapi.ProtocolVersion {
		return nil, &RegistrationError{VersionMismatch,
			fmt.Sprintf("worker speaks version %d, server %d", reg.Version, workerapi.ProtocolVersion)}
	}
	if c.token != "" && subtle.ConstantTimeCompare([]byte(c.token), []byte(reg.Token)) != 1 {
		return nil, &RegistrationError{BadToken, "token rejected"}
	}
	if err := reg.Descriptor.Validate(); err != nil {
		return nil, &RegistrationError{InvalidDescriptor, err.Error()}
	}
	if reg.Name != "" {
		if id, ok := c.byName[reg.Name]; ok {
			return nil, &RegistrationError{DuplicateWorker,
				fmt.Sprintf("%q is already registered as worker %d", reg.Name, id)}
		}
	}

	ws := &workerSession{
		id:            c.nextID,
		name:          reg.Name,
		state:         Registered,
		descriptor:    reg.Descriptor,
		free:          resources.NewCapacity(reg.Descriptor),
		lifetime:      reg.Lifetime,
		registered:    now,
		lastHeartbeat: now,
		tasks:         make(map[graph.TaskID]*assignment),
		out:           out,
	}
	c.nextID++
	c.sessions[ws.id] = ws
	if ws.name != "" {
		c.byName[ws.name] = ws.id
	}
	log.WithFields(
		log.Fields{
			"workerID": ws.id,
			"name":     ws.name,
			"cpus":     reg.Descriptor.NumCpus(),
			"capacity": ws.free,
			"lifetime": ws.lifetime,
			"previous": reg.PreviousWorkerID,
		}).Info("Registered worker")
	log.Debugf("New session %s", ws.dump())
	return ws, nil
}

func (c *clusterState) get(id WorkerID) (*workerSession, bool) {
	ws, ok := c.sessions[id]
	return ws, ok
}

// heartbeat records liveness. Only an explicit Heartbeat moves a session to
// Healthy; other messages just refresh the deadline.
func (c *clusterState) heartbeat(ws *workerSession, now time.Time, explicit bool) {
	ws.lastHeartbeat = now
	if explicit && (ws.state == Registered || ws.state == Suspect) {
		if ws.state == Suspect {
			log.WithFields(
				log.Fields{
					"workerID": ws.id,
					"name":     ws.name,
				}).Info("Suspect worker is healthy again")
		}
		ws.state = Healthy
	}
}

// checkHeartbeats marks late workers Suspect and returns those silent for
// longer than grace, which the caller must remove.
func (c *clusterState) checkHeartbeats(now time.Time, interval, grace time.Duration) []*workerSession {
	var lost []*workerSession
	for _, ws := range c.sorted() {
		silent := now.Sub(ws.lastHeartbeat)
		switch {
		case silent > grace:
			lost = append(lost, ws)
		case silent > 2*interval && ws.allocatable():
			log.WithFields(
				log.Fields{
					"workerID": ws.id,
					"name":     ws.name,
					"silent":   silent,
				}).Info("Worker missed heartbeats, suspending assignments")
			ws.state = Suspect
		}
	}
	return lost
}

// remove ends a session. The caller recovers its tasks.
func (c *clusterState) remove(id WorkerID, reason string) (*workerSession, bool) {
	ws, ok := c.sessions[id]
	if !ok {
		return nil, false
	}
	ws.state = Disconnected
	ws.lostReason = reason
	delete(c.sessions, id)
	if ws.name != "" && c.byName[ws.name] == id {
		delete(c.byName, ws.name)
	}
	if ws.out != nil {
		ws.out.Close()
	}
	log.WithFields(
		log.Fields{
			"workerID": ws.id,
			"name":     ws.name,
			"reason":   reason,
			"tasks":    len(ws.tasks),
		}).Info("Worker disconnected")
	return ws, true
}

// sorted returns live sessions by id.
func (c *clusterState) sorted() []*workerSession {
	out := make([]*workerSession, 0, len(c.sessions))
	for _, ws := range c.sessions {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// allocatable returns Registered and Healthy sessions by id.
func (c *clusterState) allocatable() []*workerSession {
	var out []*workerSession
	for _, ws := range c.sorted() {
		if ws.allocatable() {
			out = append(out, ws)
		}
	}
	return out
}

func (c *clusterState) updateStats() {
	counts := map[sessionState]int{}
	for _, ws := range c.sessions {
		counts[ws.state]++
	}
	c.stat.Gauge(stats.SchedRegisteredWorkersGauge).Update(int64(counts[Registered]))
	c.stat.Gauge(stats.SchedHealthyWorkersGauge).Update(int64(counts[Healthy]))
	c.stat.Gauge(stats.SchedSuspectWorkersGauge).Update(int64(counts[Suspect]))
}

func (c *clusterState) status() string {
	counts := map[sessionState]int{}
	for _, ws := range c.sessions {
		counts[ws.state]++
	}
	return fmt.Sprintf("now have %d registered, %d healthy and %d suspect workers",
		counts[Registered], counts[Healthy], counts[Suspect])
}
