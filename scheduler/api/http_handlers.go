package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/common/endpoints"
	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/scheduler/server"
)

// BodyKindHeader carries the graph.BodyKind of a body served by /tasks/{id}/body.
const BodyKindHeader = "X-Hpcsched-Body-Kind"

// Close code sent when a subscriber fell behind. The client should
// subscribe again after the last Seq it received.
const CloseResubscribe = 4000

const (
	maxSpecSize     = 64 * 1024 * 1024
	eventWriteLimit = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type taskHandlers struct {
	sched server.Scheduler
	stat  stats.StatsReceiver
}

// RegisterRoutes adds the task and worker routes to an admin router.
func RegisterRoutes(r *mux.Router, sched server.Scheduler, stat stats.StatsReceiver) {
	h := &taskHandlers{sched: sched, stat: stat}
	r.HandleFunc("/tasks", h.submit).Methods(http.MethodPost)
	r.HandleFunc("/tasks/batch", h.submitBatch).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id:[0-9]+}", h.status).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id:[0-9]+}", h.cancel).Methods(http.MethodDelete)
	r.HandleFunc("/tasks/{id:[0-9]+}/body", h.body).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id:[0-9]+}/events", h.events).Methods(http.MethodGet)
	r.HandleFunc("/workers", h.workers).Methods(http.MethodGet)
}

func (h *taskHandlers) submit(w http.ResponseWriter, r *http.Request) {
	defer h.stat.Latency(stats.HttpSubmitLatency_ms).Time().Stop()
	var spec TaskSpec
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSpecSize)).Decode(&spec); err != nil {
		endpoints.WriteError(w, http.StatusBadRequest, "InvalidDefinition", errors.Wrap(err, "decoding task"))
		return
	}
	def, err := spec.Definition()
	if err != nil {
		endpoints.WriteError(w, http.StatusBadRequest, "InvalidDefinition", err)
		return
	}
	id, err := h.sched.Submit(def)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	endpoints.WriteJSON(w, http.StatusCreated, SubmitResponse{IDs: []graph.TaskID{id}})
}

func (h *taskHandlers) submitBatch(w http.ResponseWriter, r *http.Request) {
	defer h.stat.Latency(stats.HttpSubmitLatency_ms).Time().Stop()
	var batch BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSpecSize)).Decode(&batch); err != nil {
		endpoints.WriteError(w, http.StatusBadRequest, "InvalidDefinition", errors.Wrap(err, "decoding batch"))
		return
	}
	entries, err := batch.Entries()
	if err != nil {
		endpoints.WriteError(w, http.StatusBadRequest, "InvalidDefinition", err)
		return
	}
	ids, err := h.sched.SubmitBatch(entries)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	endpoints.WriteJSON(w, http.StatusCreated, SubmitResponse{IDs: ids})
}

func (h *taskHandlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.sched.TaskStatus(taskID(r))
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	endpoints.WriteJSON(w, http.StatusOK, st)
}

func (h *taskHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	id := taskID(r)
	if err := h.sched.Cancel(id); err != nil {
		writeSchedulerError(w, err)
		return
	}
	st, err := h.sched.TaskStatus(id)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	endpoints.WriteJSON(w, http.StatusOK, st)
}

// body serves task bodies too large to travel inside an Assign.
func (h *taskHandlers) body(w http.ResponseWriter, r *http.Request) {
	defer h.stat.Latency(stats.HttpBodyLatency_ms).Time().Stop()
	b, err := h.sched.TaskBody(taskID(r))
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(b.Size()))
	w.Header().Set(BodyKindHeader, b.Kind.String())
	w.Write(b.Data)
}

func (h *taskHandlers) workers(w http.ResponseWriter, r *http.Request) {
	endpoints.WriteJSON(w, http.StatusOK, h.sched.Workers())
}

// events streams a task's events as JSON websocket messages. ?after=N skips
// the events a reconnecting client already has.
func (h *taskHandlers) events(w http.ResponseWriter, r *http.Request) {
	id := taskID(r)
	var after uint64
	if s := r.URL.Query().Get("after"); s != "" {
		var err error
		if after, err = strconv.ParseUint(s, 10, 64); err != nil {
			endpoints.WriteError(w, http.StatusBadRequest, "", errors.Wrap(err, "after"))
			return
		}
	}
	sub, err := h.sched.Subscribe(id, after)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithFields(
			log.Fields{
				"taskID": id,
				"err":    err,
			}).Info("Websocket upgrade failed")
		return
	}
	defer conn.Close()
	h.stat.Counter(stats.HttpSubscriptionsCounter).Inc(1)

	// The client sends nothing; reading notices when it goes away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	terminal := false
	for e := range sub.Events {
		conn.SetWriteDeadline(time.Now().Add(eventWriteLimit))
		if err := conn.WriteJSON(e); err != nil {
			return
		}
		terminal = e.Terminal()
	}
	code, text := websocket.CloseNormalClosure, "task finished"
	if !terminal {
		code, text = CloseResubscribe, "subscription ended, resubscribe"
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func taskID(r *http.Request) graph.TaskID {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return graph.TaskID(id)
}

func writeSchedulerError(w http.ResponseWriter, err error) {
	cause := errors.Cause(err)
	if ge, ok := cause.(*graph.GraphError); ok {
		status := http.StatusBadRequest
		switch ge.Kind {
		case graph.UnknownTask:
			status = http.StatusNotFound
		case graph.CycleDetected, graph.InvalidTransition:
			status = http.StatusConflict
		}
		endpoints.WriteError(w, status, ge.Kind.String(), err)
		return
	}
	switch cause {
	case server.ErrBodyDropped, server.ErrHistoryExpired:
		endpoints.WriteError(w, http.StatusGone, "", err)
	case server.ErrStopped:
		endpoints.WriteError(w, http.StatusServiceUnavailable, "", err)
	default:
		endpoints.WriteError(w, http.StatusInternalServerError, "", err)
	}
}
