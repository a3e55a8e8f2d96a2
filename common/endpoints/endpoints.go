// Package endpoints serves the admin HTTP surface every hpcsched process
// exposes: health, metrics, and whatever routes the owner adds to Router.
package endpoints

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/common/stats"
)

// How long in-flight admin requests get to finish on Shutdown.
const DefaultShutdownTimeout = 5 * time.Second

func NewAdminServer(addr string, stat stats.StatsReceiver) *AdminServer {
	s := &AdminServer{
		Addr:   addr,
		Stats:  stat,
		Router: mux.NewRouter(),
	}
	s.srv = &http.Server{Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	s.Router.HandleFunc("/", helpHandler).Methods(http.MethodGet)
	s.Router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	s.Router.HandleFunc("/admin/metrics.json", s.statsHandler).Methods(http.MethodGet)
	return s
}

type AdminServer struct {
	Addr   string
	Stats  stats.StatsReceiver
	Router *mux.Router

	srv *http.Server
}

// Serve answers on ln until Shutdown. It returns nil after a clean shutdown.
func (s *AdminServer) Serve(ln net.Listener) error {
	log.Infof("Serving http & stats on %s", ln.Addr())
	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "admin http server")
	}
	return nil
}

func (s *AdminServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.Addr)
	}
	return s.Serve(ln)
}

// Shutdown may be called before Serve, which then returns at once.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Common paths: '/health', '/admin/metrics.json', '/tasks/{id}', '/tasks/{id}/events', '/workers'", 501)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (s *AdminServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	const contentTypeHdr = "Content-Type"
	const contentTypeVal = "application/json; charset=utf-8"
	w.Header().Set(contentTypeHdr, contentTypeVal)

	pretty := r.URL.Query().Get("pretty") == "true"
	str := s.Stats.Render(pretty)
	if _, err := io.Copy(w, bytes.NewBuffer(str)); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
}

// WriteJSON renders v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithFields(
			log.Fields{
				"err": err,
			}).Info("Failed writing http response")
	}
}

// ErrorResponse is the body of every non-2xx JSON answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, kind string, err error) {
	WriteJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

type StatScope string

// MakeStatsReceiver returns the process receiver: finagle style names,
// histograms latched every 15 seconds.
func MakeStatsReceiver(scope StatScope) stats.StatsReceiver {
	s, _ := stats.NewCustomStatsReceiver(
		stats.NewFinagleStatsRegistry,
		15*time.Second)
	return s.Scope(string(scope))
}
