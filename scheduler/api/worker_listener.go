// Package api is the scheduler's network surface: the listener workers
// connect to, and the HTTP routes clients use to submit and follow tasks.
package api

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/scheduler/server"
	"github.com/twitter/hpcsched/workerapi"
)

const (
	DefaultMaxConns         = 4096
	DefaultAcceptRate       = 200
	DefaultAcceptBurst      = 50
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultOutboxSize       = 4096
	DefaultWriteTimeout     = 30 * time.Second
)

// ListenerConfig bounds what workers can cost the server. AcceptRate is in
// connections per second; a negative rate disables throttling.
type ListenerConfig struct {
	MaxConns         int
	AcceptRate       float64
	AcceptBurst      int
	HandshakeTimeout time.Duration
	MaxFrameSize     int
	OutboxSize       int
	WriteTimeout     time.Duration
}

func (c *ListenerConfig) setDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.AcceptRate == 0 {
		c.AcceptRate = DefaultAcceptRate
	}
	if c.AcceptBurst == 0 {
		c.AcceptBurst = DefaultAcceptBurst
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = workerapi.DefaultMaxFrameSize
	}
	if c.OutboxSize == 0 {
		c.OutboxSize = DefaultOutboxSize
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// WorkerListener accepts worker connections and bridges each one to the
// scheduler: a reader goroutine forwards decoded frames, a writer goroutine
// drains the connection's outbox.
type WorkerListener struct {
	link    server.WorkerLink
	config  ListenerConfig
	stat    stats.StatsReceiver
	limiter *rate.Limiter

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewWorkerListener(link server.WorkerLink, config ListenerConfig, stat stats.StatsReceiver) *WorkerListener {
	config.setDefaults()
	limit := rate.Inf
	if config.AcceptRate > 0 {
		limit = rate.Limit(config.AcceptRate)
	}
	return &WorkerListener{
		link:    link,
		config:  config,
		stat:    stat,
		limiter: rate.NewLimiter(limit, config.AcceptBurst),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is done, then closes every open
// connection and waits for their goroutines. It returns nil on cancellation.
func (l *WorkerListener) Serve(ctx context.Context, ln net.Listener) error {
	ln = netutil.LimitListener(ln, l.config.MaxConns)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()
	log.Infof("Accepting worker connections on %s", ln.Addr())

	for {
		if err := l.limiter.Wait(ctx); err != nil {
			l.shutdown()
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			l.shutdown()
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accepting worker connections")
		}
		l.stat.Counter(stats.ConnAcceptedCounter).Inc(1)
		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn)
			l.mu.Lock()
			delete(l.conns, conn)
			l.mu.Unlock()
		}()
	}
}

func (l *WorkerListener) shutdown() {
	l.mu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// handle runs one connection from handshake to disconnect.
func (l *WorkerListener) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	r := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(l.config.HandshakeTimeout))
	m, err := workerapi.ReadMessage(r, l.config.MaxFrameSize)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			l.stat.Counter(stats.ConnHandshakeTimeout).Inc(1)
		} else {
			l.stat.Counter(stats.ConnRejectedCounter).Inc(1)
		}
		log.WithFields(
			log.Fields{
				"remote": remote,
				"err":    err,
			}).Info("Worker connection failed before registering")
		conn.Close()
		return
	}
	reg, ok := m.(*workerapi.Register)
	if !ok {
		l.stat.Counter(stats.ConnRejectedCounter).Inc(1)
		log.WithFields(
			log.Fields{
				"remote":  remote,
				"message": m.Tag(),
			}).Info("Worker connection did not start with Register")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	out := newConnOutbox(l.config.OutboxSize, func() {
		log.WithFields(
			log.Fields{
				"remote": remote,
				"worker": reg.Name,
			}).Error("Worker is not keeping up with its messages, closing connection")
		conn.Close()
	})
	written := make(chan struct{})
	go func() {
		defer close(written)
		l.write(conn, out)
	}()

	rsp, id := l.link.RegisterWorker(reg, out)
	if id == 0 {
		l.stat.Counter(stats.ConnRejectedCounter).Inc(1)
		log.WithFields(
			log.Fields{
				"remote": remote,
				"worker": reg.Name,
				"err":    rsp.Error,
			}).Info("Worker registration refused")
		out.Close()
		<-written
		return
	}

	l.read(r, id, remote)
	out.Close()
	conn.Close()
	l.link.WorkerDisconnected(id)
	<-written
}

// read forwards frames until the connection breaks or turns malformed.
func (l *WorkerListener) read(r io.Reader, id server.WorkerID, remote string) {
	for {
		m, err := workerapi.ReadMessage(r, l.config.MaxFrameSize)
		if err != nil {
			if kind, ok := workerapi.IsViolation(err); ok {
				l.stat.Counter(stats.SchedProtocolViolationCounter).Inc(1)
				log.WithFields(
					log.Fields{
						"workerID":  id,
						"remote":    remote,
						"violation": kind,
						"err":       err,
					}).Error("Closing worker connection")
				return
			}
			if err != io.EOF {
				log.WithFields(
					log.Fields{
						"workerID": id,
						"remote":   remote,
						"err":      err,
					}).Info("Worker connection broke")
			}
			return
		}
		l.stat.Counter(stats.ConnFramesInCounter).Inc(1)
		l.link.WorkerMessage(id, m)
	}
}

// write drains out until it is closed. Frames are flushed whenever the queue
// runs dry. The connection is closed on return.
func (l *WorkerListener) write(conn net.Conn, out *connOutbox) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	failed := false
	for m := range out.queue {
		if failed {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout))
		err := workerapi.WriteMessage(w, m)
		if err == nil && len(out.queue) == 0 {
			err = w.Flush()
		}
		if err != nil {
			log.WithFields(
				log.Fields{
					"remote":  conn.RemoteAddr().String(),
					"message": m.Tag(),
					"err":     err,
				}).Info("Writing to worker failed")
			failed = true
			conn.Close()
			continue
		}
		l.stat.Counter(stats.ConnFramesOutCounter).Inc(1)
	}
	if !failed {
		w.Flush()
	}
}
