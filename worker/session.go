package worker

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/twitter/hpcsched/workerapi"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	outboxSize               = 256
)

// session is one registered connection to the scheduler. Its reader, writer
// and heartbeat goroutines end together: the first to fail cancels the rest
// and closes the connection.
type session struct {
	conn      net.Conn
	out       chan workerapi.Message
	heartbeat time.Duration
	maxFrame  int

	g   *errgroup.Group
	ctx context.Context
}

func newSession(ctx context.Context, conn net.Conn, heartbeat time.Duration, maxFrame int) *session {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	g, gctx := errgroup.WithContext(ctx)
	return &session{
		conn:      conn,
		out:       make(chan workerapi.Message, outboxSize),
		heartbeat: heartbeat,
		maxFrame:  maxFrame,
		g:         g,
		ctx:       gctx,
	}
}

// send queues m, blocking while the outbox is full. It fails once the
// session has ended.
func (s *session) send(m workerapi.Message) bool {
	select {
	case s.out <- m:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// serve runs the session until it breaks and returns why. Every message from
// the scheduler is passed to handle; an error from handle ends the session.
func (s *session) serve(handle func(workerapi.Message) error) error {
	s.g.Go(func() error {
		<-s.ctx.Done()
		s.conn.Close()
		return nil
	})
	s.g.Go(s.write)
	s.g.Go(s.beat)
	s.g.Go(func() error {
		for {
			m, err := workerapi.ReadMessage(s.conn, s.maxFrame)
			if err != nil {
				return errors.Wrap(err, "reading from scheduler")
			}
			if err := handle(m); err != nil {
				return err
			}
		}
	})
	return s.g.Wait()
}

func (s *session) write() error {
	w := bufio.NewWriter(s.conn)
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case m := <-s.out:
			if err := workerapi.WriteMessage(w, m); err != nil {
				return errors.Wrapf(err, "writing %s", m.Tag())
			}
			if len(s.out) == 0 {
				if err := w.Flush(); err != nil {
					return errors.Wrap(err, "writing to scheduler")
				}
			}
		}
	}
}

func (s *session) beat() error {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
			if !s.send(&workerapi.Heartbeat{}) {
				return nil
			}
			log.Trace("Sent heartbeat")
		}
	}
}
