// Package sinks holds server.EventSink implementations that forward task
// events outside the scheduler.
package sinks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/scheduler/graph"
)

const DefaultNatsSubject = "hpcsched.tasks"

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NatsSink publishes every task event as JSON on "<subject>.<taskID>", so
// consumers can follow one task or all of them with "<subject>.>".
type NatsSink struct {
	conn    Publisher
	subject string
	stat    stats.StatsReceiver
}

func NewNatsSink(conn Publisher, subject string, stat stats.StatsReceiver) *NatsSink {
	if subject == "" {
		subject = DefaultNatsSubject
	}
	return &NatsSink{conn: conn, subject: subject, stat: stat}
}

// ConnectNats dials url, retrying in the background when the server is not
// up yet; publishes made meanwhile are buffered by the client.
func ConnectNats(url string) (*nats.Conn, error) {
	log.WithFields(
		log.Fields{
			"url": url,
		}).Info("Connecting to NATS")
	nc, err := nats.Connect(
		url,
		nats.Name("hpcsched-scheduler"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithFields(
				log.Fields{
					"err": err,
				}).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithFields(
				log.Fields{
					"url": nc.ConnectedUrl(),
				}).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to NATS at %s", url)
	}
	return nc, nil
}

func (s *NatsSink) Subject(id graph.TaskID) string {
	return fmt.Sprintf("%s.%d", s.subject, id)
}

func (s *NatsSink) Publish(e graph.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrapf(err, "encoding event %s", e)
	}
	if err := s.conn.Publish(s.Subject(e.TaskID), data); err != nil {
		s.stat.Counter(stats.SchedEventSinkErrorCounter).Inc(1)
		return errors.Wrapf(err, "publishing event %s", e)
	}
	s.stat.Counter(stats.SchedEventsPublishedCounter).Inc(1)
	return nil
}

// Close flushes buffered events and closes the connection.
func (s *NatsSink) Close() error {
	return s.conn.Drain()
}
