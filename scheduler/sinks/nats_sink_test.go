package sinks

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/scheduler/graph"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs    []published
	fail    bool
	drained bool
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.fail {
		return errors.New("nats: connection closed")
	}
	p.msgs = append(p.msgs, published{subject, data})
	return nil
}

func (p *fakePublisher) Drain() error {
	p.drained = true
	return nil
}

func Test_NatsSink_Publish(t *testing.T) {
	statsRegistry := stats.NewFinagleStatsRegistry()
	stat, _ := stats.NewCustomStatsReceiver(func() stats.StatsRegistry { return statsRegistry }, 0)
	pub := &fakePublisher{}
	sink := NewNatsSink(pub, "", stat)

	e := graph.Event{
		Seq:    3,
		TaskID: 42,
		Kind:   graph.StateChanged,
		State:  graph.Failed,
		Reason: graph.ReasonWorkerLost,
		Time:   time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, sink.Publish(e))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "hpcsched.tasks.42", pub.msgs[0].subject)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &raw))
	assert.Equal(t, "Failed", raw["state"])
	assert.Equal(t, "state", raw["kind"])

	var back graph.Event
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &back))
	assert.Equal(t, e, back)

	pub.fail = true
	assert.Error(t, sink.Publish(e))

	stats.VerifyStats("", statsRegistry, t,
		map[string]stats.Rule{
			stats.SchedEventsPublishedCounter: {Checker: stats.Int64EqTest, Value: 1},
			stats.SchedEventSinkErrorCounter:  {Checker: stats.Int64EqTest, Value: 1},
		})

	require.NoError(t, sink.Close())
	assert.True(t, pub.drained)
}
