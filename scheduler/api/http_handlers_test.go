package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/hpcsched/common/stats"
	"github.com/twitter/hpcsched/scheduler/api"
	"github.com/twitter/hpcsched/scheduler/client"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/scheduler/server"
)

func startHTTP(t *testing.T) (*client.Client, func()) {
	sched, err := server.NewStatefulScheduler(
		server.SchedulerConfiguration{TickRate: 10 * time.Millisecond, ServerID: "test"},
		nil, nil, stats.NilStatsReceiver())
	require.NoError(t, err)
	r := mux.NewRouter()
	api.RegisterRoutes(r, sched, stats.NilStatsReceiver())
	ts := httptest.NewServer(r)
	return client.New(ts.URL), func() {
		ts.Close()
		sched.Stop()
	}
}

func httpStatus(err error) int {
	if he, ok := err.(*client.HTTPError); ok {
		return he.Status
	}
	return 0
}

func Test_HTTP_SubmitAndStatus(t *testing.T) {
	c, stop := startHTTP(t)
	defer stop()
	ctx := context.Background()

	id, err := c.Submit(ctx, api.TaskSpec{
		Name:     "hello",
		Variants: []string{"cpus=2", "cpus=1"},
		Command:  []string{"echo", "hi"},
		Priority: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, graph.TaskID(1), id)

	st, err := c.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", st.Name)
	assert.Equal(t, graph.Ready, st.State)
	assert.Equal(t, int32(5), st.Priority)

	_, err = c.Status(ctx, 99)
	assert.Equal(t, http.StatusNotFound, httpStatus(err))

	ws, err := c.Workers(ctx)
	require.NoError(t, err)
	assert.Empty(t, ws)
}

func Test_HTTP_SubmitRejected(t *testing.T) {
	c, stop := startHTTP(t)
	defer stop()
	ctx := context.Background()

	_, err := c.Submit(ctx, api.TaskSpec{Name: "nothing"})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httpStatus(err))
	assert.Equal(t, "InvalidDefinition", err.(*client.HTTPError).Kind)

	_, err = c.Submit(ctx, api.TaskSpec{Variants: []string{"cpus=1"}, Deps: []graph.TaskID{42}})
	require.Error(t, err)
	assert.Equal(t, "UnknownDependency", err.(*client.HTTPError).Kind)

	_, err = c.SubmitBatch(ctx, []api.TaskSpec{
		{Name: "a", Variants: []string{"cpus=1"}, LocalDeps: []int{1}},
		{Name: "b", Variants: []string{"cpus=1"}, LocalDeps: []int{0}},
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httpStatus(err))
	assert.Equal(t, "CycleDetected", err.(*client.HTTPError).Kind)

	ids, err := c.SubmitBatch(ctx, []api.TaskSpec{
		{Name: "a", Variants: []string{"cpus=1"}},
		{Name: "b", Variants: []string{"cpus=1"}, LocalDeps: []int{0}},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	st, err := c.Status(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, graph.Waiting, st.State)
}

func Test_HTTP_WatchAndCancel(t *testing.T) {
	c, stop := startHTTP(t)
	defer stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := c.Submit(ctx, api.TaskSpec{Variants: []string{"cpus=1"}, Raw: []byte("payload")})
	require.NoError(t, err)

	events, err := c.Watch(ctx, id, 0)
	require.NoError(t, err)

	st, err := c.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, graph.Cancelled, st.State)

	var got []graph.Event
	for e := range events {
		got = append(got, e)
	}
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, graph.Cancelled, last.State)
	assert.True(t, last.Terminal())
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Seq)
	}

	// replay from the history
	events, err = c.Watch(ctx, id, uint64(len(got)-1))
	require.NoError(t, err)
	var replay []graph.Event
	for e := range events {
		replay = append(replay, e)
	}
	assert.Equal(t, []graph.Event{last}, replay)

	_, err = c.Watch(ctx, 1234, 0)
	assert.Equal(t, http.StatusNotFound, httpStatus(err))
}
