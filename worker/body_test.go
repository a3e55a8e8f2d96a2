package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/hpcsched/common/stats"
)

func Test_BodyFetcher(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tasks/1/body":
			w.Write([]byte("echo big"))
		case "/tasks/2/body":
			w.Write(make([]byte, 64))
		default:
			http.Error(w, "gone", http.StatusGone)
		}
	}))
	defer ts.Close()

	f := newBodyFetcher(1, time.Second, 16, stats.NilStatsReceiver())
	body, err := f.fetch(context.Background(), ts.URL+"/tasks/1/body")
	require.NoError(t, err)
	assert.Equal(t, "echo big", string(body))

	_, err = f.fetch(context.Background(), ts.URL+"/tasks/2/body")
	assert.Error(t, err)

	_, err = f.fetch(context.Background(), ts.URL+"/tasks/3/body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "410")
}
