package worker

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/common/stats"
)

// bodyFetcher downloads bodies the scheduler sent by reference.
type bodyFetcher struct {
	client  *pester.Client
	timeout time.Duration
	maxSize int64
	stat    stats.StatsReceiver
}

func newBodyFetcher(tries int, timeout time.Duration, maxSize int, stat stats.StatsReceiver) *bodyFetcher {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = tries
	client.Timeout = timeout
	client.LogHook = func(e pester.ErrEntry) {
		log.Errorf("Retrying body fetch after failed attempt: %+v", e)
	}
	return &bodyFetcher{client: client, timeout: timeout, maxSize: int64(maxSize), stat: stat}
}

func (f *bodyFetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	defer f.stat.Latency(stats.WorkerBodyFetchLatency_ms).Time().Stop()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "body request for %s", url)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching body from %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetching body from %s: %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, errors.Wrapf(err, "reading body from %s", url)
	}
	if int64(len(data)) > f.maxSize {
		return nil, errors.Errorf("body at %s is larger than %d bytes", url, f.maxSize)
	}
	return data, nil
}
