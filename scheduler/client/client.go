// Package client talks to a scheduler's HTTP routes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/twitter/hpcsched/common/endpoints"
	"github.com/twitter/hpcsched/scheduler/api"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/scheduler/server"
)

const DefaultTimeout = time.Minute

// HTTPError is a non-2xx answer. Kind is the graph.ErrorKind name when the
// scheduler refused a task.
type HTTPError struct {
	Status int
	Kind   string
	Msg    string
}

func (e *HTTPError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Msg)
}

type Client struct {
	base string
	http *http.Client
}

// New returns a client for the scheduler admin server at addr
// ("host:port" or a full http URL).
func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{base: strings.TrimSuffix(addr, "/"), http: &http.Client{Timeout: DefaultTimeout}}
}

func (c *Client) Submit(ctx context.Context, spec api.TaskSpec) (graph.TaskID, error) {
	var rsp api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/tasks", spec, &rsp); err != nil {
		return 0, err
	}
	if len(rsp.IDs) != 1 {
		return 0, errors.Errorf("expected one id, got %v", rsp.IDs)
	}
	return rsp.IDs[0], nil
}

func (c *Client) SubmitBatch(ctx context.Context, specs []api.TaskSpec) ([]graph.TaskID, error) {
	var rsp api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/tasks/batch", api.BatchRequest{Tasks: specs}, &rsp); err != nil {
		return nil, err
	}
	return rsp.IDs, nil
}

func (c *Client) Status(ctx context.Context, id graph.TaskID) (server.TaskStatus, error) {
	var st server.TaskStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d", id), nil, &st)
	return st, err
}

func (c *Client) Cancel(ctx context.Context, id graph.TaskID) (server.TaskStatus, error) {
	var st server.TaskStatus
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/tasks/%d", id), nil, &st)
	return st, err
}

func (c *Client) Workers(ctx context.Context) ([]server.WorkerStatus, error) {
	var ws []server.WorkerStatus
	err := c.do(ctx, http.MethodGet, "/workers", nil, &ws)
	return ws, err
}

// Watch streams the events of a task after Seq after. The channel closes
// after the terminal event, when ctx is done, or when the stream broke; in
// the last case Watch again from the last Seq received.
func (c *Client) Watch(ctx context.Context, id graph.TaskID, after uint64) (<-chan graph.Event, error) {
	url := fmt.Sprintf("%s/tasks/%d/events?after=%d", c.base, id, after)
	url = "ws" + strings.TrimPrefix(url, "http")
	conn, rsp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if rsp != nil {
			defer rsp.Body.Close()
			return nil, decodeError(rsp)
		}
		return nil, errors.Wrapf(err, "watching task %d", id)
	}
	ch := make(chan graph.Event)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(ch)
		defer conn.Close()
		for {
			var e graph.Event
			if err := conn.ReadJSON(&e); err != nil {
				return
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rsp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer rsp.Body.Close()
	if rsp.StatusCode/100 != 2 {
		return decodeError(rsp)
	}
	return errors.Wrapf(json.NewDecoder(rsp.Body).Decode(out), "decoding %s %s", method, path)
}

func decodeError(rsp *http.Response) error {
	var er endpoints.ErrorResponse
	b, _ := io.ReadAll(io.LimitReader(rsp.Body, 64*1024))
	if json.Unmarshal(b, &er) != nil {
		er.Error = strings.TrimSpace(string(b))
	}
	return &HTTPError{Status: rsp.StatusCode, Kind: er.Kind, Msg: er.Error}
}
