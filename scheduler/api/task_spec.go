package api

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/twitter/hpcsched/resources"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/workerapi"
)

// TaskSpec is the JSON form of a task definition accepted by POST /tasks.
//
// Variants are resource requests in the resources.ParseRequest syntax, in
// order of preference: ["cpus=4,gpus=1", "cpus=16"]. A task runs Command
// when set, Raw otherwise.
type TaskSpec struct {
	Name       string            `json:"name"`
	Variants   []string          `json:"variants"`
	Nodes      int               `json:"nodes,omitempty"`
	Deps       []graph.TaskID    `json:"deps,omitempty"`
	LocalDeps  []int             `json:"local_deps,omitempty"`
	Priority   int32             `json:"priority,omitempty"`
	Command    []string          `json:"command,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Dir        string            `json:"dir,omitempty"`
	Raw        []byte            `json:"raw,omitempty"`
	KeepBody   bool              `json:"keep_body,omitempty"`
	CrashLimit int32             `json:"crash_limit,omitempty"`
	TimeLimit  string            `json:"time_limit,omitempty"`
	Pin        string            `json:"pin,omitempty"`
}

// BatchRequest submits Tasks atomically; LocalDeps index into Tasks.
type BatchRequest struct {
	Tasks []TaskSpec `json:"tasks"`
}

type SubmitResponse struct {
	IDs []graph.TaskID `json:"ids"`
}

// Definition converts the spec, reporting every problem at once.
func (ts *TaskSpec) Definition() (graph.TaskDefinition, error) {
	var result *multierror.Error
	def := graph.TaskDefinition{
		Name:       ts.Name,
		Deps:       ts.Deps,
		Priority:   ts.Priority,
		CrashLimit: ts.CrashLimit,
	}

	if len(ts.Variants) == 0 {
		result = multierror.Append(result, errors.New("no resource variants"))
	}
	for _, v := range ts.Variants {
		req, err := resources.ParseRequest(v)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		def.Requirement.Variants = append(def.Requirement.Variants, req)
	}
	def.Requirement.Nodes = ts.Nodes
	if def.Requirement.Nodes == 0 {
		def.Requirement.Nodes = 1
	}

	if ts.TimeLimit != "" {
		d, err := time.ParseDuration(ts.TimeLimit)
		if err != nil {
			result = multierror.Append(result, errors.Wrap(err, "time_limit"))
		}
		def.TimeLimit = d
	}
	pin, err := graph.ParsePinMode(ts.Pin)
	if err != nil {
		result = multierror.Append(result, err)
	}
	def.Pin = pin

	switch {
	case len(ts.Command) > 0 && len(ts.Raw) > 0:
		result = multierror.Append(result, errors.New("both command and raw body given"))
	case len(ts.Command) > 0:
		body, err := workerapi.CommandBody(&workerapi.Command{Argv: ts.Command, Env: ts.Env, Dir: ts.Dir})
		if err != nil {
			result = multierror.Append(result, err)
		}
		def.Body = body
	default:
		def.Body = graph.Body{Kind: graph.BodyRaw, Data: ts.Raw}
	}
	def.Body.KeepAlive = ts.KeepBody

	if err := result.ErrorOrNil(); err != nil {
		return def, err
	}
	if err := def.Validate(); err != nil {
		return def, err
	}
	return def, nil
}

// Entries converts the batch; errors name the offending task by position.
func (br *BatchRequest) Entries() ([]graph.BatchEntry, error) {
	if len(br.Tasks) == 0 {
		return nil, errors.New("empty batch")
	}
	entries := make([]graph.BatchEntry, 0, len(br.Tasks))
	for i := range br.Tasks {
		def, err := br.Tasks[i].Definition()
		if err != nil {
			return nil, errors.Wrapf(err, "task %d (%s)", i, br.Tasks[i].Name)
		}
		entries = append(entries, graph.BatchEntry{Def: def, LocalDeps: br.Tasks[i].LocalDeps})
	}
	return entries, nil
}
