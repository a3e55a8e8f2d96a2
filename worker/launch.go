package worker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/twitter/hpcsched/resources"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/workerapi"
)

// Variables exported to every task process.
const (
	EnvTaskID         = "HPCSCHED_TASK_ID"
	EnvCpus           = "HPCSCHED_CPUS"
	EnvNodeList       = "HPCSCHED_NODE_LIST"
	EnvNodeIndex      = "HPCSCHED_NODE_INDEX"
	EnvResourcePrefix = "HPCSCHED_RESOURCE_"
)

// buildCommand turns an assignment and its body into the argv, environment
// and working directory of the task process.
func buildCommand(a *workerapi.Assign, body []byte, workDir string) ([]string, map[string]string, string, error) {
	var argv []string
	env := taskEnv(a)
	dir := workDir

	switch a.BodyKind {
	case graph.BodyCommand:
		cmd, err := workerapi.DecodeCommand(body)
		if err != nil {
			return nil, nil, "", err
		}
		argv = append(argv, cmd.Argv...)
		for k, v := range cmd.Env {
			env[k] = v
		}
		if cmd.Dir != "" {
			dir = cmd.Dir
		}
	default:
		argv = []string{"sh", "-c", string(body)}
	}
	if len(argv) == 0 {
		return nil, nil, "", errors.New("empty command")
	}

	cores := a.Allocation.Indices(resources.CpuResource)
	switch a.Pin {
	case graph.PinTaskset:
		if len(cores) > 0 {
			argv = append([]string{"taskset", "-c", joinIndices(cores)}, argv...)
		}
	case graph.PinOpenMP:
		if len(cores) > 0 {
			env["OMP_NUM_THREADS"] = strconv.Itoa(len(cores))
			places := make([]string, len(cores))
			for i, c := range cores {
				places[i] = fmt.Sprintf("{%d}", c)
			}
			env["OMP_PLACES"] = strings.Join(places, ",")
		}
	}
	return argv, env, dir, nil
}

func taskEnv(a *workerapi.Assign) map[string]string {
	env := map[string]string{
		EnvTaskID:    strconv.FormatUint(uint64(a.TaskID), 10),
		EnvNodeIndex: strconv.Itoa(int(a.NodeIndex)),
		EnvNodeList:  strings.Join(a.Nodes, ","),
	}
	for _, r := range a.Allocation.Resources {
		var value string
		if len(r.Units) == 0 {
			value = r.Amount.String()
		} else {
			value = joinUnits(r.Units)
		}
		if r.Resource == resources.CpuResource {
			env[EnvCpus] = value
			continue
		}
		env[EnvResourcePrefix+envName(r.Resource)] = value
	}
	return env
}

// joinUnits lists unit indices, with the share in parentheses for a
// fraction of a unit: "0,1" or "2(0.5)".
func joinUnits(units []resources.IndexAmount) string {
	sorted := append([]resources.IndexAmount(nil), units...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	parts := make([]string, len(sorted))
	for i, u := range sorted {
		if u.Amount == resources.FractionsPerUnit {
			parts[i] = strconv.FormatUint(uint64(u.Index), 10)
		} else {
			parts[i] = fmt.Sprintf("%d(%s)", u.Index, u.Amount)
		}
	}
	return strings.Join(parts, ",")
}

func joinIndices(ids []resources.Index) string {
	sorted := append([]resources.Index(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}

// envName upper-cases a resource name and maps anything but letters and
// digits to '_'.
func envName(resource string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, resource)
}
