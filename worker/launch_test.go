package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/hpcsched/resources"
	"github.com/twitter/hpcsched/scheduler/graph"
	"github.com/twitter/hpcsched/workerapi"
)

func testAllocation() resources.Allocation {
	return resources.Allocation{Resources: []resources.ResourceAllocation{
		{
			Resource: resources.CpuResource,
			Units:    []resources.IndexAmount{{Index: 3, Amount: resources.Units(1)}, {Index: 2, Amount: resources.Units(1)}},
			Amount:   resources.Units(2),
		},
		{
			Resource: "gpu-a100",
			Units:    []resources.IndexAmount{{Index: 1, Amount: resources.FractionsPerUnit / 2}},
			Amount:   resources.FractionsPerUnit / 2,
		},
		{
			Resource: "mem",
			Amount:   resources.Units(1024),
		},
	}}
}

func Test_BuildCommand_Command(t *testing.T) {
	body, err := workerapi.CommandBody(&workerapi.Command{
		Argv: []string{"./solve", "--fast"},
		Env:  map[string]string{"MODE": "x"},
		Dir:  "/scratch",
	})
	require.NoError(t, err)
	a := &workerapi.Assign{
		TaskEpoch:  workerapi.TaskEpoch{TaskID: 12, Epoch: 2},
		Allocation: testAllocation(),
		BodyKind:   graph.BodyCommand,
		NodeIndex:  0,
		Nodes:      []string{"n1", "n2"},
		Pin:        graph.PinTaskset,
	}

	argv, env, dir, err := buildCommand(a, body.Data, "/work")
	require.NoError(t, err)
	assert.Equal(t, []string{"taskset", "-c", "2,3", "./solve", "--fast"}, argv)
	assert.Equal(t, "/scratch", dir)
	assert.Equal(t, map[string]string{
		"MODE":                         "x",
		EnvTaskID:                      "12",
		EnvNodeIndex:                   "0",
		EnvNodeList:                    "n1,n2",
		EnvCpus:                        "2,3",
		EnvResourcePrefix + "GPU_A100": "1(0.5)",
		EnvResourcePrefix + "MEM":      "1024",
	}, env)
}

func Test_BuildCommand_RawOpenMP(t *testing.T) {
	a := &workerapi.Assign{
		TaskEpoch:  workerapi.TaskEpoch{TaskID: 1, Epoch: 1},
		Allocation: testAllocation(),
		BodyKind:   graph.BodyRaw,
		Pin:        graph.PinOpenMP,
	}
	argv, env, dir, err := buildCommand(a, []byte("echo hi"), "/work")
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "echo hi"}, argv)
	assert.Equal(t, "/work", dir)
	assert.Equal(t, "2", env["OMP_NUM_THREADS"])
	assert.Equal(t, "{3},{2}", env["OMP_PLACES"])
}

func Test_BuildCommand_NoPinWithoutCores(t *testing.T) {
	a := &workerapi.Assign{BodyKind: graph.BodyRaw, Pin: graph.PinTaskset}
	argv, _, _, err := buildCommand(a, []byte("true"), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "true"}, argv)
}

func Test_BuildCommand_BadBody(t *testing.T) {
	a := &workerapi.Assign{BodyKind: graph.BodyCommand}
	_, _, _, err := buildCommand(a, []byte{0xff, 0x01}, "")
	assert.Error(t, err)

	empty, err := workerapi.CommandBody(&workerapi.Command{})
	require.NoError(t, err)
	_, _, _, err = buildCommand(a, empty.Data, "")
	assert.Error(t, err)
}

func Test_EnvName(t *testing.T) {
	assert.Equal(t, "GPU", envName("gpu"))
	assert.Equal(t, "FPGA_X_1", envName("fpga.x-1"))
}
