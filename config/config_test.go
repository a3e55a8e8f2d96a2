package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/hpcsched/resources"
	"github.com/twitter/hpcsched/scheduler/server"
)

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func Test_Config_Defaults(t *testing.T) {
	c, err := LoadServerConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkerAddr, c.WorkerAddr)
	assert.Equal(t, JournalFile, c.Journal.Type)

	sc := c.SchedulerConfiguration("s1")
	assert.Equal(t, server.DefaultTickRate, sc.TickRate)
	assert.Equal(t, server.DefaultMaxRetriesPerTask, sc.MaxRetriesPerTask)
	assert.Equal(t, "s1", sc.ServerID)
	assert.True(t, sc.RecoverOnStartup)
}

func Test_Config_JSON(t *testing.T) {
	path := writeFile(t, "sched.json", `{
		"WorkerAddr": ":7000",
		"AdvertiseURL": "http://sched:9091",
		"Scheduler": {"TickRate": "100ms", "InlineBodyLimit": "64KiB", "MaxRetriesPerTask": 5},
		"Listener": {"MaxFrameSize": "8MiB", "AcceptRate": 20},
		"Journal": {"Type": "leveldb", "Dir": "/var/lib/hpcsched"}
	}`)
	c, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", c.WorkerAddr)
	assert.Equal(t, DefaultAdminAddr, c.AdminAddr)
	assert.Equal(t, JournalLevelDB, c.Journal.Type)

	sc := c.SchedulerConfiguration("")
	assert.Equal(t, 100*time.Millisecond, sc.TickRate)
	assert.Equal(t, 64*1024, sc.InlineBodyLimit)
	assert.Equal(t, 5, sc.MaxRetriesPerTask)
	assert.Equal(t, "http://sched:9091", sc.BodyURLPrefix)
	// untouched fields keep their defaults
	assert.Equal(t, server.DefaultHeartbeatGrace, sc.HeartbeatGrace)

	lc := c.ListenerConfig()
	assert.Equal(t, 8*1024*1024, lc.MaxFrameSize)
	assert.Equal(t, 20.0, lc.AcceptRate)
}

func Test_Config_TOML(t *testing.T) {
	path := writeFile(t, "sched.toml", `
WorkerAddr = ":7001"
Token = "secret"

[Scheduler]
HeartbeatInterval = "2s"

[Journal]
Type = "memory"

[Nats]
URL = "nats://localhost:4222"
Subject = "tasks"
`)
	c, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7001", c.WorkerAddr)
	assert.Equal(t, "secret", c.SchedulerConfiguration("").Token)
	assert.Equal(t, Duration(2*time.Second), c.Scheduler.HeartbeatInterval)
	assert.Equal(t, JournalMemory, c.Journal.Type)
	assert.Equal(t, "tasks", c.Nats.Subject)
	assert.NotContains(t, c.String(), "secret")
}

func Test_Config_EnvOverrides(t *testing.T) {
	path := writeFile(t, "sched.json", `{"WorkerAddr": ":7000", "Scheduler": {"TickRate": "100ms"}}`)
	t.Setenv("HPCSCHED_WORKERADDR", ":7100")
	t.Setenv("HPCSCHED_SCHEDULER_TICKRATE", "20ms")
	t.Setenv("HPCSCHED_JOURNAL_TYPE", "none")

	c, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7100", c.WorkerAddr)
	assert.Equal(t, Duration(20*time.Millisecond), c.Scheduler.TickRate)
	assert.Equal(t, JournalNone, c.Journal.Type)
}

func Test_Config_Invalid(t *testing.T) {
	_, err := LoadServerConfig(writeFile(t, "sched.yaml", "a: b"))
	assert.Error(t, err)

	_, err = LoadServerConfig(writeFile(t, "sched.json", `{"Journal": {"Type": "tape"}}`))
	assert.Error(t, err)

	_, err = LoadServerConfig(writeFile(t, "sched.json", `{"Journal": {"Type": "file", "Dir": ""}}`))
	assert.Error(t, err)

	_, err = LoadServerConfig(writeFile(t, "sched.json", `{"Scheduler": {"TickRate": "soon"}}`))
	assert.Error(t, err)

	_, err = LoadServerConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func Test_WorkerConfig_Descriptor(t *testing.T) {
	path := writeFile(t, "worker.toml", `
ServerAddr = "sched:9090"
Cpus = "2x2"
Resources = ["gpu=list(0,1)", "mem=sum(16GiB)"]
Lifetime = "1h"
OutputChunkSize = "4KiB"
`)
	c, err := LoadWorkerConfig(path)
	require.NoError(t, err)
	d, err := c.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, resources.CpusFromSocketSize(2, 2), d.Cpus)
	require.Len(t, d.Generic, 2)
	assert.Equal(t, "gpu", d.Generic[0].Name)
	assert.Equal(t, "mem", d.Generic[1].Name)

	ac := c.AgentConfig(d)
	assert.Equal(t, "sched:9090", ac.ServerAddr)
	assert.Equal(t, time.Hour, ac.Lifetime)
	assert.Equal(t, 4096, ac.OutputChunkSize)
	assert.Equal(t, d, ac.Descriptor)
}

func Test_WorkerConfig_Invalid(t *testing.T) {
	_, err := LoadWorkerConfig("")
	assert.Error(t, err, "no server address")

	t.Setenv("HPCSCHED_SERVERADDR", "sched:9090")
	c, err := LoadWorkerConfig("")
	require.NoError(t, err)
	c.Resources = []string{"gpu=bogus", "fpga=list(x)"}
	_, err = c.Descriptor()
	assert.Error(t, err)

	c.Resources = nil
	c.Cpus = "none"
	_, err = c.Descriptor()
	assert.Error(t, err)

	t.Setenv("HPCSCHED_RUNNER", "docker")
	_, err = LoadWorkerConfig("")
	assert.Error(t, err)
}

func Test_Size_Text(t *testing.T) {
	var s Size
	require.NoError(t, s.UnmarshalText([]byte("2MiB")))
	assert.Equal(t, Size(2*1024*1024), s)
	require.NoError(t, s.UnmarshalText([]byte("512")))
	assert.Equal(t, Size(512), s)
	assert.Error(t, s.UnmarshalText([]byte("lots")))
}
