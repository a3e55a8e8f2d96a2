package os

import (
	"bytes"
	"os"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/hpcsched/common/log/hooks"
	"github.com/twitter/hpcsched/worker/execer"
)

func init() {
	log.AddHook(hooks.NewContextHook())
	logrusLevel, _ := log.ParseLevel(os.Getenv("HPCSCHED_LOGLEVEL"))
	log.SetLevel(logrusLevel)
}

func Test_OsExecer_Output(t *testing.T) {
	var stdout, stderr bytes.Buffer
	e := NewExecer(0)
	p, err := e.Exec(execer.Command{
		Argv:   []string{"sh", "-c", "echo out; echo err >&2; echo $GREETING"},
		Env:    map[string]string{"GREETING": "hello"},
		Stdout: &stdout,
		Stderr: &stderr,
	})
	require.NoError(t, err)
	st := p.Wait()
	assert.Equal(t, execer.ProcessStatus{State: execer.Exited}, st)
	assert.Equal(t, "out\nhello\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
}

func Test_OsExecer_ExitCode(t *testing.T) {
	e := NewExecer(0)
	p, err := e.Exec(execer.Command{Argv: []string{"sh", "-c", "exit 3"}})
	require.NoError(t, err)
	st := p.Wait()
	assert.Equal(t, execer.Exited, st.State)
	assert.Equal(t, 3, st.ExitCode)
}

func Test_OsExecer_Dir(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer
	e := NewExecer(0)
	p, err := e.Exec(execer.Command{Argv: []string{"pwd", "-P"}, Dir: dir, Stdout: &stdout})
	require.NoError(t, err)
	assert.Equal(t, execer.Exited, p.Wait().State)
	assert.NotEmpty(t, stdout.String())
}

func Test_OsExecer_BadCommand(t *testing.T) {
	e := NewExecer(0)
	_, err := e.Exec(execer.Command{})
	assert.Error(t, err)
	_, err = e.Exec(execer.Command{Argv: []string{"/definitely/not/a/binary"}})
	assert.Error(t, err)
}

func Test_OsExecer_Abort(t *testing.T) {
	e := NewExecer(time.Second)
	p, err := e.Exec(execer.Command{Argv: []string{"sleep", "60"}})
	require.NoError(t, err)

	start := time.Now()
	st := p.Abort()
	assert.Equal(t, execer.Failed, st.State)
	assert.Contains(t, st.Error, "Aborted")
	assert.Less(t, time.Since(start), 30*time.Second)
	assert.Equal(t, st, p.Wait())
}

func Test_OsExecer_AbortKillsIgnoringGroup(t *testing.T) {
	e := NewExecer(200 * time.Millisecond)
	p, err := e.Exec(execer.Command{Argv: []string{"sh", "-c", "trap '' TERM; sleep 60 & wait"}})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	st := p.Abort()
	assert.Equal(t, execer.Failed, st.State)
	assert.Contains(t, st.Error, "SIGKILL")
}

func Test_OsExecer_AbortAfterExit(t *testing.T) {
	e := NewExecer(0)
	p, err := e.Exec(execer.Command{Argv: []string{"true"}})
	require.NoError(t, err)
	st := p.Wait()
	assert.Equal(t, st, p.Abort())
}
