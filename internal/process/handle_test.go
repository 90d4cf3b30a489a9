package process

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) sorted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.lines...)
	sort.Strings(out)
	return out
}

func TestStart_MergesStdoutAndStderr(t *testing.T) {
	exec := NewMockExecutor()
	proc := exec.GetProcess()
	proc.WriteToStdout("Initialization Sequence Completed")
	proc.WriteToStderr("TUN/TAP device tun0 opened")

	var got lineCollector
	h, err := Start(context.Background(), exec, Spec{
		Name: "daemon",
		Path: "/usr/sbin/openvpn",
		Args: []string{"--config", "/tmp/x.ovpn"},
		Dir:  "/tmp",
	}, got.add)
	require.NoError(t, err)

	dir, name, args := exec.GetLast()
	assert.Equal(t, "/tmp", dir)
	assert.Equal(t, "/usr/sbin/openvpn", name)
	assert.Equal(t, []string{"--config", "/tmp/x.ovpn"}, args)
	assert.True(t, h.IsRunning())
	assert.Equal(t, "daemon", h.Name())

	proc.CompleteProcess()
	require.NoError(t, h.Wait(context.Background()))
	assert.False(t, h.IsRunning())

	assert.Equal(t, []string{
		"Initialization Sequence Completed",
		"TUN/TAP device tun0 opened",
	}, got.sorted())
}

func TestStart_CreateErrorIsSpawnError(t *testing.T) {
	exec := NewMockExecutor()
	exec.SetCreateError(errors.New("no such file"))

	_, err := Start(context.Background(), exec, Spec{Path: "/missing"}, nil)
	require.Error(t, err)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "/missing", spawnErr.Path)
	assert.Contains(t, err.Error(), "no such file")
}

func TestStart_StartErrorIsSpawnError(t *testing.T) {
	exec := NewMockExecutor()
	startErr := errors.New("permission denied")
	exec.GetProcess().SetStartError(startErr)

	_, err := Start(context.Background(), exec, Spec{Path: "/usr/bin/stunnel"}, nil)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.ErrorIs(t, err, startErr)
}

func TestHandle_TerminateIsIdempotent(t *testing.T) {
	exec := NewMockExecutor()
	h, err := Start(context.Background(), exec, Spec{Name: "ssh", Path: "ssh"}, nil)
	require.NoError(t, err)

	require.NoError(t, h.Terminate())
	require.NoError(t, h.Terminate())

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("process not reaped after terminate")
	}
	require.NoError(t, h.Terminate())
	assert.Equal(t, 1, exec.GetProcess().KillCount())
}

func TestHandle_TerminateAfterExitDoesNotKill(t *testing.T) {
	exec := NewMockExecutor()
	h, err := Start(context.Background(), exec, Spec{Path: "stunnel"}, nil)
	require.NoError(t, err)

	exec.GetProcess().CompleteProcess()
	<-h.Done()

	require.NoError(t, h.Terminate())
	assert.Equal(t, 0, exec.GetProcess().KillCount())
}

func TestHandle_TerminateKillError(t *testing.T) {
	exec := NewMockExecutor()
	exec.GetProcess().SetKillError(errors.New("operation not permitted"))
	h, err := Start(context.Background(), exec, Spec{Name: "daemon", Path: "openvpn"}, nil)
	require.NoError(t, err)

	err = h.Terminate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminate daemon")

	exec.GetProcess().CompleteProcess()
}

func TestHandle_WriteLine(t *testing.T) {
	exec := NewMockExecutor()
	h, err := Start(context.Background(), exec, Spec{Path: "plink"}, nil)
	require.NoError(t, err)
	defer exec.GetProcess().CompleteProcess()

	require.NoError(t, h.WriteLine("y"))
	assert.Equal(t, "y\n", exec.GetProcess().GetStdinContent())
}

func TestHandle_ExitErr(t *testing.T) {
	exec := NewMockExecutor()
	exitErr := errors.New("exit status 1")
	exec.GetProcess().SetWaitError(exitErr)

	h, err := Start(context.Background(), exec, Spec{Path: "openvpn"}, nil)
	require.NoError(t, err)

	exec.GetProcess().CompleteProcess()
	assert.Equal(t, exitErr, h.Wait(context.Background()))
	assert.Equal(t, exitErr, h.ExitErr())
}

func TestHandle_WaitHonoursContext(t *testing.T) {
	exec := NewMockExecutor()
	h, err := Start(context.Background(), exec, Spec{Path: "openvpn"}, nil)
	require.NoError(t, err)
	defer exec.GetProcess().CompleteProcess()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)
}
