package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealExecutor_StreamsOutput(t *testing.T) {
	dir := t.TempDir()

	var got lineCollector
	h, err := Start(context.Background(), NewRealExecutor(), Spec{
		Name: "sh",
		Path: "sh",
		Args: []string{"-c", "echo Authenticated to 10.0.0.1; echo debug1: channel 0 >&2; pwd"},
		Dir:  dir,
	}, got.add)
	require.NoError(t, err)

	require.NoError(t, h.Wait(context.Background()))
	assert.ElementsMatch(t, []string{
		"Authenticated to 10.0.0.1",
		"debug1: channel 0",
		dir,
	}, got.sorted())
}

func TestRealExecutor_MissingBinary(t *testing.T) {
	_, err := Start(context.Background(), NewRealExecutor(), Spec{Path: "/nonexistent/openvpn"}, nil)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
}

func TestRealExecutor_TerminateKillsProcessGroup(t *testing.T) {
	h, err := Start(context.Background(), NewRealExecutor(), Spec{
		Name: "sleeper",
		Path: "sh",
		Args: []string{"-c", "sleep 30 & sleep 30"},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, h.Terminate())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process group survived terminate")
	}
	assert.False(t, h.IsRunning())
}

func TestRealExecutor_WriteLine(t *testing.T) {
	var got lineCollector
	h, err := Start(context.Background(), NewRealExecutor(), Spec{
		Path: "sh",
		Args: []string{"-c", "read answer; echo got $answer"},
	}, got.add)
	require.NoError(t, err)

	require.NoError(t, h.WriteLine("y"))
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, []string{"got y"}, got.sorted())
}
