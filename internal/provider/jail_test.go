package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestJail(t *testing.T) *Jail {
	t.Helper()

	// Point at a missing firejail binary so the test runs unconfined and
	// does not depend on the host having firejail installed.
	jail, err := NewJail(JailConfig{
		WorkDir:      t.TempDir(),
		FirejailPath: "/nonexistent/firejail",
	}, zap.NewNop())
	require.NoError(t, err)

	return jail
}

func TestJailSpawnExecuteDestroy(t *testing.T) {
	jail := newTestJail(t)
	ctx := context.Background()

	handle, err := jail.Spawn(ctx, SpawnRequest{
		SandboxID: "sbx-jail-1",
		Image:     "local",
		Metadata:  map[string]string{MetadataManagedBy: "mgr-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "jail", handle.ProviderName)

	result, err := jail.Execute(ctx, handle, Command{Cmd: "echo hello", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Zero(t, result.ExitCode)
	assert.Greater(t, result.Duration, time.Duration(0))

	result, err = jail.Execute(ctx, handle, Command{Cmd: "exit 3", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)

	require.NoError(t, jail.Destroy(ctx, handle))

	// Destroy is idempotent and the workspace is gone.
	require.NoError(t, jail.Destroy(ctx, handle))

	_, err = jail.Execute(ctx, handle, Command{Cmd: "true", Timeout: time.Second})
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
}

func TestJailExecuteTimeout(t *testing.T) {
	jail := newTestJail(t)

	handle, err := jail.Spawn(context.Background(), SpawnRequest{SandboxID: "sbx-jail-2", Image: "local"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = jail.Execute(ctx, handle, Command{Cmd: "sleep 10", Timeout: 10 * time.Second})

	var transient *TransientError
	require.ErrorAs(t, err, &transient)
}

func TestJailListFiltersByManager(t *testing.T) {
	jail := newTestJail(t)
	ctx := context.Background()

	_, err := jail.Spawn(ctx, SpawnRequest{
		SandboxID: "mine",
		Image:     "local",
		Metadata:  map[string]string{MetadataManagedBy: "mgr-1", "sandbox-id": "mine"},
	})
	require.NoError(t, err)

	_, err = jail.Spawn(ctx, SpawnRequest{
		SandboxID: "theirs",
		Image:     "local",
		Metadata:  map[string]string{MetadataManagedBy: "mgr-2"},
	})
	require.NoError(t, err)

	remotes, err := jail.List(ctx, "mgr-1")
	require.NoError(t, err)
	require.Len(t, remotes, 1)
	assert.Equal(t, "mine", remotes[0].Handle.BackendID)
	assert.Equal(t, "mine", remotes[0].Metadata["sandbox-id"])
	assert.False(t, remotes[0].CreatedAt.IsZero())
}

func TestJailHealthDegradedWithoutFirejail(t *testing.T) {
	jail := newTestJail(t)

	assert.Equal(t, HealthDegraded, jail.Health())
	assert.True(t, jail.CostRatePerHour(true).IsZero())
}
