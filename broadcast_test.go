package livesync

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialWatcherIgnoresOwnWrites(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryCredentialStore("proc-local")
	remote := local.WithSource("proc-remote")
	bus := NewBus(zerolog.Nop())
	changes := record(t, bus.Credentials)

	w := NewCredentialWatcher(local, "", local.Source(), bus, 0, zerolog.Nop())

	changed, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "first poll only primes")

	require.NoError(t, local.Set(ctx, DefaultCredentialKey, "mine"))
	changed, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 0, changes.len())

	require.NoError(t, remote.Set(ctx, DefaultCredentialKey, "theirs"))
	changed, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "unchanged version is not republished")

	require.NoError(t, remote.Delete(ctx, DefaultCredentialKey))
	_, err = w.Poll(ctx)
	require.NoError(t, err)

	got := changes.all()
	require.Len(t, got, 2)
	assert.Equal(t, CredentialChanged{Key: DefaultCredentialKey, Present: true, Source: "proc-remote", Version: 2}, got[0])
	assert.False(t, got[1].Present)
	assert.Equal(t, int64(3), got[1].Version)
}

func TestCredentialWatcherRun(t *testing.T) {
	local := NewMemoryCredentialStore("a")
	remote := local.WithSource("b")
	bus := NewBus(zerolog.Nop())
	changes := record(t, bus.Credentials)
	w := NewCredentialWatcher(local, "", "a", bus, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.primed
	}, waitFor, tick)
	require.NoError(t, remote.Set(context.Background(), DefaultCredentialKey, "x"))

	require.Eventually(t, func() bool { return changes.len() == 1 }, waitFor, tick)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
