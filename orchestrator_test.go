package livesync

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, token string) (*Orchestrator, *Manager, *fakeTransport, *MemoryCredentialStore) {
	t.Helper()
	ft := newFakeTransport()
	creds := storeWithToken(t, token)
	m := newTestManager(t, ft, creds, true)
	o := NewOrchestrator(m, m.cfg.Resolver, m.Bus(), nil, zerolog.Nop())
	o.Start(context.Background())
	t.Cleanup(o.Stop)
	return o, m, ft, creds
}

func TestAutoConnectPolicyGate(t *testing.T) {
	o, m, ft, _ := newTestOrchestrator(t, makeToken(t, map[string]any{"role": "customer"}))
	_, err := o.AutoConnect(context.Background())
	assert.ErrorIs(t, err, ErrAutoConnectDenied)
	assert.Nil(t, m.Current())
	assert.Equal(t, 0, ft.dialCount())

	o, m, ft, _ = newTestOrchestrator(t, makeToken(t, map[string]any{"role": "admin"}))
	c, err := o.AutoConnect(context.Background())
	require.NoError(t, err)
	assert.Same(t, c, m.Current())
	ft.next(t)

	o, _, _, _ = newTestOrchestrator(t, "")
	_, err = o.AutoConnect(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestOrchestratorCredentialAppearedConnects(t *testing.T) {
	_, m, ft, creds := newTestOrchestrator(t, "")
	ctx := context.Background()

	require.NoError(t, creds.Set(ctx, DefaultCredentialKey, makeToken(t, map[string]any{"role": "admin"})))
	m.Bus().Credentials.Publish(CredentialChanged{Key: DefaultCredentialKey, Present: true, Source: "other", Version: 1})

	require.NotNil(t, m.Current())
	ft.next(t)
	assert.Eventually(t, m.Current().Connected, waitFor, tick)
}

func TestOrchestratorCredentialForOtherKeyIgnored(t *testing.T) {
	_, m, ft, creds := newTestOrchestrator(t, "")
	require.NoError(t, creds.Set(context.Background(), DefaultCredentialKey, makeToken(t, map[string]any{"role": "admin"})))

	m.Bus().Credentials.Publish(CredentialChanged{Key: "refresh_token", Present: true})
	assert.Nil(t, m.Current())
	assert.Equal(t, 0, ft.dialCount())
}

func TestOrchestratorCredentialRotatedReauthenticates(t *testing.T) {
	ctx := context.Background()
	_, m, ft, creds := newTestOrchestrator(t, makeToken(t, map[string]any{"role": "admin", "sub": "1"}))

	c, err := m.Connect(ctx)
	require.NoError(t, err)
	conn1 := ft.next(t)
	require.Eventually(t, c.Connected, waitFor, tick)

	rotated := makeToken(t, map[string]any{"role": "admin", "sub": "2"})
	require.NoError(t, creds.Set(ctx, DefaultCredentialKey, rotated))
	m.Bus().Credentials.Publish(CredentialChanged{Key: DefaultCredentialKey, Present: true, Source: "other", Version: 2})

	ft.next(t)
	assert.True(t, conn1.isClosed())
	assert.Equal(t, rotated, ft.token(1))
	assert.Same(t, c, m.Current())
}

func TestOrchestratorCredentialRemovedForcesDisconnect(t *testing.T) {
	ctx := context.Background()
	_, m, ft, creds := newTestOrchestrator(t, makeToken(t, map[string]any{"role": "admin"}))

	_, err := m.Connect(ctx)
	require.NoError(t, err)
	conn := ft.next(t)

	require.NoError(t, creds.Delete(ctx, DefaultCredentialKey))
	m.Bus().Credentials.Publish(CredentialChanged{Key: DefaultCredentialKey, Present: false, Source: "other", Version: 2})

	assert.Nil(t, m.Current(), "sticky connection is still torn down")
	assert.True(t, conn.isClosed())
}

func TestOrchestratorReconnectRequest(t *testing.T) {
	_, m, ft, _ := newTestOrchestrator(t, makeToken(t, map[string]any{"role": "admin"}))
	c, err := m.Connect(context.Background())
	require.NoError(t, err)
	ft.next(t)
	require.Eventually(t, c.Connected, waitFor, tick)

	fresh := makeToken(t, map[string]any{"role": "admin", "sub": "fresh"})
	m.Bus().ReconnectRequests.Publish(ReconnectRequest{Token: fresh})

	ft.next(t)
	assert.Equal(t, fresh, ft.token(1))
	assert.Equal(t, c.ID(), m.Current().ID())
}
