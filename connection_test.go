package livesync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestConnectWithoutCredential(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, storeWithToken(t, ""), true)

	c, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.Nil(t, c)
	assert.Nil(t, m.Current())
	assert.Equal(t, 0, ft.dialCount())
}

func TestConnectReusesSingleHandle(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m := newTestManager(t, ft, storeWithToken(t, makeToken(t, map[string]any{"role": "admin"})), true)

	first, err := m.Connect(ctx)
	require.NoError(t, err)
	ft.next(t)
	require.Eventually(t, first.Connected, waitFor, tick)

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.Connect(ctx)
			if assert.NoError(t, err) {
				ids[i] = c.ID()
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, first.ID(), id)
	}
	assert.Same(t, first, m.Current())
	assert.Equal(t, 1, ft.dialCount())
}

func TestStickyDisconnectIsNoop(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, storeWithToken(t, makeToken(t, map[string]any{"role": "admin"})), true)

	c, err := m.Connect(context.Background())
	require.NoError(t, err)
	conn := ft.next(t)
	require.Eventually(t, c.Connected, waitFor, tick)

	m.Disconnect(false)

	assert.Same(t, c, m.Current())
	assert.True(t, c.Connected())
	assert.False(t, conn.isClosed())
}

func TestNonStickyDisconnectClosesConnection(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, storeWithToken(t, makeToken(t, map[string]any{"role": "admin"})), false)

	c, err := m.Connect(context.Background())
	require.NoError(t, err)
	conn := ft.next(t)
	require.Eventually(t, c.Connected, waitFor, tick)

	m.Disconnect(false)

	assert.Nil(t, m.Current())
	assert.True(t, conn.isClosed())
}

func TestForcedDisconnectClearsSlot(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m := newTestManager(t, ft, storeWithToken(t, makeToken(t, map[string]any{"role": "admin"})), true)
	status := record(t, m.Bus().Status)

	first, err := m.Connect(ctx)
	require.NoError(t, err)
	conn := ft.next(t)
	require.Eventually(t, first.Connected, waitFor, tick)

	m.Disconnect(true)

	assert.Nil(t, m.Current())
	assert.True(t, conn.isClosed())
	select {
	case <-first.Done():
	case <-time.After(waitFor):
		t.Fatal("connection loop still running")
	}
	assert.False(t, first.Connected())

	events := status.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.False(t, last.Connected)
	assert.Equal(t, "forced", last.Reason)
	assert.Equal(t, first.ID(), last.ConnectionID)

	second, err := m.Connect(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	ft.next(t)
	assert.Eventually(t, second.Connected, waitFor, tick)
}

func TestJoinSentOnceAfterAck(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, storeWithToken(t, makeToken(t, map[string]any{
		"role":    "admin",
		"user_id": 42,
	})), true)
	NewRoomNegotiator(m.logger).Install(m)

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	conn := ft.next(t)

	env := conn.written(t)
	assert.Equal(t, EventJoin, env.Type)
	var body struct {
		Rooms []string `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	assert.Equal(t, []string{"role:admin", "user:42"}, body.Rooms)

	assert.Never(t, func() bool { return len(conn.out) > 0 }, 50*time.Millisecond, tick)
}

func TestMalformedTokenConnectsWithoutJoin(t *testing.T) {
	trailing := base64.RawURLEncoding.EncodeToString([]byte(`{"role":"admin"}garbage`))
	tokens := map[string]string{
		"not a jwt":        "not-a-jwt",
		"trailing payload": "h." + trailing + ".s",
	}
	for name, token := range tokens {
		t.Run(name, func(t *testing.T) {
			ft := newFakeTransport()
			m := newTestManager(t, ft, storeWithToken(t, token), true)
			NewRoomNegotiator(m.logger).Install(m)

			c, err := m.Connect(context.Background())
			require.NoError(t, err)
			conn := ft.next(t)
			require.Eventually(t, c.Connected, waitFor, tick)

			assert.Never(t, func() bool { return len(conn.out) > 0 }, 50*time.Millisecond, tick)
		})
	}
}

func TestSetTokenAndReconnectKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	tokenA := makeToken(t, map[string]any{"role": "admin", "admin_id": "a1"})
	tokenB := makeToken(t, map[string]any{"role": "admin", "admin_id": "b2"})
	m := newTestManager(t, ft, storeWithToken(t, tokenA), true)
	NewRoomNegotiator(m.logger).Install(m)

	c, err := m.Connect(ctx)
	require.NoError(t, err)
	conn1 := ft.next(t)
	conn1.written(t)

	same, err := m.SetTokenAndReconnect(ctx, tokenB)
	require.NoError(t, err)
	assert.Same(t, c, same)

	conn2 := ft.next(t)
	assert.True(t, conn1.isClosed())
	assert.Equal(t, tokenB, ft.token(1))
	assert.Equal(t, tokenB, c.Token())

	env := conn2.written(t)
	assert.Contains(t, string(env.Payload), "admin:b2")
	assert.Eventually(t, c.Connected, waitFor, tick)
	assert.Same(t, c, m.Current())
}

func TestSetTokenAndReconnectWithoutHandleConnects(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, storeWithToken(t, ""), true)
	token := makeToken(t, map[string]any{"role": "admin"})

	c, err := m.SetTokenAndReconnect(context.Background(), token)
	require.NoError(t, err)
	ft.next(t)
	assert.Eventually(t, c.Connected, waitFor, tick)
	assert.Equal(t, token, ft.token(0))

	_, err = m.SetTokenAndReconnect(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestTokenRotatedDuringDialIsNotEstablished(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	m := newTestManager(t, ft, storeWithToken(t, "tok-old"), true)

	// The credential rotates while the first dial is in flight.
	var once sync.Once
	ft.fail = func(attempt int, token string) error {
		if attempt == 1 {
			once.Do(func() {
				_, err := m.SetTokenAndReconnect(ctx, "tok-new")
				assert.NoError(t, err)
			})
		}
		return nil
	}

	c, err := m.Connect(ctx)
	require.NoError(t, err)

	stale := ft.next(t)
	fresh := ft.next(t)
	assert.True(t, stale.isClosed(), "session dialed with the old token is dropped")
	assert.Equal(t, "tok-old", ft.token(0))
	assert.Equal(t, "tok-new", ft.token(1))

	require.Eventually(t, c.Connected, waitFor, tick)
	assert.Equal(t, "sess-2", c.SessionID())
	assert.Equal(t, "tok-new", c.Token())
	assert.False(t, fresh.isClosed())
}

func TestHandshakeErrorsAreRecordedAndRetried(t *testing.T) {
	ft := newFakeTransport()
	ft.fail = func(attempt int, _ string) error {
		if attempt <= 2 {
			return &ConnectionError{Detail: ErrorDetail{
				Message: "jwt expired",
				Code:    "unauthorized",
				Data:    json.RawMessage(`{"attempt":1}`),
			}}
		}
		return nil
	}
	m := newTestManager(t, ft, storeWithToken(t, makeToken(t, map[string]any{"role": "admin"})), true)
	errs := record(t, m.Bus().Errors)

	c, err := m.Connect(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return errs.len() >= 2 }, waitFor, tick)
	got := errs.all()
	assert.Equal(t, KindConnectError, got[0].Kind)
	assert.Equal(t, KindReconnectError, got[1].Kind)
	assert.Equal(t, "jwt expired", got[0].Error)
	assert.Equal(t, "unauthorized", got[0].Code)
	assert.JSONEq(t, `{"attempt":1}`, string(got[0].Data))

	ft.next(t)
	require.Eventually(t, c.Connected, waitFor, tick)
	assert.Equal(t, "", c.LastError())
	assert.Nil(t, c.LastErrorDetailed())
	assert.Equal(t, 3, ft.dialCount())
}

func TestLastErrorKeptWhileFailing(t *testing.T) {
	ft := newFakeTransport()
	ft.fail = func(int, string) error {
		return &ConnectionError{Detail: ErrorDetail{Message: "server down"}}
	}
	m := newTestManager(t, ft, storeWithToken(t, makeToken(t, map[string]any{"role": "admin"})), true)

	c, err := m.Connect(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ft.dialCount() >= 3 }, waitFor, tick)
	assert.Equal(t, "server down", c.LastError())
	require.NotNil(t, c.LastErrorDetailed())
	assert.Equal(t, "server down", c.LastErrorDetailed().Message)
	assert.False(t, c.Connected())
}

func TestReconnectsAfterTransportLoss(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, storeWithToken(t, makeToken(t, map[string]any{"role": "admin"})), true)

	c, err := m.Connect(context.Background())
	require.NoError(t, err)
	conn1 := ft.next(t)
	require.Eventually(t, c.Connected, waitFor, tick)

	conn1.Close("server went away")

	conn2 := ft.next(t)
	assert.NotEqual(t, conn1.ID(), conn2.ID())
	require.Eventually(t, func() bool { return c.SessionID() == conn2.ID() }, waitFor, tick)
	assert.Same(t, c, m.Current())
}

func TestHandlersAttachOnceAndReceiveInOrder(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, storeWithToken(t, makeToken(t, map[string]any{"role": "admin"})), true)

	var (
		mu  sync.Mutex
		got []string
	)
	h := func(_ context.Context, _ *Connection, env Envelope) {
		mu.Lock()
		got = append(got, env.Type)
		mu.Unlock()
	}
	m.Attach("recorder", h)
	m.Attach("recorder", h)

	c, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.False(t, c.Attach("recorder", h))
	assert.Equal(t, []string{"recorder"}, c.Handlers())

	conn := ft.next(t)
	conn.push(t, "a.one", nil)
	conn.push(t, "b.two", nil)
	conn.push(t, "c.three", nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, waitFor, tick)
	assert.Equal(t, []string{"a.one", "b.two", "c.three"}, got)
}

func TestPanickingHandlerDoesNotStopLoop(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, storeWithToken(t, makeToken(t, map[string]any{"role": "admin"})), true)
	events := record(t, m.Bus().Events)

	m.Attach("boom", func(context.Context, *Connection, Envelope) { panic("boom") })

	c, err := m.Connect(context.Background())
	require.NoError(t, err)
	conn := ft.next(t)
	conn.push(t, "x.one", nil)
	conn.push(t, "x.two", nil)

	require.Eventually(t, func() bool { return events.len() == 2 }, waitFor, tick)
	assert.True(t, c.Connected())
}

func TestEmitWithoutSession(t *testing.T) {
	ft := newFakeTransport()
	ft.fail = func(int, string) error { return &ConnectionError{Detail: ErrorDetail{Message: "nope"}} }
	m := newTestManager(t, ft, storeWithToken(t, makeToken(t, map[string]any{"role": "admin"})), true)

	c, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, c.Emit(context.Background(), "ping", nil), ErrNotConnected)
}

func TestBackoffStaysWithinBounds(t *testing.T) {
	for _, jitter := range []float64{0, 0.5, 1} {
		b := newBackoff(time.Second, 5*time.Second)
		b.rnd = func() float64 { return jitter }
		for i := 0; i < 64; i++ {
			d := b.next()
			assert.GreaterOrEqual(t, d, time.Second)
			assert.LessOrEqual(t, d, 5*time.Second)
		}
	}

	b := newBackoff(time.Second, 5*time.Second)
	b.rnd = func() float64 { return 0 }
	assert.Equal(t, time.Second, b.next())
	assert.Equal(t, 2*time.Second, b.next())
	assert.Equal(t, 4*time.Second, b.next())
	assert.Equal(t, 5*time.Second, b.next())
	b.reset()
	assert.Equal(t, time.Second, b.next())
}

func TestRealtimeConfigDefaults(t *testing.T) {
	var cfg RealtimeConfig
	cfg.defaults()
	assert.Equal(t, time.Second, cfg.MinReconnectDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxReconnectDelay)
	assert.NotNil(t, cfg.Bus)
}
