package livesync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("fake conn closed")

// makeToken builds an unsigned JWT-shaped token carrying claims.
func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, err := json.Marshal(claims)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(body) + ".sig"
}

// ============================================================================
// Fake transport
// ============================================================================

type fakeTransport struct {
	mu     sync.Mutex
	tokens []string
	conns  []*fakeConn
	// fail, when set, can reject a dial attempt (1-based).
	fail func(attempt int, token string) error

	dialed chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dialed: make(chan *fakeConn, 64)}
}

func (f *fakeTransport) Dial(ctx context.Context, token string) (Conn, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	attempt := len(f.tokens)
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		if err := fail(attempt, token); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := newFakeConn(fmt.Sprintf("sess-%d", attempt))
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	f.dialed <- c
	return c, nil
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

func (f *fakeTransport) token(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[i]
}

// next waits for the next established fake connection.
func (f *fakeTransport) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-f.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type fakeConn struct {
	id     string
	in     chan Envelope
	out    chan Envelope
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{
		id:     id,
		in:     make(chan Envelope, 64),
		out:    make(chan Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Read(ctx context.Context) (Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return Envelope{}, errConnClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, env Envelope) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.out <- env:
		return nil
	default:
		return errors.New("fake conn write buffer full")
	}
}

func (c *fakeConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push injects an inbound event.
func (c *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	c.in <- Envelope{Type: event, Payload: raw}
}

// written waits for the next outbound envelope.
func (c *fakeConn) written(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-c.out:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound event")
		return Envelope{}
	}
}

// ============================================================================
// Fixtures
// ============================================================================

func newTestManager(t *testing.T, tr Transport, creds CredentialStore, sticky bool) *Manager {
	t.Helper()
	m := NewManager(RealtimeConfig{
		Transport:         tr,
		Resolver:          NewTokenResolver(creds, "", zerolog.Nop()),
		Bus:               NewBus(zerolog.Nop()),
		Logger:            zerolog.Nop(),
		Sticky:            sticky,
		MinReconnectDelay: 5 * time.Millisecond,
		MaxReconnectDelay: 20 * time.Millisecond,
		CloseTimeout:      time.Second,
	})
	t.Cleanup(func() { m.Disconnect(true) })
	return m
}

func storeWithToken(t *testing.T, token string) *MemoryCredentialStore {
	t.Helper()
	creds := NewMemoryCredentialStore("test")
	if token != "" {
		require.NoError(t, creds.Set(context.Background(), DefaultCredentialKey, token))
	}
	return creds
}

// recorder collects values published on a topic.
type recorder[T any] struct {
	mu     sync.Mutex
	values []T
}

func record[T any](t *testing.T, topic *Topic[T]) *recorder[T] {
	r := &recorder[T]{}
	unsub := topic.Subscribe(func(v T) {
		r.mu.Lock()
		r.values = append(r.values, v)
		r.mu.Unlock()
	})
	t.Cleanup(unsub)
	return r
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}
