package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the connection manager.
type RealtimeConfig struct {
	Transport Transport
	Resolver  *TokenResolver
	Bus       *Bus
	Metrics   *Metrics
	Logger    zerolog.Logger

	// Sticky keeps the connection alive across non-forced Disconnect calls.
	Sticky            bool
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration
	// CloseTimeout bounds how long a forced disconnect waits for the
	// connection loop to exit.
	CloseTimeout time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.MinReconnectDelay <= 0 {
		c.MinReconnectDelay = 1 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnectDelay < c.MinReconnectDelay {
		c.MaxReconnectDelay = c.MinReconnectDelay
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.Bus == nil {
		c.Bus = NewBus(c.Logger)
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Error kinds recorded on failed attempts.
const (
	KindConnectError   = "connect_error"
	KindReconnectError = "reconnect_error"
)

// Handler receives every inbound envelope of a connection, in order.
type Handler func(ctx context.Context, c *Connection, env Envelope)

// ConnectHook runs after every acknowledged (re)connection, before any
// inbound event of that session is dispatched.
type ConnectHook func(ctx context.Context, c *Connection)

// ============================================================================
// Backoff
// ============================================================================

// backoff doubles from min with jitter and clamps to [min, max]. It has no
// attempt limit.
type backoff struct {
	min     time.Duration
	max     time.Duration
	attempt int
	rnd     func() float64
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{min: min, max: max, rnd: rand.Float64}
}

func (b *backoff) next() time.Duration {
	jitter := b.rnd() * float64(b.min) * 0.5
	exp := math.Min(float64(b.attempt), 30)
	d := float64(b.min)*math.Pow(2, exp) + jitter
	d = math.Max(float64(b.min), math.Min(d, float64(b.max)))
	b.attempt++
	return time.Duration(d)
}

func (b *backoff) reset() { b.attempt = 0 }

// ============================================================================
// Manager
// ============================================================================

type namedHandler struct {
	name string
	fn   Handler
}

type namedHook struct {
	name string
	fn   ConnectHook
}

// Manager owns the process-wide realtime connection. At most one
// Connection exists at a time; it survives non-forced disconnects when the
// manager is sticky.
type Manager struct {
	cfg    RealtimeConfig
	logger zerolog.Logger

	mu       sync.Mutex
	slot     *Connection
	handlers []namedHandler
	hooks    []namedHook
}

// NewManager creates a manager. Transport and Resolver are required.
func NewManager(cfg RealtimeConfig) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "realtime").Logger(),
	}
}

// Bus returns the bus the manager publishes on.
func (m *Manager) Bus() *Bus { return m.cfg.Bus }

// Sticky reports whether non-forced disconnects are ignored.
func (m *Manager) Sticky() bool { return m.cfg.Sticky }

// Current returns the connection in the slot, or nil.
func (m *Manager) Current() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slot
}

// Attach registers an inbound handler under name on the current and every
// future connection. Attaching a name twice is a no-op.
func (m *Manager) Attach(name string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, nh := range m.handlers {
		if nh.name == name {
			return
		}
	}
	m.handlers = append(m.handlers, namedHandler{name: name, fn: h})
	if m.slot != nil {
		m.slot.Attach(name, h)
	}
}

// OnConnect registers a connect hook under name. Registering a name twice
// is a no-op.
func (m *Manager) OnConnect(name string, h ConnectHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, nh := range m.hooks {
		if nh.name == name {
			return
		}
	}
	m.hooks = append(m.hooks, namedHook{name: name, fn: h})
	if m.slot != nil {
		m.slot.OnConnect(name, h)
	}
}

// Connect returns the shared connection, creating it on first use. It
// fails with ErrNoCredential when no credential is stored. An existing
// connection is reused: its credential is refreshed and a pending retry is
// brought forward.
func (m *Manager) Connect(ctx context.Context) (*Connection, error) {
	token := m.cfg.Resolver.Resolve(ctx)
	if token == "" {
		return nil, ErrNoCredential
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx, token), nil
}

func (m *Manager) connectLocked(ctx context.Context, token string) *Connection {
	if c := m.slot; c != nil {
		if c.Connected() && c.Token() == token {
			return c
		}
		c.reauthenticate(token)
		return c
	}

	c := newConnection(m, token)
	for _, nh := range m.handlers {
		c.Attach(nh.name, nh.fn)
	}
	for _, nh := range m.hooks {
		c.OnConnect(nh.name, nh.fn)
	}
	m.slot = c
	c.start(ctx)

	m.logger.Info().Str("connection", c.id).Msg("realtime connection created")
	return c
}

// Disconnect tears the connection down. Unless force is set, a sticky
// manager ignores the request. A forced disconnect is terminal for the
// connection; the next Connect creates a new one.
func (m *Manager) Disconnect(force bool) {
	m.mu.Lock()
	if m.cfg.Sticky && !force {
		m.mu.Unlock()
		m.logger.Debug().Msg("disconnect ignored: sticky connection")
		return
	}
	c := m.slot
	m.slot = nil
	m.mu.Unlock()

	if c == nil {
		return
	}

	reason := "disconnect"
	if force {
		reason = "forced"
	}
	c.shutdown(reason, m.cfg.CloseTimeout)
	m.cfg.Metrics.setConnected(false)
	m.cfg.Bus.Status.Publish(StatusChange{Connected: false, ConnectionID: c.id, Reason: reason})
	m.logger.Info().Str("connection", c.id).Str("reason", reason).Msg("realtime connection closed")
}

// SetTokenAndReconnect re-authenticates the existing connection with token,
// keeping its identity. Without a connection it connects with token.
func (m *Manager) SetTokenAndReconnect(ctx context.Context, token string) (*Connection, error) {
	if token == "" {
		return nil, ErrNoCredential
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.slot; c != nil {
		c.reauthenticate(token)
		return c, nil
	}
	return m.connectLocked(ctx, token), nil
}

// ============================================================================
// Connection
// ============================================================================

// Connection is the shared realtime connection handle. Its identity is
// stable across reconnects and re-authentication.
type Connection struct {
	id      string
	mgr     *Manager
	logger  zerolog.Logger
	kick    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	started bool

	mu        sync.Mutex
	token     string
	reauth    bool
	state     ConnState
	conn      Conn
	sessionID string
	attempts  int
	lastErr   *ErrorDetail

	hmu      sync.RWMutex
	handlers []namedHandler
	hooks    []namedHook
}

func newConnection(m *Manager, token string) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:     id,
		mgr:    m,
		logger: m.logger.With().Str("connection", id).Logger(),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		token:  token,
		state:  StateDisconnected,
	}
}

// ID returns the stable identity of the handle.
func (c *Connection) ID() string { return c.id }

// SessionID returns the id the server assigned to the current session.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Token returns the credential used for the next dial.
func (c *Connection) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a transport session is established.
func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

// LastError returns the message of the most recent failed attempt.
func (c *Connection) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil {
		return ""
	}
	return c.lastErr.Message
}

// LastErrorDetailed returns a copy of the most recent failure, or nil.
func (c *Connection) LastErrorDetailed() *ErrorDetail {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil {
		return nil
	}
	d := *c.lastErr
	return &d
}

// Done is closed once the connection loop has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Attach registers h under name. It reports false when name is taken.
func (c *Connection) Attach(name string, h Handler) bool {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	for _, nh := range c.handlers {
		if nh.name == name {
			return false
		}
	}
	c.handlers = append(c.handlers, namedHandler{name: name, fn: h})
	return true
}

// OnConnect registers a connect hook under name. It reports false when
// name is taken.
func (c *Connection) OnConnect(name string, h ConnectHook) bool {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	for _, nh := range c.hooks {
		if nh.name == name {
			return false
		}
	}
	c.hooks = append(c.hooks, namedHook{name: name, fn: h})
	return true
}

// Handlers returns the attached handler names in order.
func (c *Connection) Handlers() []string {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	names := make([]string, 0, len(c.handlers))
	for _, nh := range c.handlers {
		names = append(names, nh.name)
	}
	return names
}

// Emit sends an event on the current session.
func (c *Connection) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = b
	}
	return conn.Write(ctx, Envelope{Type: event, Payload: raw})
}

func (c *Connection) start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.started = true
	go c.run(loopCtx)
}

// reauthenticate swaps the credential and forces the next dial to happen
// immediately with it.
func (c *Connection) reauthenticate(token string) {
	c.mu.Lock()
	changed := c.token != token
	c.token = token
	conn := c.conn
	if conn != nil {
		c.reauth = true
	}
	c.mu.Unlock()

	if conn != nil {
		c.logger.Info().Bool("changed", changed).Msg("re-authenticating")
		_ = conn.Close("re-authenticate")
		return
	}
	c.wake()
}

func (c *Connection) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Connection) shutdown(reason string, timeout time.Duration) {
	if !c.started {
		return
	}
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(reason)
	}

	select {
	case <-c.done:
	case <-time.After(timeout):
		c.logger.Warn().Dur("timeout", timeout).Msg("connection loop did not exit in time")
	}
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateDisconnected)

	cfg := &c.mgr.cfg
	b := newBackoff(cfg.MinReconnectDelay, cfg.MaxReconnectDelay)

	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-c.kick:
		default:
		}

		token := c.Token()
		c.setState(StateConnecting)
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()
		cfg.Metrics.dialAttempt()

		conn, err := cfg.Transport.Dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.setState(StateDisconnected)
			c.recordError(attempt, err)
			if !c.wait(ctx, b.next()) {
				return
			}
			continue
		}

		switch c.establish(ctx, conn, token) {
		case establishStale:
			_ = conn.Close("credential rotated")
			continue
		case establishCancelled:
			_ = conn.Close("closed")
			return
		}
		b.reset()

		cfg.Metrics.setConnected(true)
		cfg.Bus.Status.Publish(StatusChange{Connected: true, ConnectionID: c.id, SessionID: conn.ID()})
		c.logger.Info().Str("session", conn.ID()).Int("attempt", attempt).Msg("connected")

		c.runHooks(ctx)
		readErr := c.readLoop(ctx, conn)
		_ = conn.Close("closed")

		reauth := c.release()
		if ctx.Err() != nil {
			return
		}
		cfg.Metrics.setConnected(false)

		reason := "transport closed"
		if reauth {
			reason = "re-authenticate"
		}
		cfg.Bus.Status.Publish(StatusChange{Connected: false, ConnectionID: c.id, SessionID: conn.ID(), Reason: reason})
		if reauth {
			continue
		}

		c.logger.Warn().Err(readErr).Msg("connection lost")
		if !c.wait(ctx, b.next()) {
			return
		}
	}
}

type establishResult int

const (
	established establishResult = iota
	establishStale
	establishCancelled
)

// establish installs conn as the live session. A conn dialed with a token
// that has since been rotated is refused; the check shares c.mu with
// reauthenticate so a rotation either sees the new session or is seen here.
func (c *Connection) establish(ctx context.Context, conn Conn, token string) establishResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return establishCancelled
	}
	if c.token != token {
		return establishStale
	}
	c.conn = conn
	c.sessionID = conn.ID()
	c.state = StateConnected
	c.reauth = false
	c.lastErr = nil
	return established
}

// release detaches the session and reports whether it ended because of a
// re-authentication request.
func (c *Connection) release() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	c.state = StateDisconnected
	reauth := c.reauth
	c.reauth = false
	return reauth
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.kick:
		return true
	case <-timer.C:
		return true
	}
}

func (c *Connection) recordError(attempt int, err error) {
	kind := KindReconnectError
	if attempt == 1 {
		kind = KindConnectError
	}

	detail := ErrorDetail{Message: err.Error()}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		detail = ce.Detail
	}

	c.mu.Lock()
	d := detail
	c.lastErr = &d
	c.mu.Unlock()

	c.mgr.cfg.Metrics.connectError(kind)
	c.logger.Warn().
		Str("kind", kind).
		Str("code", detail.Code).
		Int("attempt", attempt).
		Msg(detail.Message)
	c.mgr.cfg.Bus.Errors.Publish(ErrorEvent{
		Error: detail.Message,
		Code:  detail.Code,
		Data:  detail.Data,
		Kind:  kind,
	})
}

func (c *Connection) runHooks(ctx context.Context) {
	c.hmu.RLock()
	hooks := append([]namedHook(nil), c.hooks...)
	c.hmu.RUnlock()

	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error().Str("hook", h.name).Str("panic", fmt.Sprint(r)).Msg("connect hook panicked")
				}
			}()
			h.fn(ctx, c)
		}()
	}
}

func (c *Connection) readLoop(ctx context.Context, conn Conn) error {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.dispatch(ctx, env)
	}
}

func (c *Connection) dispatch(ctx context.Context, env Envelope) {
	c.mgr.cfg.Metrics.eventReceived(env.Type)

	c.hmu.RLock()
	handlers := append([]namedHandler(nil), c.handlers...)
	c.hmu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error().
						Str("handler", h.name).
						Str("event", env.Type).
						Str("panic", fmt.Sprint(r)).
						Msg("event handler panicked")
				}
			}()
			h.fn(ctx, c, env)
		}()
	}

	c.mgr.cfg.Bus.Events.Publish(InboundEvent{Type: env.Type, Payload: env.Payload})
}
