// Package livesync keeps an administration client in sync with its backend
// in real time.
//
// A single shared websocket connection survives consumer churn,
// re-authenticates on token rotation and joins broadcast rooms derived from
// the token claims. Inbound events become entries of a notification center
// whose read state is updated optimistically against the REST API.
//
// Example:
//
//	creds, _ := livesync.OpenSQLiteCredentialStore(path, livesync.NewSourceID())
//	client := livesync.NewClient(creds, livesync.Config{BaseURL: "https://api.example.com"})
//	client.Bus.Alerts.Subscribe(func(a livesync.Alert) { fmt.Println(a.Item.Title) })
//	_ = client.Run(ctx)
package livesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Client.
type Config struct {
	// BaseURL is the REST API root.
	BaseURL string
	// WSURL is the realtime endpoint. Defaults to BaseURL + "/ws".
	WSURL         string
	CredentialKey string

	Sticky            bool
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration
	HeartbeatInterval time.Duration

	OpenCenterOnAlert bool
	PageSize          int

	// AutoConnect connects on Run when the stored credential passes the
	// auto-connect policy.
	AutoConnect   bool
	WatchInterval time.Duration
}

func (c *Config) defaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.WSURL == "" && c.BaseURL != "" {
		c.WSURL = c.BaseURL + "/ws"
	}
	if c.CredentialKey == "" {
		c.CredentialKey = DefaultCredentialKey
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// NewSourceID returns a fresh writer id for a credential store.
func NewSourceID() string {
	return "proc-" + uuid.NewString()
}

// ============================================================================
// Client
// ============================================================================

// Client wires the realtime core and the notification center together.
type Client struct {
	Bus           *Bus
	Store         *Store
	Tokens        *TokenResolver
	Realtime      *Manager
	Rooms         *RoomNegotiator
	Router        *Router
	Notifications *Notifications
	Watcher       *CredentialWatcher
	Orchestrator  *Orchestrator

	cfg    Config
	logger zerolog.Logger
}

type clientOptions struct {
	logger     zerolog.Logger
	transport  Transport
	api        NotificationAPI
	metrics    *Metrics
	httpClient *http.Client
	policy     AutoConnectPolicy
}

// Option configures a Client.
type Option func(*clientOptions)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

func WithTransport(t Transport) Option {
	return func(o *clientOptions) { o.transport = t }
}

func WithNotificationAPI(api NotificationAPI) Option {
	return func(o *clientOptions) { o.api = api }
}

func WithMetrics(m *Metrics) Option {
	return func(o *clientOptions) { o.metrics = m }
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = client }
}

func WithPolicy(p AutoConnectPolicy) Option {
	return func(o *clientOptions) { o.policy = p }
}

// NewClient creates a client reading its credential from creds. When creds
// is a VersionedCredentialStore, changes written by other processes are
// watched.
func NewClient(creds CredentialStore, cfg Config, opts ...Option) *Client {
	cfg.defaults()
	o := &clientOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger

	bus := NewBus(logger)
	tokens := NewTokenResolver(creds, cfg.CredentialKey, logger)

	transport := o.transport
	if transport == nil {
		ws := NewWSTransport(cfg.WSURL, logger)
		ws.HTTPClient = o.httpClient
		ws.HeartbeatInterval = cfg.HeartbeatInterval
		transport = ws
	}

	realtime := NewManager(RealtimeConfig{
		Transport:         transport,
		Resolver:          tokens,
		Bus:               bus,
		Metrics:           o.metrics,
		Logger:            logger,
		Sticky:            cfg.Sticky,
		MinReconnectDelay: cfg.MinReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
	})

	store := NewStore(o.metrics)
	router := NewRouter(store, bus, o.metrics, logger, WithOpenCenter(cfg.OpenCenterOnAlert))
	rooms := NewRoomNegotiator(logger)
	router.Install(realtime)
	rooms.Install(realtime)

	api := o.api
	if api == nil {
		var apiOpts []APIOption
		if o.httpClient != nil {
			apiOpts = append(apiOpts, WithAPIHTTPClient(o.httpClient))
		}
		api = NewHTTPNotificationAPI(cfg.BaseURL, tokens, apiOpts...)
	}

	c := &Client{
		Bus:           bus,
		Store:         store,
		Tokens:        tokens,
		Realtime:      realtime,
		Rooms:         rooms,
		Router:        router,
		Notifications: NewNotifications(api, store, bus, o.metrics, cfg.PageSize, logger),
		Orchestrator:  NewOrchestrator(realtime, tokens, bus, o.policy, logger),
		cfg:           cfg,
		logger:        logger.With().Str("component", "client").Logger(),
	}

	if vs, ok := creds.(VersionedCredentialStore); ok {
		source := ""
		if s, ok := creds.(interface{ Source() string }); ok {
			source = s.Source()
		}
		c.Watcher = NewCredentialWatcher(vs, cfg.CredentialKey, source, bus, cfg.WatchInterval, logger)
	}
	return c
}

// Run starts the orchestrator, loads the first notification page, connects
// when allowed and watches for credential changes until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.Orchestrator.Start(ctx)
	defer c.Orchestrator.Stop()

	if c.Tokens.Resolve(ctx) != "" {
		if err := c.Notifications.Refresh(ctx, 0, 0); err != nil {
			c.logger.Warn().Err(err).Msg("initial notification load failed")
		}
	}

	if c.cfg.AutoConnect {
		if _, err := c.Orchestrator.AutoConnect(ctx); err != nil {
			if !errors.Is(err, ErrAutoConnectDenied) && !errors.Is(err, ErrNoCredential) {
				return fmt.Errorf("auto-connect: %w", err)
			}
			c.logger.Info().Err(err).Msg("auto-connect skipped")
		}
	}

	if c.Watcher != nil {
		if err := c.Watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	<-ctx.Done()
	return nil
}

// Connect opens (or reuses) the realtime connection regardless of policy.
func (c *Client) Connect(ctx context.Context) (*Connection, error) {
	return c.Realtime.Connect(ctx)
}

// SetToken stores token and re-authenticates a live connection with it.
func (c *Client) SetToken(ctx context.Context, token string) error {
	if err := c.Tokens.Store().Set(ctx, c.Tokens.Key(), token); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	if c.Realtime.Current() != nil {
		if _, err := c.Realtime.SetTokenAndReconnect(ctx, token); err != nil {
			return err
		}
	}
	return nil
}

// ClearToken deletes the credential and closes the connection.
func (c *Client) ClearToken(ctx context.Context) error {
	if err := c.Tokens.Store().Delete(ctx, c.Tokens.Key()); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	c.Realtime.Disconnect(true)
	c.Store.Clear()
	return nil
}

// Close tears down the realtime connection.
func (c *Client) Close() {
	c.Orchestrator.Stop()
	c.Realtime.Disconnect(true)
}
