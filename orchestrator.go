package livesync

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Orchestrator decides when the realtime connection should exist. It
// reacts to credential changes made by other processes and to explicit
// reconnect requests published on the bus.
type Orchestrator struct {
	manager *Manager
	tokens  *TokenResolver
	bus     *Bus
	policy  AutoConnectPolicy
	logger  zerolog.Logger

	mu     sync.Mutex
	unsubs []func()
}

// NewOrchestrator creates an orchestrator. A nil policy selects AdminOnly.
func NewOrchestrator(manager *Manager, tokens *TokenResolver, bus *Bus, policy AutoConnectPolicy, logger zerolog.Logger) *Orchestrator {
	if policy == nil {
		policy = AdminOnly
	}
	return &Orchestrator{
		manager: manager,
		tokens:  tokens,
		bus:     bus,
		policy:  policy,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Start subscribes to the bus. ctx is used for the connections it opens.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.unsubs) > 0 {
		return
	}
	o.unsubs = append(o.unsubs,
		o.bus.Credentials.Subscribe(func(ev CredentialChanged) {
			o.handleCredential(ctx, ev)
		}),
		o.bus.ReconnectRequests.Subscribe(func(req ReconnectRequest) {
			if _, err := o.manager.SetTokenAndReconnect(ctx, req.Token); err != nil {
				o.logger.Warn().Err(err).Msg("reconnect request ignored")
			}
		}),
	)
}

// Stop removes the bus subscriptions.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	unsubs := o.unsubs
	o.unsubs = nil
	o.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// AutoConnect connects when the stored credential passes the policy.
func (o *Orchestrator) AutoConnect(ctx context.Context) (*Connection, error) {
	token := o.tokens.Resolve(ctx)
	if token == "" {
		return nil, ErrNoCredential
	}
	if !o.policy(ParseClaims(token)) {
		return nil, ErrAutoConnectDenied
	}
	return o.manager.Connect(ctx)
}

func (o *Orchestrator) handleCredential(ctx context.Context, ev CredentialChanged) {
	if ev.Key != o.tokens.Key() {
		return
	}
	log := o.logger.With().Str("source", ev.Source).Int64("version", ev.Version).Logger()

	if !ev.Present {
		log.Info().Msg("credential removed, closing realtime connection")
		o.manager.Disconnect(true)
		return
	}

	if o.manager.Current() != nil {
		token := o.tokens.Resolve(ctx)
		if token == "" {
			return
		}
		log.Info().Msg("credential rotated, re-authenticating")
		if _, err := o.manager.SetTokenAndReconnect(ctx, token); err != nil {
			log.Warn().Err(err).Msg("re-authentication failed")
		}
		return
	}

	if _, err := o.AutoConnect(ctx); err != nil {
		if errors.Is(err, ErrAutoConnectDenied) || errors.Is(err, ErrNoCredential) {
			log.Debug().Err(err).Msg("auto-connect skipped")
			return
		}
		log.Warn().Err(err).Msg("auto-connect failed")
	}
}
