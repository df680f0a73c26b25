package livesync

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Bus Payloads
// ============================================================================

// StatusChange is published whenever a connection goes up or down.
type StatusChange struct {
	Connected    bool
	ConnectionID string
	// SessionID is the server-assigned id from the handshake ack.
	SessionID string
	Reason    string
}

// ErrorEvent is published for every failed handshake or reconnect attempt.
type ErrorEvent struct {
	Error string
	Code  string
	Data  json.RawMessage
	// Kind is "connect_error" or "reconnect_error".
	Kind string
}

// InboundEvent relays every inbound envelope, after the router has seen it.
type InboundEvent struct {
	Type    string
	Payload json.RawMessage
}

// ReconnectRequest asks the realtime manager to re-authenticate with Token.
type ReconnectRequest struct {
	Token string
}

// CredentialChanged is the cross-process credential signal. Source
// identifies the writer so a process can ignore its own writes.
type CredentialChanged struct {
	Key     string
	Present bool
	Source  string
	Version int64
}

// Alert is a transient UI notice derived from an inbound event.
type Alert struct {
	Item     NotificationItem
	Severity Severity
	Rule     string
}

// SyncFailure is published when an optimistic notification change was
// rejected and compensated.
type SyncFailure struct {
	Op       string
	ItemID   string
	Err      error
	Resynced bool
}

// ============================================================================
// Topic
// ============================================================================

// Topic is a typed publish/subscribe channel for a single event kind.
// Delivery is synchronous and in subscription order; a panicking subscriber
// is recovered and does not affect the others.
type Topic[T any] struct {
	name    string
	onPanic func(topic string, recovered any)

	mu   sync.RWMutex
	next int
	subs []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// NewTopic creates a standalone topic.
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{name: name}
}

// Name returns the topic name.
func (t *Topic[T]) Name() string { return t.name }

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is safe.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	t.next++
	id := t.next
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, s := range t.subs {
				if s.id == id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers v to every current subscriber.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	subs := make([]subscriber[T], len(t.subs))
	copy(subs, t.subs)
	t.mu.RUnlock()

	for _, s := range subs {
		t.deliver(s.fn, v)
	}
}

func (t *Topic[T]) deliver(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && t.onPanic != nil {
			t.onPanic(t.name, r)
		}
	}()
	fn(v)
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// ============================================================================
// Bus
// ============================================================================

// Bus groups the in-process signaling topics shared by the realtime core
// and its consumers.
type Bus struct {
	Status            *Topic[StatusChange]
	Errors            *Topic[ErrorEvent]
	Events            *Topic[InboundEvent]
	ReconnectRequests *Topic[ReconnectRequest]
	Credentials       *Topic[CredentialChanged]
	Alerts            *Topic[Alert]
	SyncFailures      *Topic[SyncFailure]
}

// NewBus creates a bus whose subscriber panics are logged on logger.
func NewBus(logger zerolog.Logger) *Bus {
	onPanic := func(topic string, recovered any) {
		logger.Error().
			Str("topic", topic).
			Str("panic", fmt.Sprint(recovered)).
			Msg("subscriber panicked")
	}
	return &Bus{
		Status:            newBusTopic[StatusChange]("status", onPanic),
		Errors:            newBusTopic[ErrorEvent]("error", onPanic),
		Events:            newBusTopic[InboundEvent]("event", onPanic),
		ReconnectRequests: newBusTopic[ReconnectRequest]("reconnect-with-token", onPanic),
		Credentials:       newBusTopic[CredentialChanged]("credential", onPanic),
		Alerts:            newBusTopic[Alert]("alert", onPanic),
		SyncFailures:      newBusTopic[SyncFailure]("sync-failure", onPanic),
	}
}

func newBusTopic[T any](name string, onPanic func(string, any)) *Topic[T] {
	return &Topic[T]{name: name, onPanic: onPanic}
}
