package livesync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CredentialWatcher observes credential writes made by other processes
// sharing a VersionedCredentialStore and republishes them on the bus as
// CredentialChanged. Writes carrying the watcher's own source are skipped.
type CredentialWatcher struct {
	store    VersionedCredentialStore
	key      string
	source   string
	bus      *Bus
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	primed  bool
	version int64
}

// NewCredentialWatcher creates a watcher for key. A zero interval polls
// once per second.
func NewCredentialWatcher(store VersionedCredentialStore, key, source string, bus *Bus, interval time.Duration, logger zerolog.Logger) *CredentialWatcher {
	if key == "" {
		key = DefaultCredentialKey
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &CredentialWatcher{
		store:    store,
		key:      key,
		source:   source,
		bus:      bus,
		interval: interval,
		logger:   logger.With().Str("component", "credential-watcher").Logger(),
	}
}

// Source returns the id this process writes under.
func (w *CredentialWatcher) Source() string { return w.source }

// Poll checks the store once. The first call only records the current
// version. It reports whether a change was published.
func (w *CredentialWatcher) Poll(ctx context.Context) (bool, error) {
	v, err := w.store.Version(ctx, w.key)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if !w.primed {
		w.primed = true
		w.version = v.Version
		w.mu.Unlock()
		return false, nil
	}
	if v.Version == w.version {
		w.mu.Unlock()
		return false, nil
	}
	w.version = v.Version
	w.mu.Unlock()

	if v.Source == w.source {
		return false, nil
	}

	w.logger.Debug().
		Str("key", w.key).
		Int64("version", v.Version).
		Str("source", v.Source).
		Bool("present", v.Present).
		Msg("credential changed elsewhere")

	w.bus.Credentials.Publish(CredentialChanged{
		Key:     w.key,
		Present: v.Present,
		Source:  v.Source,
		Version: v.Version,
	})
	return true, nil
}

// Run polls until ctx is cancelled.
func (w *CredentialWatcher) Run(ctx context.Context) error {
	if _, err := w.Poll(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("credential poll failed")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil {
				w.logger.Warn().Err(err).Msg("credential poll failed")
			}
		}
	}
}
