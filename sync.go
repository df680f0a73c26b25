package livesync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// NotificationAPI is the server side of the notification center.
type NotificationAPI interface {
	List(ctx context.Context, limit, offset int) ([]NotificationItem, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
}

// Optimistic operation names.
const (
	OpMarkRead    = "mark_read"
	OpMarkAllRead = "mark_all_read"
)

// DefaultPageSize is the number of notifications fetched by Refresh when
// no limit is given.
const DefaultPageSize = 20

// Notifications keeps a Store in sync with a NotificationAPI.
//
// Read-state changes are applied locally first and confirmed afterwards. A
// rejected change is rolled back to its snapshot when nothing else touched
// the store in the meantime; otherwise the list is reloaded from the server
// so later changes are not clobbered.
type Notifications struct {
	api      NotificationAPI
	store    *Store
	bus      *Bus
	metrics  *Metrics
	logger   zerolog.Logger
	pageSize int
}

// NewNotifications creates the sync service. pageSize <= 0 selects
// DefaultPageSize.
func NewNotifications(api NotificationAPI, store *Store, bus *Bus, metrics *Metrics, pageSize int, logger zerolog.Logger) *Notifications {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Notifications{
		api:      api,
		store:    store,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With().Str("component", "notifications").Logger(),
		pageSize: pageSize,
	}
}

// Store returns the store being synchronized.
func (n *Notifications) Store() *Store { return n.store }

// Refresh replaces the local list with a page from the server. The unread
// counter takes the server's total, which may exceed the page.
func (n *Notifications) Refresh(ctx context.Context, limit, offset int) error {
	if limit <= 0 {
		limit = n.pageSize
	}
	items, err := n.api.List(ctx, limit, offset)
	if err != nil {
		return fmt.Errorf("list notifications: %w", err)
	}

	count, err := n.api.UnreadCount(ctx)
	if err != nil {
		n.logger.Warn().Err(err).Msg("unread count unavailable, deriving from page")
		n.store.SetItems(items, nil)
		return nil
	}
	n.store.SetItems(items, &count)
	return nil
}

// MarkRead marks one notification read locally and on the server.
func (n *Notifications) MarkRead(ctx context.Context, id string) error {
	var (
		applied bool
		rev     uint64
	)
	tx := Optimistic[State]{
		Snapshot: n.store.Snapshot,
		Apply: func() {
			applied, rev = n.store.markItemRead(id)
		},
		Confirm: func(ctx context.Context) error {
			return n.api.MarkRead(ctx, id)
		},
		Compensate: func(ctx context.Context, snap State, err error) {
			if !applied {
				n.fail(OpMarkRead, id, err, false)
				return
			}
			n.fail(OpMarkRead, id, err, n.compensate(ctx, snap, rev))
		},
	}
	if err := tx.Run(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrSyncConflict, err)
	}
	return nil
}

// MarkAllRead marks everything read locally, confirms with the server and
// then drops the confirmed items. Items that arrived meanwhile are kept.
func (n *Notifications) MarkAllRead(ctx context.Context) error {
	var rev uint64
	tx := Optimistic[State]{
		Snapshot: n.store.Snapshot,
		Apply: func() {
			rev = n.store.markAllRead()
		},
		Confirm: n.api.MarkAllRead,
		Commit: func(snap State) {
			ids := make([]string, len(snap.Items))
			for i, it := range snap.Items {
				ids[i] = it.ID
			}
			n.store.Remove(ids...)
		},
		Compensate: func(ctx context.Context, snap State, err error) {
			n.fail(OpMarkAllRead, "", err, n.compensate(ctx, snap, rev))
		},
	}
	if err := tx.Run(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrSyncConflict, err)
	}
	return nil
}

// compensate restores snap when the store is still at rev and otherwise
// reloads from the server. It reports whether a reload was attempted.
func (n *Notifications) compensate(ctx context.Context, snap State, rev uint64) bool {
	if n.store.restoreIf(snap, rev) {
		return false
	}
	if err := n.Refresh(ctx, 0, 0); err != nil {
		n.logger.Error().Err(err).Msg("resync after rejected update failed")
	}
	return true
}

func (n *Notifications) fail(op, id string, err error, resynced bool) {
	n.metrics.rollback(op)
	n.logger.Warn().
		Err(err).
		Str("op", op).
		Str("item", id).
		Bool("resynced", resynced).
		Msg("optimistic update rolled back")
	if n.bus != nil {
		n.bus.SyncFailures.Publish(SyncFailure{Op: op, ItemID: id, Err: err, Resynced: resynced})
	}
}
