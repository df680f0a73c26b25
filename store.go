package livesync

import (
	"slices"
	"sync"
)

// State is a point-in-time copy of the notification center.
type State struct {
	// Items are ordered newest first.
	Items       []NotificationItem `json:"items"`
	UnreadCount int                `json:"unread_count"`
	CenterOpen  bool               `json:"center_open"`
}

// LocalUnread counts the unread items held locally.
func (s State) LocalUnread() int {
	n := 0
	for _, it := range s.Items {
		if !it.Read {
			n++
		}
	}
	return n
}

// Unsynced is the part of UnreadCount not backed by a local item, for
// example unread notifications beyond the fetched page.
func (s State) Unsynced() int {
	return s.UnreadCount - s.LocalUnread()
}

// Store is the single owner of the notification list, the unread counter
// and the center visibility. The counter never goes below zero.
type Store struct {
	metrics *Metrics

	mu       sync.Mutex
	state    State
	revision uint64

	changes *Topic[State]
}

// NewStore creates an empty store. metrics may be nil.
func NewStore(metrics *Metrics) *Store {
	return &Store{
		metrics: metrics,
		changes: NewTopic[State]("notification-state"),
	}
}

// Subscribe calls fn with a snapshot after every mutation.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	return s.changes.Subscribe(fn)
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Revision increases with every change to the items or the counter.
func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

func (s *Store) copyLocked() State {
	st := s.state
	st.Items = slices.Clone(s.state.Items)
	return st
}

// mutate applies fn under the lock and notifies subscribers when fn
// reports a change.
func (s *Store) mutate(fn func(st *State) bool) bool {
	changed, _ := s.apply(fn, true)
	return changed
}

// apply is mutate without the revision bump when content is false. Center
// visibility does not conflict with pending list updates.
func (s *Store) apply(fn func(st *State) bool, content bool) (bool, uint64) {
	s.mu.Lock()
	if !fn(&s.state) {
		rev := s.revision
		s.mu.Unlock()
		return false, rev
	}
	if s.state.UnreadCount < 0 {
		s.state.UnreadCount = 0
	}
	if content {
		s.revision++
	}
	rev := s.revision
	snap := s.copyLocked()
	s.mu.Unlock()

	s.metrics.setUnread(snap.UnreadCount)
	s.changes.Publish(snap)
	return true, rev
}

// SetItems replaces the list. With serverUnread the counter takes the
// server's value, otherwise it is derived from the items.
func (s *Store) SetItems(items []NotificationItem, serverUnread *int) {
	s.mutate(func(st *State) bool {
		st.Items = slices.Clone(items)
		if serverUnread != nil {
			st.UnreadCount = *serverUnread
		} else {
			st.UnreadCount = st.LocalUnread()
		}
		return true
	})
}

// PrependItem inserts item at the head. The counter is left alone.
func (s *Store) PrependItem(item NotificationItem) {
	s.mutate(func(st *State) bool {
		st.Items = append([]NotificationItem{item}, st.Items...)
		return true
	})
}

// prependUnread inserts an unread item at the head and counts it in one
// change, so no snapshot shows the item without the counter or the reverse.
func (s *Store) prependUnread(item NotificationItem) {
	s.mutate(func(st *State) bool {
		st.Items = append([]NotificationItem{item}, st.Items...)
		st.UnreadCount++
		return true
	})
}

// IncrementUnread adds n to the counter.
func (s *Store) IncrementUnread(n int) {
	s.mutate(func(st *State) bool {
		st.UnreadCount += n
		return true
	})
}

// DecrementUnread subtracts n from the counter, stopping at zero.
func (s *Store) DecrementUnread(n int) {
	s.mutate(func(st *State) bool {
		st.UnreadCount -= n
		return true
	})
}

// SetUnread sets the counter, clamped at zero.
func (s *Store) SetUnread(n int) {
	s.mutate(func(st *State) bool {
		st.UnreadCount = n
		return true
	})
}

// MarkItemRead marks the item read and decrements the counter. It reports
// false when the item is missing or already read.
func (s *Store) MarkItemRead(id string) bool {
	changed, _ := s.markItemRead(id)
	return changed
}

func (s *Store) markItemRead(id string) (bool, uint64) {
	return s.apply(func(st *State) bool {
		i := slices.IndexFunc(st.Items, func(it NotificationItem) bool { return it.ID == id })
		if i < 0 || st.Items[i].Read {
			return false
		}
		st.Items = slices.Clone(st.Items)
		st.Items[i].Read = true
		st.UnreadCount--
		return true
	}, true)
}

// MarkAllRead marks every item read and zeroes the counter.
func (s *Store) MarkAllRead() {
	s.markAllRead()
}

func (s *Store) markAllRead() uint64 {
	_, rev := s.apply(func(st *State) bool {
		items := make([]NotificationItem, len(st.Items))
		for i, it := range st.Items {
			it.Read = true
			items[i] = it
		}
		st.Items = items
		st.UnreadCount = 0
		return true
	}, true)
	return rev
}

// Remove drops the items with the given ids. Unread items removed also
// leave the counter.
func (s *Store) Remove(ids ...string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	s.mutate(func(st *State) bool {
		kept := make([]NotificationItem, 0, len(st.Items))
		removed := false
		for _, it := range st.Items {
			if drop[it.ID] {
				removed = true
				if !it.Read {
					st.UnreadCount--
				}
				continue
			}
			kept = append(kept, it)
		}
		st.Items = kept
		return removed
	})
}

// Clear empties the list and zeroes the counter.
func (s *Store) Clear() {
	s.mutate(func(st *State) bool {
		st.Items = nil
		st.UnreadCount = 0
		return true
	})
}

// Restore puts back the items and counter of snap. Center visibility is
// not part of a restore.
func (s *Store) Restore(snap State) {
	s.mutate(func(st *State) bool {
		st.Items = slices.Clone(snap.Items)
		st.UnreadCount = snap.UnreadCount
		return true
	})
}

// restoreIf restores snap only while the revision still equals rev. It
// reports whether the restore happened.
func (s *Store) restoreIf(snap State, rev uint64) bool {
	changed, _ := s.apply(func(st *State) bool {
		if s.revision != rev {
			return false
		}
		st.Items = slices.Clone(snap.Items)
		st.UnreadCount = snap.UnreadCount
		return true
	}, true)
	return changed
}

// OpenCenter marks the notification center visible.
func (s *Store) OpenCenter() {
	s.apply(func(st *State) bool {
		if st.CenterOpen {
			return false
		}
		st.CenterOpen = true
		return true
	}, false)
}

// CloseCenter hides the notification center.
func (s *Store) CloseCenter() {
	s.apply(func(st *State) bool {
		if !st.CenterOpen {
			return false
		}
		st.CenterOpen = false
		return true
	}, false)
}
