// Package presence tracks which users hold a live realtime connection.
package presence

import (
	"sort"
	"sync"

	"github.com/mqy/minichat/chatstore"
)

// Change describes one effective mutation of a Table.
type Change struct {
	Identity chatstore.UserID
	Online   bool
	// Snapshot is the set of online identities right after the change.
	Snapshot []chatstore.UserID
}

// Table maps each online identity to exactly one connection handle.
//
// The last Register of an identity wins. Unregister only removes an entry when
// the given handle is still the one stored for its identity, so a stale
// connection closing late never evicts the newer one.
type Table[H comparable] struct {
	mu       sync.RWMutex
	byID     map[chatstore.UserID]H
	byHandle map[H]chatstore.UserID
	onChange func(Change)
}

// NewTable creates an empty table. onChange, if not nil, is called for every
// effective change while the table lock is held; it must not call back into
// the table.
func NewTable[H comparable](onChange func(Change)) *Table[H] {
	return &Table[H]{
		byID:     make(map[chatstore.UserID]H),
		byHandle: make(map[H]chatstore.UserID),
		onChange: onChange,
	}
}

// Register binds id to h, replacing any handle previously stored for id.
// The replaced handle is not closed. If h was bound to another identity,
// that binding is dropped.
func (t *Table[H]) Register(id chatstore.UserID, h H) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.byHandle[h]; ok && prev != id {
		delete(t.byHandle, h)
		if cur, ok := t.byID[prev]; ok && cur == h {
			delete(t.byID, prev)
			t.notify(prev, false)
		}
	}

	t.byID[id] = h
	t.byHandle[h] = id
	t.notify(id, true)
}

// Lookup returns the handle stored for id.
func (t *Table[H]) Lookup(id chatstore.UserID) (H, bool) {
	t.mu.RLock()
	h, ok := t.byID[id]
	t.mu.RUnlock()
	return h, ok
}

// Unregister removes the entry owned by h. It returns the identity that went
// offline, or false if h was unknown or already superseded.
func (t *Table[H]) Unregister(h H) (chatstore.UserID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byHandle[h]
	if !ok {
		return "", false
	}
	delete(t.byHandle, h)

	if cur, ok := t.byID[id]; !ok || cur != h {
		return "", false
	}
	delete(t.byID, id)
	t.notify(id, false)
	return id, true
}

// Snapshot returns all online identities, sorted.
func (t *Table[H]) Snapshot() []chatstore.UserID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot()
}

// Len returns the number of online identities.
func (t *Table[H]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Reset drops every entry without notifying; used on server stop.
func (t *Table[H]) Reset() {
	t.mu.Lock()
	t.byID = make(map[chatstore.UserID]H)
	t.byHandle = make(map[H]chatstore.UserID)
	t.mu.Unlock()
}

func (t *Table[H]) snapshot() []chatstore.UserID {
	out := make([]chatstore.UserID, 0, len(t.byID))
	for id := range t.byID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Table[H]) notify(id chatstore.UserID, online bool) {
	if t.onChange == nil {
		return
	}
	t.onChange(Change{
		Identity: id,
		Online:   online,
		Snapshot: t.snapshot(),
	})
}
