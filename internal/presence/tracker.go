// Package presence holds the latest snapshot of online users pushed by the
// realtime server.
package presence

import (
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/mentality/internal/proto"
)

var log = logging.Logger("presence")

type Event struct {
	Type    string                         `json:"type"` // "snapshot"
	Online  int                            `json:"online"`
	Entries map[string]proto.PresenceEntry `json:"entries,omitempty"`
	At      time.Time                      `json:"at"`
}

// Tracker is replaced wholesale on every snapshot. There is no per-entry
// expiry; a stale set is only corrected by the next snapshot.
type Tracker struct {
	mu        sync.RWMutex
	peers     map[string]proto.PresenceEntry
	updatedAt time.Time
	listeners map[chan Event]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		peers:     map[string]proto.PresenceEntry{},
		listeners: make(map[chan Event]struct{}),
	}
}

// Replace swaps in a new snapshot. Entries without a user id are dropped;
// a duplicate user id keeps the last entry.
func (t *Tracker) Replace(entries []proto.PresenceEntry) {
	next := make(map[string]proto.PresenceEntry, len(entries))
	for _, e := range entries {
		if e.UserID == "" {
			continue
		}
		next[e.UserID] = e
	}

	t.mu.Lock()
	t.peers = next
	t.updatedAt = time.Now()
	evt := Event{Type: "snapshot", Online: len(next), Entries: copyMap(next), At: t.updatedAt}
	t.mu.Unlock()

	log.Debugf("snapshot: %d online", len(next))
	t.broadcast(evt)
}

// Clear empties the set (logout).
func (t *Tracker) Clear() {
	t.Replace(nil)
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	_, ok := t.peers[userID]
	t.mu.RUnlock()
	return ok
}

func (t *Tracker) Get(userID string) (proto.PresenceEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.peers[userID]
	return e, ok
}

func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Snapshot returns the current entries sorted by user id.
func (t *Tracker) Snapshot() []proto.PresenceEntry {
	t.mu.RLock()
	out := make([]proto.PresenceEntry, 0, len(t.peers))
	for _, e := range t.peers {
		out = append(out, e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *Tracker) UpdatedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updatedAt
}

func (t *Tracker) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 16)
	t.mu.Lock()
	t.listeners[ch] = struct{}{}
	t.mu.Unlock()

	return ch, func() {
		t.mu.Lock()
		if _, ok := t.listeners[ch]; ok {
			delete(t.listeners, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) broadcast(evt Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

func copyMap(m map[string]proto.PresenceEntry) map[string]proto.PresenceEntry {
	cp := make(map[string]proto.PresenceEntry, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
