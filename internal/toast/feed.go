// Package toast is the user-facing alert feed: short-lived toasts and
// persistent banners that the UI renders. Components publish here instead of
// talking to a UI library.
package toast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/mentality/internal/util"
)

var log = logging.Logger("toast")

const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Toast is one alert. Persistent toasts stay in Active until dismissed.
// Toasts sharing a non-empty Key replace each other.
type Toast struct {
	ID          string    `json:"id"`
	Key         string    `json:"key,omitempty"`
	Level       string    `json:"level"`
	Title       string    `json:"title"`
	Message     string    `json:"message,omitempty"`
	Persistent  bool      `json:"persistent,omitempty"`
	Dismissable bool      `json:"dismissable"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event is delivered to subscribers.
type Event struct {
	Type  string `json:"type"` // "show" | "dismiss"
	Toast Toast  `json:"toast"`
}

type Feed struct {
	mu        sync.RWMutex
	active    []Toast
	history   *util.RingBuffer[Toast]
	listeners map[chan Event]struct{}
}

func NewFeed(historySize int) *Feed {
	return &Feed{
		history:   util.NewRingBuffer[Toast](historySize),
		listeners: make(map[chan Event]struct{}),
	}
}

// Show publishes t and returns its id. A persistent toast with a key already
// on screen replaces the earlier one.
func (f *Feed) Show(t Toast) string {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Level == "" {
		t.Level = LevelInfo
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	f.mu.Lock()
	if t.Key != "" {
		f.removeKeyLocked(t.Key)
	}
	if t.Persistent {
		f.active = append(f.active, t)
	}
	f.mu.Unlock()

	f.history.Push(t)
	log.Debugf("%s: %s %s", t.Level, t.Title, t.Message)
	f.broadcast(Event{Type: "show", Toast: t})
	return t.ID
}

func (f *Feed) Info(title, msg string) string {
	return f.Show(Toast{Level: LevelInfo, Title: title, Message: msg, Dismissable: true})
}

func (f *Feed) Success(title, msg string) string {
	return f.Show(Toast{Level: LevelSuccess, Title: title, Message: msg, Dismissable: true})
}

func (f *Feed) Warning(title, msg string) string {
	return f.Show(Toast{Level: LevelWarning, Title: title, Message: msg, Dismissable: true})
}

func (f *Feed) Error(title, msg string) string {
	return f.Show(Toast{Level: LevelError, Title: title, Message: msg, Dismissable: true})
}

// Dismiss removes a persistent toast by id. Unknown ids are ignored.
func (f *Feed) Dismiss(id string) bool {
	f.mu.Lock()
	var gone *Toast
	for i, t := range f.active {
		if t.ID == id {
			gone = &t
			f.active = append(f.active[:i], f.active[i+1:]...)
			break
		}
	}
	f.mu.Unlock()

	if gone == nil {
		return false
	}
	f.broadcast(Event{Type: "dismiss", Toast: *gone})
	return true
}

// DismissKey removes the persistent toast carrying key, if any.
func (f *Feed) DismissKey(key string) {
	f.mu.Lock()
	gone := f.removeKeyLocked(key)
	f.mu.Unlock()
	for _, t := range gone {
		f.broadcast(Event{Type: "dismiss", Toast: t})
	}
}

func (f *Feed) removeKeyLocked(key string) []Toast {
	var gone []Toast
	kept := f.active[:0]
	for _, t := range f.active {
		if t.Key == key {
			gone = append(gone, t)
			continue
		}
		kept = append(kept, t)
	}
	f.active = kept
	return gone
}

// Active returns the persistent toasts still on screen, oldest first.
func (f *Feed) Active() []Toast {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Toast, len(f.active))
	copy(out, f.active)
	return out
}

// Recent returns the last shown toasts, oldest first.
func (f *Feed) Recent() []Toast {
	return f.history.Snapshot()
}

func (f *Feed) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 32)
	f.mu.Lock()
	f.listeners[ch] = struct{}{}
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		if _, ok := f.listeners[ch]; ok {
			delete(f.listeners, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
}

func (f *Feed) broadcast(evt Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
