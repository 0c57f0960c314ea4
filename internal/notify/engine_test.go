package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/mentality/internal/proto"
	"github.com/petervdpas/mentality/internal/storage"
	"github.com/petervdpas/mentality/internal/toast"
	"github.com/petervdpas/mentality/internal/transport"
)

// backend is an in-memory notifications API.
type backend struct {
	mu         sync.Mutex
	items      []Notification
	failList   bool
	failMark   bool
	failDelete map[string]bool
	lists      int
}

func (b *backend) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		b.lists++
		if b.failList {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"IsSuccess":false,"ErrorMessage":[{"message":"maintenance"}]}`))
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
		end := min(skip+limit, len(b.items))
		page := []Notification{}
		if skip < len(b.items) {
			page = b.items[skip:end]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"IsSuccess": true,
			"Result": map[string]any{
				"notifications": page,
				"unreadCount":   99,
				"pagination":    Pagination{Limit: limit, Skip: skip, HasMore: end < len(b.items)},
			},
		})

	case http.MethodPut:
		if b.failMark {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"success":false,"message":"boom"}`))
			return
		}
		var body struct {
			NotificationID string `json:"notificationId"`
			MarkAll        bool   `json:"markAll"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for i := range b.items {
			if body.MarkAll || b.items[i].ID == body.NotificationID {
				b.items[i].IsRead = true
			}
		}
		_, _ = w.Write([]byte(`{"success":true}`))

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if b.failDelete[id] || b.failDelete["*"] {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		b.items = slices.DeleteFunc(b.items, func(n Notification) bool { return n.ID == id })
		_, _ = w.Write([]byte(`{"IsSuccess":true}`))
	}
}

func (b *backend) set(fn func(b *backend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *backend) listCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lists
}

type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string][]transport.Handler
	connect  []func(context.Context)
	emitted  []string
	request  func(event string, out any) error
}

func (f *fakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, event)
	return nil
}

func (f *fakeTransport) Request(ctx context.Context, event string, payload, out any) error {
	f.mu.Lock()
	fn := f.request
	f.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("%s: %w", event, transport.ErrNotConnected)
	}
	return fn(event, out)
}

func (f *fakeTransport) On(event string, fn transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string][]transport.Handler{}
	}
	f.handlers[event] = append(f.handlers[event], fn)
	return func() {}
}

func (f *fakeTransport) OnConnect(fn func(context.Context)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connect = append(f.connect, fn)
	return func() {}
}

func (f *fakeTransport) push(event string, v any) {
	b, _ := json.Marshal(v)
	f.mu.Lock()
	hs := slices.Clone(f.handlers[event])
	f.mu.Unlock()
	for _, h := range hs {
		h(b)
	}
}

func (f *fakeTransport) emits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.emitted)
}

// reply makes Request answer with v.
func (f *fakeTransport) reply(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.request = func(_ string, out any) error {
		b, _ := json.Marshal(v)
		return json.Unmarshal(b, out)
	}
}

type fixture struct {
	e      *Engine
	be     *backend
	tr     *fakeTransport
	db     *storage.DB
	toasts *toast.Feed
}

var testRules = Rules{
	"booking":      {"admin", "psychologist"},
	"availability": {"admin", "user"},
	"reminder":     {"admin", "user", "psychologist"},
	"appointment":  {"admin", "user", "psychologist"},
}

func newFixture(t *testing.T, role string, items ...Notification) *fixture {
	t.Helper()
	be := &backend{items: items, failDelete: map[string]bool{}}
	srv := httptest.NewServer(http.HandlerFunc(be.serve))
	t.Cleanup(srv.Close)

	db, err := storage.Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{be: be, tr: &fakeTransport{}, db: db, toasts: toast.NewFeed(20)}
	f.e = New(NewClient(srv.URL, "tok", 2*time.Second), f.tr, db, f.toasts, Options{
		UserID:          "u1",
		Role:            role,
		PageLimit:       20,
		Rules:           testRules,
		FallbackTimeout: 200 * time.Millisecond,
	})
	f.e.Start()
	t.Cleanup(f.e.Stop)
	return f
}

func makeItems(n int) []Notification {
	out := make([]Notification, n)
	for i := range out {
		out[i] = Notification{
			ID:        fmt.Sprintf("n%d", i+1),
			Type:      TypeSystem,
			Title:     fmt.Sprintf("note %d", i+1),
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Duration(i) * time.Minute),
		}
	}
	return out
}

func ids(ns []Notification) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func TestFetchFirstPageWithoutMore(t *testing.T) {
	f := newFixture(t, "user", makeItems(15)...)

	require.NoError(t, f.e.Fetch(context.Background(), true))
	require.Len(t, f.e.Notifications(), 15)
	require.Equal(t, Pagination{Limit: 20, Skip: 0, HasMore: false}, f.e.Pagination())
	require.Equal(t, 15, f.e.UnreadCount())
	require.Equal(t, SourceREST, f.e.View().Source)

	require.ErrorIs(t, f.e.LoadMore(context.Background()), ErrNoMoreResults)
	require.Equal(t, 1, f.be.listCalls())
}

func TestLoadMoreAppendsAndUpdatesInPlace(t *testing.T) {
	f := newFixture(t, "user", makeItems(25)...)
	ctx := context.Background()

	require.NoError(t, f.e.Fetch(ctx, true))
	require.True(t, f.e.Pagination().HasMore)

	// A new item lands on the server, shifting the next page by one.
	f.be.set(func(b *backend) {
		b.items = append([]Notification{{ID: "fresh", Type: TypeSystem}}, b.items...)
	})

	require.NoError(t, f.e.LoadMore(ctx))
	got := ids(f.e.Notifications())
	require.Len(t, got, 25)
	require.Equal(t, "n1", got[0])
	require.Equal(t, "n20", got[19])
	require.Equal(t, "n25", got[24])
	require.Equal(t, 20, f.e.Pagination().Skip)
	require.False(t, f.e.Pagination().HasMore)
	require.ErrorIs(t, f.e.LoadMore(ctx), ErrNoMoreResults)
}

func TestPushAndFetchSameIDKeepsOneEntry(t *testing.T) {
	f := newFixture(t, "user",
		Notification{ID: "n1", Type: TypeMessage, Title: "from server"},
		Notification{ID: "n2", Type: TypeMessage},
	)

	f.tr.push(proto.EventNewNotification, map[string]any{
		"notification": Notification{ID: "n1", Type: TypeMessage, Title: "from push"},
	})
	f.tr.push(proto.EventNewNotification, map[string]any{
		"notification": Notification{ID: "n1", Type: TypeMessage, Title: "from push again"},
	})
	require.Equal(t, []string{"n1"}, ids(f.e.Notifications()))

	require.NoError(t, f.e.Fetch(context.Background(), true))
	got := f.e.Notifications()
	require.Equal(t, []string{"n1", "n2"}, ids(got))
	require.Equal(t, "from server", got[0].Title)
}

func TestPushPrependsNewest(t *testing.T) {
	f := newFixture(t, "user", makeItems(2)...)
	require.NoError(t, f.e.Fetch(context.Background(), true))

	f.tr.push(proto.EventNewNotification, map[string]any{
		"notification": map[string]any{"_id": "n9", "type": TypeMessage, "title": "hi"},
	})
	require.Equal(t, []string{"n9", "n1", "n2"}, ids(f.e.Notifications()))
	require.Equal(t, 3, f.e.UnreadCount())
}

func TestMarkAsReadSurvivesServerFailure(t *testing.T) {
	f := newFixture(t, "user", makeItems(3)...)
	require.NoError(t, f.e.Fetch(context.Background(), true))
	f.be.set(func(b *backend) { b.failMark = true })

	f.e.MarkAsRead(context.Background(), "n1")
	require.True(t, f.e.Notifications()[0].IsRead)
	require.Equal(t, 2, f.e.UnreadCount())
	require.Contains(t, f.tr.emits(), proto.EventMarkNotifRead)

	// Already read: nothing changes.
	f.e.MarkAsRead(context.Background(), "n1")
	f.e.MarkAsRead(context.Background(), "missing")
	require.Equal(t, 2, f.e.UnreadCount())

	// The local flag also wins over a stale server copy.
	require.NoError(t, f.e.Fetch(context.Background(), true))
	require.True(t, f.e.Notifications()[0].IsRead)
	require.Equal(t, 2, f.e.UnreadCount())
}

func TestMarkAllAsRead(t *testing.T) {
	f := newFixture(t, "user", makeItems(4)...)
	require.NoError(t, f.e.Fetch(context.Background(), true))

	f.e.MarkAllAsRead(context.Background())
	require.Zero(t, f.e.UnreadCount())
	for _, n := range f.e.Notifications() {
		require.True(t, n.IsRead)
	}
	require.Empty(t, f.tr.emits())

	// Cache was updated optimistically too.
	var cached []Notification
	require.True(t, f.db.LoadNotifications("u1", &cached))
	for _, n := range cached {
		require.True(t, n.IsRead)
	}
}

func TestDeleteFailureResyncsFromServer(t *testing.T) {
	f := newFixture(t, "user", makeItems(3)...)
	require.NoError(t, f.e.Fetch(context.Background(), true))
	f.be.set(func(b *backend) { b.failDelete["n2"] = true })

	err := f.e.Delete(context.Background(), "n2")
	require.Error(t, err)
	require.True(t, IsAPIError(err))
	require.Equal(t, []string{"n1", "n2", "n3"}, ids(f.e.Notifications()))
	require.Equal(t, 2, f.be.listCalls())
}

func TestDeleteRemovesLocallyAndOnServer(t *testing.T) {
	f := newFixture(t, "user", makeItems(3)...)
	require.NoError(t, f.e.Fetch(context.Background(), true))

	require.NoError(t, f.e.Delete(context.Background(), "n2"))
	require.Equal(t, []string{"n1", "n3"}, ids(f.e.Notifications()))
	require.Equal(t, 2, f.e.UnreadCount())
	require.Equal(t, 1, f.be.listCalls())
}

func TestDeleteAllReadReportsCounts(t *testing.T) {
	items := makeItems(3)
	items[0].IsRead = true
	items[1].IsRead = true
	f := newFixture(t, "user", items...)
	require.NoError(t, f.e.Fetch(context.Background(), true))
	f.be.set(func(b *backend) { b.failDelete["n2"] = true })

	res := f.e.DeleteAllRead(context.Background())
	require.Equal(t, DeleteResult{Succeeded: 1, Failed: 1}, res)
	require.Equal(t, []string{"n2", "n3"}, ids(f.e.Notifications()))
	require.Equal(t, 2, f.be.listCalls())
}

func TestRoleFilteredView(t *testing.T) {
	items := []Notification{
		{ID: "a", Type: TypeAppointment},
		{ID: "b", Type: TypeSystem, Metadata: map[string]any{"category": "availability"}},
		{ID: "c", Type: TypeSystem, Metadata: map[string]any{"kind": "Booking"}},
		{ID: "d", Type: TypeConversation},
	}
	f := newFixture(t, "psychologist", items...)
	require.NoError(t, f.e.Fetch(context.Background(), true))

	got := f.e.Notifications()
	require.Equal(t, []string{"a", "c", "d"}, ids(got))
	for _, n := range got {
		require.True(t, len(n.VisibleTo) == 0 || slices.Contains(n.VisibleTo, "psychologist"))
	}
	require.Equal(t, 3, f.e.UnreadCount())

	// The hidden item does not toast or count when pushed either.
	f.tr.push(proto.EventNewNotification, map[string]any{
		"notification": Notification{ID: "e", Type: TypeSystem, Metadata: map[string]any{"category": "payment"}},
	})
	f.tr.push(proto.EventNewNotification, map[string]any{
		"notification": Notification{ID: "f", Type: TypeSystem, Metadata: map[string]any{"category": "availability"}},
	})
	require.Equal(t, 4, f.e.UnreadCount())
	require.Equal(t, []string{"e", "a", "c", "d"}, ids(f.e.Notifications()))
	require.Len(t, f.toasts.Recent(), 1)
}

func TestFallbackToSocketThenCache(t *testing.T) {
	f := newFixture(t, "user", makeItems(2)...)
	ctx := context.Background()
	require.NoError(t, f.e.Fetch(ctx, true))

	f.be.set(func(b *backend) { b.failList = true })
	f.tr.reply(map[string]any{
		"success": true,
		"data": map[string]any{
			"notifications": []Notification{{ID: "s1", Type: TypeSystem}},
			"pagination":    Pagination{Limit: 20, HasMore: false},
		},
	})
	require.NoError(t, f.e.Fetch(ctx, true))
	require.Equal(t, []string{"s1"}, ids(f.e.Notifications()))
	require.Equal(t, SourceSocket, f.e.View().Source)

	f.tr.mu.Lock()
	f.tr.request = nil
	f.tr.mu.Unlock()
	require.NoError(t, f.e.Fetch(ctx, true))
	require.Equal(t, []string{"s1"}, ids(f.e.Notifications()))
	require.Equal(t, SourceCache, f.e.View().Source)

	// A continuation cannot be served from cache.
	require.Error(t, f.e.Fetch(ctx, false))
}

func TestFetchFailsWithoutAnySource(t *testing.T) {
	f := newFixture(t, "user")
	f.be.set(func(b *backend) { b.failList = true })

	err := f.e.Fetch(context.Background(), true)
	require.ErrorIs(t, err, transport.ErrNotConnected)
	require.Empty(t, f.e.Notifications())
}

func TestCountOnlyPushAndRefreshPush(t *testing.T) {
	f := newFixture(t, "user", makeItems(2)...)

	f.tr.push(proto.EventNewNotification, map[string]any{"unreadCount": 7})
	require.Equal(t, 7, f.e.UnreadCount())

	f.tr.push(proto.EventNewNotification, map[string]any{})
	require.Eventually(t, func() bool { return len(f.e.Notifications()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, f.e.UnreadCount())
}

func TestToastsRespectPanelAndRole(t *testing.T) {
	f := newFixture(t, "psychologist", makeItems(1)...)

	f.e.SetPanelOpen(true)
	f.tr.push(proto.EventNewNotification, map[string]any{"notification": Notification{ID: "x1", Type: TypeMessage}})
	require.Empty(t, f.toasts.Recent())

	f.e.SetPanelOpen(false)
	f.tr.push(proto.EventNewNotification, map[string]any{"notification": Notification{ID: "x2", Type: TypeMessage, Title: "hello"}})
	require.Len(t, f.toasts.Recent(), 1)
	require.Equal(t, "hello", f.toasts.Recent()[0].Title)

	// Availability updates are not for psychologists; appointments are.
	f.tr.push(proto.EventAvailabilityUpdated, map[string]any{"message": "slots changed"})
	require.Len(t, f.toasts.Recent(), 1)
	f.tr.push(proto.EventAppointmentNotif, map[string]any{"title": "Booked"})
	require.Len(t, f.toasts.Recent(), 2)

	require.Eventually(t, func() bool { return f.be.listCalls() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestRefreshPushWithUndecodablePayload(t *testing.T) {
	f := newFixture(t, "user", makeItems(1)...)

	f.tr.push(proto.EventAppointmentNotif, json.RawMessage(`["not","an","object"]`))

	recent := f.toasts.Recent()
	require.Len(t, recent, 1)
	require.Equal(t, "Appointment update", recent[0].Title)
	require.Empty(t, recent[0].Message)
	require.Eventually(t, func() bool { return f.be.listCalls() >= 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestUnreadCountOnConnect(t *testing.T) {
	f := newFixture(t, "user")
	f.tr.reply(proto.NotifCountResponse{UnreadCount: 4})

	require.Len(t, f.tr.connect, 1)
	f.tr.connect[0](context.Background())
	require.Equal(t, 4, f.e.UnreadCount())
}

func TestSubscribersSeeChanges(t *testing.T) {
	f := newFixture(t, "user", makeItems(1)...)
	ch, cancel := f.e.Subscribe()
	defer cancel()

	require.NoError(t, f.e.Fetch(context.Background(), true))
	evt := <-ch
	require.Equal(t, "reset", evt.Type)
	require.Equal(t, 1, evt.Unread)

	f.e.MarkAsRead(context.Background(), "n1")
	evt = <-ch
	require.Equal(t, "read", evt.Type)
	require.Zero(t, evt.Unread)
}

func TestUnwrapEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		want    string
		wantErr string
	}{
		{"IsSuccess with Result", `{"IsSuccess":true,"Result":{"a":1}}`, 200, `{"a":1}`, ""},
		{"success with data", `{"success":true,"data":[1]}`, 200, `[1]`, ""},
		{"bare payload", `{"notifications":[]}`, 200, `{"notifications":[]}`, ""},
		{"failure messages", `{"IsSuccess":false,"ErrorMessage":[{"message":"a"},{"message":"b"}]}`, 200, "", "api: a; b"},
		{"http error with message", `{"success":false,"message":"nope"}`, 500, "", "api 500: nope"},
		{"http error no body", ``, 502, "", "api 502: request failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := unwrap([]byte(tt.body), tt.status)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				var apiErr *APIError
				require.True(t, errors.As(err, &apiErr))
				return
			}
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(got))
		})
	}
}
