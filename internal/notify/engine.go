// Package notify keeps the client's notification feed: one deduplicated,
// role-filtered, paginated list merged from REST pages, socket pushes and the
// local cache, with optimistic read and delete.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/mentality/internal/proto"
	"github.com/petervdpas/mentality/internal/toast"
	"github.com/petervdpas/mentality/internal/transport"
)

var log = logging.Logger("notify")

var (
	ErrNoMoreResults = errors.New("no more notifications")
	ErrLoadInFlight  = errors.New("a page load is already running")
)

const (
	SourceREST   = "rest"
	SourceSocket = "socket"
	SourceCache  = "cache"
)

// API is the REST surface the engine needs. *Client implements it.
type API interface {
	List(ctx context.Context, limit, skip int) (Page, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
}

// Transport is the socket surface the engine needs. *transport.Manager
// implements it.
type Transport interface {
	Emit(event string, payload any) error
	Request(ctx context.Context, event string, payload, out any) error
	On(event string, fn transport.Handler) (cancel func())
	OnConnect(fn func(ctx context.Context)) (cancel func())
}

// Cache persists the last good list. *storage.DB implements it.
type Cache interface {
	SaveNotifications(userID string, items any) error
	LoadNotifications(userID string, out any) bool
}

type Toaster interface {
	Show(toast.Toast) string
}

type Options struct {
	UserID          string
	Role            string
	PageLimit       int
	Rules           Rules
	FallbackTimeout time.Duration // socket fallback for list requests
}

type Engine struct {
	api    API
	tr     Transport
	cache  Cache
	toasts Toaster
	opts   Options

	mu        sync.RWMutex
	items     []Notification // everything ingested, newest first
	unread    int
	skip      int
	hasMore   bool
	loading   bool
	panelOpen bool
	source    string

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}

	unsubs []func()
}

func New(api API, tr Transport, cache Cache, toasts Toaster, opts Options) *Engine {
	if opts.PageLimit <= 0 {
		opts.PageLimit = 20
	}
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = 5 * time.Second
	}
	return &Engine{
		api:       api,
		tr:        tr,
		cache:     cache,
		toasts:    toasts,
		opts:      opts,
		listeners: make(map[chan Event]struct{}),
	}
}

// Start subscribes to the push events and to connect notifications.
func (e *Engine) Start() {
	e.unsubs = append(e.unsubs,
		e.tr.On(proto.EventNewNotification, e.handleNew),
		e.tr.On(proto.EventAppointmentNotif, e.refreshHandler("appointment", "Appointment update")),
		e.tr.On(proto.EventAvailabilityUpdated, e.refreshHandler("availability", "Availability updated")),
		e.tr.OnConnect(func(ctx context.Context) {
			if err := e.RefreshUnreadCount(ctx); err != nil {
				log.Debugf("unread count on connect: %v", err)
			}
		}),
	)
}

func (e *Engine) Stop() {
	for _, fn := range e.unsubs {
		fn()
	}
	e.unsubs = nil

	e.listenerMu.Lock()
	for ch := range e.listeners {
		delete(e.listeners, ch)
		close(ch)
	}
	e.listenerMu.Unlock()
}

// Fetch loads the first page (reset) or the page after the current one.
// REST is tried first, then a socket request, then, for a reset only, the
// local cache.
func (e *Engine) Fetch(ctx context.Context, reset bool) error {
	e.mu.RLock()
	skip := 0
	if !reset {
		skip = e.skip + e.opts.PageLimit
	}
	e.mu.RUnlock()
	return e.fetch(ctx, skip, reset)
}

// LoadMore fetches the next page unless the last page said there is none or
// a load is already running.
func (e *Engine) LoadMore(ctx context.Context) error {
	e.mu.Lock()
	if !e.hasMore {
		e.mu.Unlock()
		return ErrNoMoreResults
	}
	if e.loading {
		e.mu.Unlock()
		return ErrLoadInFlight
	}
	e.loading = true
	skip := e.skip + e.opts.PageLimit
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.loading = false
		e.mu.Unlock()
	}()
	return e.fetch(ctx, skip, false)
}

func (e *Engine) fetch(ctx context.Context, skip int, reset bool) error {
	page, source, err := e.pull(ctx, skip)
	if err != nil {
		if !reset {
			return err
		}
		var cached []Notification
		if !e.cache.LoadNotifications(e.opts.UserID, &cached) {
			return err
		}
		log.Warnf("serving %d cached notifications: %v", len(cached), err)
		page = Page{Notifications: cached, Pagination: &Pagination{Limit: e.opts.PageLimit}}
		source = SourceCache
	}

	hasMore := len(page.Notifications) >= e.opts.PageLimit
	if page.Pagination != nil {
		hasMore = page.Pagination.HasMore
	}

	e.mu.Lock()
	if reset {
		e.items = e.replaceLocked(page.Notifications)
	} else {
		e.appendLocked(page.Notifications)
	}
	e.skip = skip
	e.hasMore = hasMore
	e.source = source
	e.unread = e.countUnreadLocked()
	items := slices.Clone(e.items)
	evt := Event{Type: "page", Unread: e.unread, Total: len(e.visibleLocked())}
	e.mu.Unlock()

	if reset {
		evt.Type = "reset"
	}
	if source != SourceCache {
		e.save(items)
	}
	log.Debugf("fetched %d notifications from %s (skip %d, more %v)", len(page.Notifications), source, skip, hasMore)
	e.broadcast(evt)
	return nil
}

// pull tries REST and then the socket.
func (e *Engine) pull(ctx context.Context, skip int) (Page, string, error) {
	page, restErr := e.api.List(ctx, e.opts.PageLimit, skip)
	if restErr == nil {
		return page, SourceREST, nil
	}
	log.Warnf("list over REST failed, trying socket: %v", restErr)

	rctx, cancel := context.WithTimeout(ctx, e.opts.FallbackTimeout)
	defer cancel()

	var raw json.RawMessage
	err := e.tr.Request(rctx, proto.EventGetNotifications, proto.NotifListRequest{
		UserID: e.opts.UserID,
		Role:   e.opts.Role,
		Limit:  e.opts.PageLimit,
		Skip:   skip,
	}, &raw)
	if err != nil {
		return Page{}, "", fmt.Errorf("list notifications: rest: %v; socket: %w", restErr, err)
	}

	payload, err := unwrap(raw, 200)
	if err != nil {
		return Page{}, "", fmt.Errorf("list notifications over socket: %w", err)
	}
	page = Page{}
	if err := json.Unmarshal(payload, &page); err != nil {
		return Page{}, "", fmt.Errorf("decode socket page: %w", err)
	}
	return page, SourceSocket, nil
}

// replaceLocked builds a new collection from a first page. Read flags already
// set locally survive.
func (e *Engine) replaceLocked(in []Notification) []Notification {
	read := make(map[string]bool, len(e.items))
	for _, n := range e.items {
		if n.IsRead {
			read[n.ID] = true
		}
	}

	out := make([]Notification, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, n := range in {
		if n.ID == "" || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		n.VisibleTo = e.opts.Rules.Tag(n)
		n.IsRead = n.IsRead || read[n.ID]
		out = append(out, n)
	}
	return out
}

// appendLocked merges a continuation page: known ids are updated where they
// are, new ids go to the end.
func (e *Engine) appendLocked(in []Notification) {
	index := make(map[string]int, len(e.items))
	for i, n := range e.items {
		index[n.ID] = i
	}
	for _, n := range in {
		if n.ID == "" {
			continue
		}
		n.VisibleTo = e.opts.Rules.Tag(n)
		if i, ok := index[n.ID]; ok {
			n.IsRead = n.IsRead || e.items[i].IsRead
			e.items[i] = n
			continue
		}
		index[n.ID] = len(e.items)
		e.items = append(e.items, n)
	}
}

func (e *Engine) visibleLocked() []Notification {
	out := make([]Notification, 0, len(e.items))
	for _, n := range e.items {
		if Visible(n, e.opts.Role) {
			out = append(out, n)
		}
	}
	return out
}

func (e *Engine) countUnreadLocked() int {
	c := 0
	for _, n := range e.items {
		if !n.IsRead && Visible(n, e.opts.Role) {
			c++
		}
	}
	return c
}

func (e *Engine) indexLocked(id string) int {
	return slices.IndexFunc(e.items, func(n Notification) bool { return n.ID == id })
}

// MarkAsRead flips id to read locally first. A failed REST call falls back to
// a socket emit; the local state is never rolled back.
func (e *Engine) MarkAsRead(ctx context.Context, id string) {
	e.mu.Lock()
	i := e.indexLocked(id)
	if i < 0 || e.items[i].IsRead {
		e.mu.Unlock()
		return
	}
	e.items[i].IsRead = true
	if Visible(e.items[i], e.opts.Role) && e.unread > 0 {
		e.unread--
	}
	items := slices.Clone(e.items)
	evt := Event{Type: "read", ID: id, Unread: e.unread, Total: len(e.visibleLocked())}
	e.mu.Unlock()

	e.save(items)
	e.broadcast(evt)

	if err := e.api.MarkRead(ctx, id); err != nil {
		log.Warnf("mark %s read over REST failed: %v", id, err)
		if err := e.tr.Emit(proto.EventMarkNotifRead, proto.MarkReadMsg{NotificationID: id, UserID: e.opts.UserID}); err != nil {
			log.Warnf("mark %s read not confirmed: %v", id, err)
		}
	}
}

// MarkAllAsRead follows the same policy as MarkAsRead.
func (e *Engine) MarkAllAsRead(ctx context.Context) {
	e.mu.Lock()
	for i := range e.items {
		e.items[i].IsRead = true
	}
	e.unread = 0
	items := slices.Clone(e.items)
	evt := Event{Type: "read_all", Total: len(e.visibleLocked())}
	e.mu.Unlock()

	e.save(items)
	e.broadcast(evt)

	if err := e.api.MarkAllRead(ctx); err != nil {
		log.Warnf("mark all read over REST failed: %v", err)
		if err := e.tr.Emit(proto.EventMarkAllNotifsRead, proto.MarkAllReadMsg{UserID: e.opts.UserID}); err != nil {
			log.Warnf("mark all read not confirmed: %v", err)
		}
	}
}

// removeLocal drops id from the collection and cache. Reports whether it was
// present.
func (e *Engine) removeLocal(id string) bool {
	e.mu.Lock()
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		return false
	}
	gone := e.items[i]
	e.items = slices.Delete(e.items, i, i+1)
	if !gone.IsRead && Visible(gone, e.opts.Role) && e.unread > 0 {
		e.unread--
	}
	items := slices.Clone(e.items)
	evt := Event{Type: "deleted", ID: id, Unread: e.unread, Total: len(e.visibleLocked())}
	e.mu.Unlock()

	e.save(items)
	e.broadcast(evt)
	return true
}

// Delete removes id locally, then on the server. When the server call fails
// the list is reloaded from the server instead of re-inserting the item.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.removeLocal(id)

	if err := e.api.Delete(ctx, id); err != nil {
		log.Warnf("delete %s failed, resyncing: %v", id, err)
		e.toasts.Show(toast.Toast{
			Level:       toast.LevelError,
			Title:       "Could not delete notification",
			Message:     "The list was reloaded from the server.",
			Dismissable: true,
		})
		if ferr := e.Fetch(ctx, true); ferr != nil {
			log.Warnf("resync after delete: %v", ferr)
		}
		return fmt.Errorf("delete notification %s: %w", id, err)
	}
	return nil
}

// DeleteAllRead deletes every visible read notification one by one and
// resyncs once if any of them failed.
func (e *Engine) DeleteAllRead(ctx context.Context) DeleteResult {
	e.mu.RLock()
	var ids []string
	for _, n := range e.visibleLocked() {
		if n.IsRead {
			ids = append(ids, n.ID)
		}
	}
	e.mu.RUnlock()

	var res DeleteResult
	for _, id := range ids {
		e.removeLocal(id)
		if err := e.api.Delete(ctx, id); err != nil {
			log.Warnf("delete %s failed: %v", id, err)
			res.Failed++
			continue
		}
		res.Succeeded++
	}

	if res.Failed > 0 {
		e.toasts.Show(toast.Toast{
			Level:       toast.LevelWarning,
			Title:       "Some notifications were not deleted",
			Message:     fmt.Sprintf("%d of %d could not be deleted.", res.Failed, len(ids)),
			Dismissable: true,
		})
		if err := e.Fetch(ctx, true); err != nil {
			log.Warnf("resync after bulk delete: %v", err)
		}
	}
	return res
}

// RefreshUnreadCount asks the server for the unread count over the socket.
func (e *Engine) RefreshUnreadCount(ctx context.Context) error {
	var resp proto.NotifCountResponse
	if err := e.tr.Request(ctx, proto.EventGetNotifCount, proto.NotifCountRequest{
		UserID: e.opts.UserID,
		Role:   e.opts.Role,
	}, &resp); err != nil {
		return err
	}
	e.setUnread(resp.UnreadCount)
	return nil
}

func (e *Engine) setUnread(n int) {
	if n < 0 {
		n = 0
	}
	e.mu.Lock()
	e.unread = n
	evt := Event{Type: "count", Unread: n, Total: len(e.visibleLocked())}
	e.mu.Unlock()
	e.broadcast(evt)
}

func (e *Engine) handleNew(data json.RawMessage) {
	var msg proto.NewNotificationMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("bad new_notification: %v", err)
		return
	}

	if len(msg.Notification) > 0 && string(msg.Notification) != "null" {
		var n Notification
		if err := json.Unmarshal(msg.Notification, &n); err != nil {
			log.Warnf("bad pushed notification: %v", err)
			return
		}
		if n.ID != "" {
			e.Ingest(n)
			return
		}
	}
	if msg.UnreadCount != nil {
		e.setUnread(*msg.UnreadCount)
		return
	}
	go e.backgroundRefresh()
}

// Ingest adds one pushed notification at the head. A known id is updated in
// place instead.
func (e *Engine) Ingest(n Notification) {
	n.VisibleTo = e.opts.Rules.Tag(n)

	e.mu.Lock()
	if i := e.indexLocked(n.ID); i >= 0 {
		n.IsRead = n.IsRead || e.items[i].IsRead
		wasUnread := !e.items[i].IsRead
		e.items[i] = n
		if wasUnread && n.IsRead && Visible(n, e.opts.Role) && e.unread > 0 {
			e.unread--
		}
		items := slices.Clone(e.items)
		evt := Event{Type: "update", ID: n.ID, Unread: e.unread, Total: len(e.visibleLocked())}
		e.mu.Unlock()
		e.save(items)
		e.broadcast(evt)
		return
	}

	e.items = slices.Insert(e.items, 0, n)
	visible := Visible(n, e.opts.Role)
	if visible && !n.IsRead {
		e.unread++
	}
	showToast := visible && !e.panelOpen
	items := slices.Clone(e.items)
	evt := Event{Type: "new", ID: n.ID, Unread: e.unread, Total: len(e.visibleLocked())}
	e.mu.Unlock()

	e.save(items)
	e.broadcast(evt)
	if showToast {
		e.toasts.Show(toast.Toast{
			Level:       toast.LevelInfo,
			Title:       n.Title,
			Message:     n.Content,
			Dismissable: true,
		})
	}
}

type refreshMsg struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Content string `json:"content"`
}

// refreshHandler reloads the list and toasts for events that only say
// "something changed".
func (e *Engine) refreshHandler(category, fallbackTitle string) transport.Handler {
	return func(data json.RawMessage) {
		var msg refreshMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warnf("bad %s payload: %v", category, err)
			msg = refreshMsg{}
		}

		go e.backgroundRefresh()

		tagged := Notification{VisibleTo: e.opts.Rules.TagCategory(category)}
		e.mu.RLock()
		open := e.panelOpen
		e.mu.RUnlock()
		if open || !Visible(tagged, e.opts.Role) {
			return
		}

		title := msg.Title
		if title == "" {
			title = fallbackTitle
		}
		body := msg.Message
		if body == "" {
			body = msg.Content
		}
		e.toasts.Show(toast.Toast{Level: toast.LevelInfo, Title: title, Message: body, Dismissable: true})
	}
}

func (e *Engine) backgroundRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*e.opts.FallbackTimeout)
	defer cancel()
	if err := e.Fetch(ctx, true); err != nil {
		log.Warnf("refresh after push: %v", err)
	}
}

func (e *Engine) save(items []Notification) {
	if err := e.cache.SaveNotifications(e.opts.UserID, items); err != nil {
		log.Warnf("cache write: %v", err)
	}
}

func (e *Engine) SetPanelOpen(open bool) {
	e.mu.Lock()
	e.panelOpen = open
	e.mu.Unlock()
}

// Notifications returns the role-filtered list, newest first.
func (e *Engine) Notifications() []Notification {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.visibleLocked()
}

func (e *Engine) UnreadCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.unread
}

func (e *Engine) Pagination() Pagination {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Pagination{Limit: e.opts.PageLimit, Skip: e.skip, HasMore: e.hasMore}
}

func (e *Engine) View() View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return View{
		Notifications: e.visibleLocked(),
		UnreadCount:   e.unread,
		Pagination:    Pagination{Limit: e.opts.PageLimit, Skip: e.skip, HasMore: e.hasMore},
		PanelOpen:     e.panelOpen,
		Loading:       e.loading,
		Source:        e.source,
	}
}

func (e *Engine) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 32)
	e.listenerMu.Lock()
	e.listeners[ch] = struct{}{}
	e.listenerMu.Unlock()

	return ch, func() {
		e.listenerMu.Lock()
		if _, ok := e.listeners[ch]; ok {
			delete(e.listeners, ch)
			close(ch)
		}
		e.listenerMu.Unlock()
	}
}

func (e *Engine) broadcast(evt Event) {
	e.listenerMu.RLock()
	defer e.listenerMu.RUnlock()
	for ch := range e.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
