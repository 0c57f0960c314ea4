package routes

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/petervdpas/mentality/internal/call"
	"github.com/petervdpas/mentality/internal/notify"
	"github.com/petervdpas/mentality/internal/presence"
	"github.com/petervdpas/mentality/internal/toast"
	"github.com/petervdpas/mentality/internal/transport"
)

const keepAlive = 25 * time.Second

// registerEvents serves GET /api/events, one SSE stream carrying every
// component's changes. The first event is a "connected" snapshot.
func registerEvents(r *mux.Router, d Deps) {
	handleGet(r, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := sseHeaders(w)
		if !ok {
			return
		}

		var (
			connCh  chan transport.Status
			presCh  chan presence.Event
			notesCh chan notify.Event
			callCh  chan call.Event
			toastCh chan toast.Event
		)
		snap := map[string]any{}
		if d.Conn != nil {
			ch, cancel := d.Conn.Subscribe()
			defer cancel()
			connCh = ch
			snap["connection"] = d.Conn.Status()
		}
		if d.Presence != nil {
			ch, cancel := d.Presence.Subscribe()
			defer cancel()
			presCh = ch
			snap["online"] = d.Presence.Count()
		}
		if d.Notify != nil {
			ch, cancel := d.Notify.Subscribe()
			defer cancel()
			notesCh = ch
			snap["unread"] = d.Notify.View().UnreadCount
		}
		if d.Calls != nil {
			ch, cancel := d.Calls.Subscribe()
			defer cancel()
			callCh = ch
			snap["call"] = d.Calls.Current()
		}
		if d.Toasts != nil {
			ch, cancel := d.Toasts.Subscribe()
			defer cancel()
			toastCh = ch
			snap["toasts"] = d.Toasts.Active()
		}

		if writeEvent(w, "connected", snap) != nil {
			return
		}
		flusher.Flush()

		ping := time.NewTicker(keepAlive)
		defer ping.Stop()

		for {
			var (
				name string
				v    any
				ok   bool
			)
			select {
			case <-r.Context().Done():
				return
			case <-ping.C:
				if _, err := w.Write([]byte(": ping\n\n")); err != nil {
					return
				}
				flusher.Flush()
				continue
			case v, ok = <-connCh:
				name = "connection"
			case v, ok = <-presCh:
				name = "presence"
			case v, ok = <-notesCh:
				name = "notifications"
			case v, ok = <-callCh:
				name = "call"
			case v, ok = <-toastCh:
				name = "toast"
			}
			if !ok {
				return
			}
			if err := writeEvent(w, name, v); err != nil {
				log.Debugf("events stream closed: %v", err)
				return
			}
			flusher.Flush()
		}
	})
}
