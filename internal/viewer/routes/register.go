package routes

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Register mounts every API route whose component is present.
func Register(r *mux.Router, d Deps) {
	if d.Conn != nil {
		registerConnection(r, d.Conn)
	}
	if d.Presence != nil {
		handleGet(r, "/api/presence", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, map[string]any{
				"online":    d.Presence.Count(),
				"entries":   d.Presence.Snapshot(),
				"updatedAt": d.Presence.UpdatedAt(),
			})
		})
	}
	if d.Notify != nil {
		registerNotifications(r, d.Notify)
	}
	if d.Calls != nil {
		registerCall(r, d.Calls)
	}
	if d.Toasts != nil {
		registerToasts(r, d.Toasts)
	}
	registerEvents(r, d)

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}
	if d.Logs != nil {
		handleGet(r, "/api/logs", d.Logs.ServeLogsJSON)
		handleGet(r, "/api/logs/stream", d.Logs.ServeLogsSSE)
	}
}
