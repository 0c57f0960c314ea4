package routes

import (
	"net/http"

	"github.com/gorilla/mux"
)

func registerNotifications(r *mux.Router, n Notifications) {
	handleGet(r, "/api/notifications", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, n.View())
	})

	handlePost(r, "/api/notifications/fetch", func(w http.ResponseWriter, r *http.Request, req struct {
		Reset bool `json:"reset"`
	}) {
		if err := n.Fetch(r.Context(), req.Reset); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, n.View())
	})

	handlePost(r, "/api/notifications/more", func(w http.ResponseWriter, r *http.Request, _ empty) {
		if err := n.LoadMore(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, n.View())
	})

	// Read marks are applied locally even when the server refuses them.
	handlePost(r, "/api/notifications/read", func(w http.ResponseWriter, r *http.Request, req struct {
		ID string `json:"id"`
	}) {
		if req.ID == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		n.MarkAsRead(r.Context(), req.ID)
		writeJSON(w, n.View())
	})

	handlePost(r, "/api/notifications/read-all", func(w http.ResponseWriter, r *http.Request, _ empty) {
		n.MarkAllAsRead(r.Context())
		writeJSON(w, n.View())
	})

	handlePost(r, "/api/notifications/delete-read", func(w http.ResponseWriter, r *http.Request, _ empty) {
		writeJSON(w, n.DeleteAllRead(r.Context()))
	})

	r.HandleFunc("/api/notifications/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := n.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, n.View())
	}).Methods(http.MethodDelete)

	handlePost(r, "/api/notifications/panel", func(w http.ResponseWriter, _ *http.Request, req struct {
		Open bool `json:"open"`
	}) {
		n.SetPanelOpen(req.Open)
		writeJSON(w, n.View())
	})
}
