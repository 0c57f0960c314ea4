package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/petervdpas/mentality/internal/toast"
)

func registerToasts(r *mux.Router, feed *toast.Feed) {
	handleGet(r, "/api/toasts", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"active": feed.Active(),
			"recent": feed.Recent(),
		})
	})

	handlePost(r, "/api/toasts/{id}/dismiss", func(w http.ResponseWriter, r *http.Request, _ empty) {
		if !feed.Dismiss(mux.Vars(r)["id"]) {
			http.Error(w, "unknown toast", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"dismissed": true})
	})
}
