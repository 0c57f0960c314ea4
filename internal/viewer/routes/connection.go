package routes

import (
	"net/http"

	"github.com/gorilla/mux"
)

func registerConnection(r *mux.Router, conn Connection) {
	handleGet(r, "/api/connection", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, conn.Status())
	})

	handlePost(r, "/api/connection/reconnect", func(w http.ResponseWriter, _ *http.Request, _ empty) {
		conn.ForceReconnect()
		writeJSON(w, conn.Status())
	})

	// The shell reports OS network changes here.
	handlePost(r, "/api/connection/network", func(w http.ResponseWriter, _ *http.Request, req struct {
		Online bool `json:"online"`
	}) {
		conn.SetNetworkOnline(req.Online)
		writeJSON(w, conn.Status())
	})
}
