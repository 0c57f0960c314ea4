package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/petervdpas/mentality/internal/proto"
)

func registerCall(r *mux.Router, calls Calls) {
	handleGet(r, "/api/call", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, calls.Current())
	})

	handlePost(r, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Receiver  proto.Participant `json:"receiver"`
		WithVideo bool              `json:"withVideo"`
	}) {
		if req.Receiver.UserID == "" {
			http.Error(w, "missing receiver", http.StatusBadRequest)
			return
		}
		s, err := calls.StartCall(r.Context(), req.Receiver, req.WithVideo)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s)
	})

	action := func(path string, fn func(r *http.Request) error) {
		handlePost(r, path, func(w http.ResponseWriter, r *http.Request, _ empty) {
			if err := fn(r); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, calls.Current())
		})
	}
	action("/api/call/accept", func(r *http.Request) error { return calls.Accept(r.Context()) })
	action("/api/call/reject", func(r *http.Request) error { return calls.Reject(r.Context()) })
	action("/api/call/reconnect", func(r *http.Request) error { return calls.Reconnect(r.Context()) })
	action("/api/call/minimize", func(*http.Request) error { return calls.Minimize() })
	action("/api/call/maximize", func(*http.Request) error { return calls.Maximize() })

	handlePost(r, "/api/call/end", func(w http.ResponseWriter, r *http.Request, req struct {
		Reason string `json:"reason"`
	}) {
		if err := calls.EndCall(r.Context(), req.Reason); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, calls.Current())
	})

	toggle := func(path, field string, fn func() (bool, error)) {
		handlePost(r, path, func(w http.ResponseWriter, _ *http.Request, _ empty) {
			on, err := fn()
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]bool{field: on})
		})
	}
	toggle("/api/call/toggle-audio", "muted", calls.ToggleAudio)
	toggle("/api/call/toggle-video", "videoOff", calls.ToggleVideo)
}
