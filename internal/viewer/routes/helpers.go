package routes

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/petervdpas/mentality/internal/call"
	"github.com/petervdpas/mentality/internal/notify"
	"github.com/petervdpas/mentality/internal/transport"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Warnf("request failed: %v", err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrBadState),
		errors.Is(err, notify.ErrNoMoreResults),
		errors.Is(err, notify.ErrLoadInFlight):
		return http.StatusConflict
	case errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, transport.ErrTimeout):
		return http.StatusServiceUnavailable
	case notify.IsAPIError(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// handlePost registers a POST route that decodes its JSON body into T.
// An empty body decodes to the zero value.
func handlePost[T any](r *mux.Router, path string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	r.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		var req T
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		fn(w, r, req)
	}).Methods(http.MethodPost)
}

func handleGet(r *mux.Router, path string, fn http.HandlerFunc) {
	r.HandleFunc(path, fn).Methods(http.MethodGet)
}

func sseHeaders(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return flusher, true
}

func writeEvent(w io.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "event: "+name+"\ndata: "+string(data)+"\n\n")
	return err
}

type empty struct{}
