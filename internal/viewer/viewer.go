// Package viewer serves the local HTTP API and event stream the UI shell
// renders from.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/mentality/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	Deps  routes.Deps
	Debug bool // log every request
}

// Handler builds the router with recovery and no-cache middleware.
func (v Viewer) Handler() http.Handler {
	r := mux.NewRouter().StrictSlash(true)
	r.Use(noCache)
	routes.Register(r, v.Deps)

	var h http.Handler = r
	if v.Debug {
		h = handlers.LoggingHandler(accessLog{}, h)
	}
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLog{}),
		handlers.PrintRecoveryStack(v.Debug),
	)(h)
}

// Start listens on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, v)
}

func Serve(ctx context.Context, ln net.Listener, v Viewer) error {
	srv := &http.Server{
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("viewer listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type accessLog struct{}

func (accessLog) Write(p []byte) (int, error) {
	log.Debug(strings.TrimSpace(string(p)))
	return len(p), nil
}

type recoveryLog struct{}

func (recoveryLog) Println(args ...any) {
	log.Error(args...)
}
