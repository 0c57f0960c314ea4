// Package routes holds the local HTTP API the UI shell talks to.
package routes

import (
	"context"
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/mentality/internal/call"
	"github.com/petervdpas/mentality/internal/notify"
	"github.com/petervdpas/mentality/internal/presence"
	"github.com/petervdpas/mentality/internal/proto"
	"github.com/petervdpas/mentality/internal/toast"
	"github.com/petervdpas/mentality/internal/transport"
)

var log = logging.Logger("viewer")

type Connection interface {
	Status() transport.Status
	ForceReconnect()
	SetNetworkOnline(online bool)
	Subscribe() (chan transport.Status, func())
}

type Notifications interface {
	View() notify.View
	Fetch(ctx context.Context, reset bool) error
	LoadMore(ctx context.Context) error
	MarkAsRead(ctx context.Context, id string)
	MarkAllAsRead(ctx context.Context)
	Delete(ctx context.Context, id string) error
	DeleteAllRead(ctx context.Context) notify.DeleteResult
	SetPanelOpen(open bool)
	Subscribe() (chan notify.Event, func())
}

type Calls interface {
	Current() call.Session
	StartCall(ctx context.Context, to proto.Participant, withVideo bool) (call.Session, error)
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	EndCall(ctx context.Context, reason string) error
	Reconnect(ctx context.Context) error
	Minimize() error
	Maximize() error
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	Subscribe() (chan call.Event, func())
}

type LogSource interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Deps are the components behind the API. Nil members leave their routes
// unregistered.
type Deps struct {
	Conn     Connection
	Presence *presence.Tracker
	Notify   Notifications
	Calls    Calls
	Toasts   *toast.Feed
	Metrics  http.Handler
	Logs     LogSource
}
