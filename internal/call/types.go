package call

import (
	"errors"
	"time"

	"github.com/petervdpas/mentality/internal/proto"
	"github.com/petervdpas/mentality/internal/toast"
)

var (
	ErrNoSession      = errors.New("no active call")
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrBadState       = errors.New("operation not allowed in this call state")
	ErrPeerOffline    = errors.New("peer is offline")
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusChecking     Status = "checking"
	StatusOffering     Status = "offering"
	StatusRinging      Status = "ringing"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusWaiting      Status = "waiting"
	StatusEnded        Status = "ended"
	StatusError        Status = "error"
)

// counting reports whether the duration survives a move into s.
func (s Status) counting() bool {
	return s == StatusConnected || s == StatusReconnecting
}

const (
	Outgoing = "outgoing"
	Incoming = "incoming"
)

// Session is a snapshot of the current call.
type Session struct {
	CallID    string            `json:"callId"`
	Direction string            `json:"direction"`
	Initiator proto.Participant `json:"initiator"`
	Receiver  proto.Participant `json:"receiver"`
	Status    Status            `json:"status"`
	WithVideo bool              `json:"withVideo"`

	Muted     bool `json:"muted"`
	VideoOff  bool `json:"videoOff"`
	Minimized bool `json:"minimized"`

	Duration           int           `json:"duration"` // seconds
	Stats              Stats         `json:"stats"`
	Quality            QualityReport `json:"quality"`
	ReconnectSuggested bool          `json:"reconnectSuggested"`

	EndReason string    `json:"endReason,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Peer is the other side of the call.
func (s Session) Peer() proto.Participant {
	if s.Direction == Incoming {
		return s.Initiator
	}
	return s.Receiver
}

// Event is delivered to subscribers. Session is nil once the call is
// released.
type Event struct {
	Type    string   `json:"type"` // status | incoming | duration | stats | released | toggle
	Session *Session `json:"session,omitempty"`
}

// Signaler carries webrtc_signal payloads to and from the peer.
type Signaler interface {
	Send(sig proto.Signal) error
	Subscribe() (ch chan proto.Signal, cancel func())
}

// Registry is the persisted set of call ids known to be over. *storage.DB
// implements it.
type Registry interface {
	MarkCallEnded(callID string, limit int) error
	IsCallEnded(callID string) bool
}

// Peers answers presence questions. *presence.Tracker implements it.
type Peers interface {
	IsOnline(userID string) bool
}

// Resyncer reports whether the connection is replaying state after a
// (re)connect. *transport.Manager implements it.
type Resyncer interface {
	Resyncing() bool
}

type Toaster interface {
	Show(toast.Toast) string
	DismissKey(key string)
}
