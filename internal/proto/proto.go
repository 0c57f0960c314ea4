// Package proto holds the realtime event names and payload shapes shared by
// the transport, presence, notify and call packages.
package proto

import (
	"encoding/json"
	"time"
)

// Emitted by the client.
const (
	EventUserLogin         = "user_login"
	EventUserLogout        = "user_logout"
	EventPing              = "ping"
	EventPingQuality       = "ping_quality"
	EventGetOnlineUsers    = "get_online_users"
	EventGetActivePeers    = "get_active_peers"
	EventGetNotifCount     = "get_notification_count"
	EventGetNotifications  = "get_notifications"
	EventMarkNotifRead     = "mark_notification_read"
	EventMarkAllNotifsRead = "mark_all_notifications_read"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
)

// Pushed by the server.
const (
	EventPong                = "pong"
	EventPingQualityResponse = "ping_quality_response"
	EventUsersUpdate         = "users_update"
	EventActivePeers         = "active_peers"
	EventNewNotification     = "new_notification"
	EventAppointmentNotif    = "appointment_notification"
	EventAvailabilityUpdated = "availability_updated"
	EventConnectError        = "connect_error"
)

// Both directions.
const EventWebRTCSignal = "webrtc_signal"

// Disconnect reasons, named after the server's own vocabulary.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

type DeviceInfo struct {
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	Hostname  string `json:"hostname,omitempty"`
	UserAgent string `json:"userAgent"`
	Viewport  string `json:"viewport,omitempty"`
}

type LoginMsg struct {
	UserID     string     `json:"userId"`
	Role       string     `json:"role"`
	FirstName  string     `json:"firstName,omitempty"`
	LastName   string     `json:"lastName,omitempty"`
	Email      string     `json:"email,omitempty"`
	SessionID  string     `json:"sessionId"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

type LogoutMsg struct {
	UserID string `json:"userId"`
}

type PingMsg struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
	PingID    int64  `json:"pingId"`
	SessionID string `json:"sessionId"`
}

type PongMsg struct {
	PingID    int64 `json:"pingId"`
	Timestamp int64 `json:"timestamp"`
}

type QualityProbeMsg struct {
	Timestamp int64  `json:"timestamp"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

type QualityResponseMsg struct {
	Timestamp int64 `json:"timestamp"`
}

// PresenceEntry is one online peer in a users_update snapshot.
type PresenceEntry struct {
	UserID    string `json:"userId"`
	SocketID  string `json:"socketId"`
	Role      string `json:"role,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

type RoomMsg struct {
	RoomID string `json:"roomId"`
}

type NotifCountRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type NotifCountResponse struct {
	UnreadCount int `json:"unreadCount"`
}

type NotifListRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Limit  int    `json:"limit"`
	Skip   int    `json:"skip"`
}

// NewNotificationMsg carries either a full notification, a bare unread count,
// or neither (meaning "refresh").
type NewNotificationMsg struct {
	Notification json.RawMessage `json:"notification,omitempty"`
	UnreadCount  *int            `json:"unreadCount,omitempty"`
}

type MarkReadMsg struct {
	NotificationID string `json:"notificationId"`
	UserID         string `json:"userId"`
}

type MarkAllReadMsg struct {
	UserID string `json:"userId"`
}

type ConnectErrorMsg struct {
	Message string `json:"message"`
}

// Signal types carried in webrtc_signal.
const (
	SignalCallRequest     = "call-request"
	SignalCallAccepted    = "call-accepted"
	SignalCallRejected    = "call-rejected"
	SignalOffer           = "offer"
	SignalAnswer          = "answer"
	SignalICECandidate    = "ice-candidate"
	SignalCallEnded       = "call-ended"
	SignalPeerUnavailable = "peer-unavailable"
	SignalCallError       = "call-error"
)

// Participant identifies one side of a call.
type Participant struct {
	UserID       string `json:"userId"`
	FirstName    string `json:"firstName,omitempty"`
	LastName     string `json:"lastName,omitempty"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// Signal is the webrtc_signal payload. The server relays it unchanged.
type Signal struct {
	Type      string          `json:"type"`
	CallID    string          `json:"callId"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Caller    *Participant    `json:"caller,omitempty"`
	WithVideo bool            `json:"withVideo,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
