// Package transport owns the single authenticated realtime socket of a client
// session: handshake, reconnection with backoff, keepalive, link quality,
// room replay and an ordered event bus for the other packages.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jellydator/ttlcache/v3"

	"github.com/petervdpas/mentality/internal/config"
	"github.com/petervdpas/mentality/internal/presence"
	"github.com/petervdpas/mentality/internal/proto"
	"github.com/petervdpas/mentality/internal/toast"
	"github.com/petervdpas/mentality/internal/util"
)

var log = logging.Logger("transport")

var (
	ErrAuth               = errors.New("authentication rejected")
	ErrNotConnected       = errors.New("not connected")
	ErrTimeout            = errors.New("request timed out")
	ErrAlreadyInitialized = errors.New("transport already initialized for another user")
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// toastKey groups all connection banners so a newer one replaces the last.
const toastKey = "transport"

// Internal disconnect reasons, next to the proto.Reason values.
const (
	reasonForce = "forced reconnect"
	reasonAuth  = "auth rejected"
)

type ctrlKind int

const (
	ctrlForce ctrlKind = iota
	ctrlOffline
	ctrlAuth
	ctrlError
)

type Identity struct {
	UserID    string
	Role      string
	FirstName string
	LastName  string
	Email     string
	Token     string
}

type Config struct {
	URL                  string
	BackoffFloor         time.Duration
	BackoffCeiling       time.Duration
	BackoffFactor        float64
	MaxReconnectAttempts int
	FinalRetryDelay      time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	ReadTimeout          time.Duration // silence that counts as a dead socket
	QualityInterval      time.Duration // zero disables the ping_quality probe
	OutageNoticeAfter    time.Duration
	RequestTimeout       time.Duration
	Viewport             string
	UserAgent            string
}

// ConfigFrom converts the file config into manager timings.
func ConfigFrom(socketURL string, t config.Transport) Config {
	ping, pong := util.Millis(t.PingIntervalMs), util.Millis(t.PongTimeoutMs)
	read := util.Millis(t.ReadTimeoutMs)
	if read <= 0 {
		read = DeadSocketAfter(ping, pong)
	}
	return Config{
		URL:                  socketURL,
		BackoffFloor:         util.Millis(t.BackoffFloorMs),
		BackoffCeiling:       util.Millis(t.BackoffCeilingMs),
		BackoffFactor:        t.BackoffFactor,
		MaxReconnectAttempts: t.MaxReconnectAttempts,
		FinalRetryDelay:      util.Millis(t.FinalRetryDelayMs),
		PingInterval:         ping,
		PongTimeout:          pong,
		ReadTimeout:          read,
		QualityInterval:      util.Millis(t.QualityIntervalMs),
		OutageNoticeAfter:    util.Millis(t.OutageNoticeAfterMs),
		RequestTimeout:       util.Millis(t.RequestTimeoutMs),
		Viewport:             t.Viewport,
	}
}

// DeadSocketAfter is the default read deadline: three ping rounds plus the
// pong window. A single missed pong only downgrades quality; the socket is
// dropped once the peer has been silent for several rounds.
func DeadSocketAfter(ping, pong time.Duration) time.Duration {
	return 3*ping + pong
}

// SessionStore persists the per-user transport session id.
type SessionStore interface {
	SessionID(userID string) (string, error)
	ForgetSession(userID string) error
}

// Toaster is the part of toast.Feed the transport uses.
type Toaster interface {
	Show(toast.Toast) string
	DismissKey(key string)
}

// Handler receives the raw data of one event. Handlers run one at a time in
// arrival order and may call Emit and Request.
type Handler func(data json.RawMessage)

type handlerEntry struct {
	id int
	fn Handler
}

type connectEntry struct {
	id int
	fn func(ctx context.Context)
}

// Status is a point-in-time view of the connection.
type Status struct {
	State         State     `json:"state"`
	Quality       Quality   `json:"quality"`
	AvgRTTMs      int64     `json:"avg_rtt_ms"`
	Attempts      int       `json:"reconnect_attempts"`
	BackoffMs     int64     `json:"backoff_ms"`
	Resyncing     bool      `json:"resyncing"`
	NetworkOnline bool      `json:"network_online"`
	UserID        string    `json:"user_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Rooms         []string  `json:"rooms"`
	LastReason    string    `json:"last_disconnect_reason,omitempty"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
}

type Manager struct {
	cfg      Config
	dialer   Dialer
	store    SessionStore
	toasts   Toaster
	presence *presence.Tracker
	quality  *QualityMonitor
	pings    *ttlcache.Cache[int64, time.Time]
	pingSeq  atomic.Int64

	mu            sync.RWMutex
	initialized   bool
	identity      Identity
	sessionID     string
	state         State
	conn          Conn
	attempts      int
	backoff       *Backoff
	rooms         []string
	resyncing     bool
	online        bool
	lostAt        time.Time
	lastReason    string
	connectedAt   time.Time
	cancelSession context.CancelFunc
	done          chan struct{}
	ctrl          chan ctrlKind

	// Pending request acks: frame ID → reply channel.
	ackMu   sync.Mutex
	pending map[string]chan json.RawMessage

	hmu             sync.RWMutex
	handlers        map[string][]handlerEntry
	connectHandlers []connectEntry
	nextHandlerID   int

	listenerMu sync.RWMutex
	listeners  map[chan Status]struct{}

	closeOnce sync.Once
}

// New builds an idle manager. Nothing is dialed until Initialize.
func New(cfg Config, dialer Dialer, store SessionStore, toasts Toaster, tracker *presence.Tracker) *Manager {
	if tracker == nil {
		tracker = presence.NewTracker()
	}
	m := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		store:    store,
		toasts:   toasts,
		presence: tracker,
		quality:  NewQualityMonitor(),
		state:    StateDisconnected,
		online:   true,
		backoff: &Backoff{
			Floor:   cfg.BackoffFloor,
			Ceiling: cfg.BackoffCeiling,
			Factor:  cfg.BackoffFactor,
		},
		pending:   make(map[string]chan json.RawMessage),
		handlers:  make(map[string][]handlerEntry),
		listeners: make(map[chan Status]struct{}),
	}

	m.pings = ttlcache.New[int64, time.Time](
		ttlcache.WithTTL[int64, time.Time](cfg.PongTimeout),
		ttlcache.WithDisableTouchOnHit[int64, time.Time](),
	)
	m.pings.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[int64, time.Time]) {
		if reason == ttlcache.EvictionReasonExpired {
			m.pongMissed(item.Key())
		}
	})
	go m.pings.Start()

	m.On(proto.EventPong, m.handlePong)
	m.On(proto.EventPingQualityResponse, m.handleQualityResponse)
	m.On(proto.EventUsersUpdate, m.handleUsersUpdate)
	m.On(proto.EventConnectError, m.handleConnectError)

	return m
}

// Presence exposes the tracker fed by users_update.
func (m *Manager) Presence() *presence.Tracker { return m.presence }

// Initialize starts the connection for id. Calling it again for the same user
// is a no-op; there is never more than one socket per session.
func (m *Manager) Initialize(ctx context.Context, id Identity) error {
	if strings.TrimSpace(id.UserID) == "" {
		return errors.New("transport: user id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.initialized {
		current := m.identity.UserID
		m.mu.Unlock()
		if current == id.UserID {
			log.Debugf("initialize for %s ignored, already running", id.UserID)
			return nil
		}
		return fmt.Errorf("%w (%s)", ErrAlreadyInitialized, current)
	}

	sid, err := m.store.SessionID(id.UserID)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("session id: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	m.initialized = true
	m.identity = id
	m.sessionID = sid
	m.cancelSession = cancel
	m.done = make(chan struct{})
	m.ctrl = make(chan ctrlKind, 4)
	done, ctrl := m.done, m.ctrl
	m.mu.Unlock()

	log.Infof("initializing session %s for %s (%s)", sid, id.UserID, id.Role)
	go m.supervise(sctx, ctrl, done)
	return nil
}

// supervise dials, serves and reschedules until the session is cancelled.
func (m *Manager) supervise(ctx context.Context, ctrl chan ctrlKind, done chan struct{}) {
	defer close(done)

	var wait <-chan time.Time
	parked := false     // only ForceReconnect wakes us
	retrying := false   // inside the reconnect loop
	finalRetry := false // the one delayed retry after exhaustion

	for {
		if parked || wait != nil {
			select {
			case <-ctx.Done():
				return
			case <-wait:
			case k := <-ctrl:
				if k != ctrlForce {
					continue
				}
				retrying, finalRetry = false, false
			}
			wait, parked = nil, false
		}

		attempt := 0
		if retrying {
			m.setState(StateReconnecting)
			attempt = m.beginAttempt()
			if attempt == 1 {
				m.toasts.Show(toast.Toast{
					Key:         toastKey,
					Level:       toast.LevelWarning,
					Title:       "Connection lost",
					Message:     "Trying to reconnect...",
					Dismissable: true,
				})
			}
		} else {
			m.setState(StateConnecting)
		}

		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrAuth) {
				m.authFailed(err)
				parked = true
				continue
			}
			log.Warnf("connect failed (attempt %d): %v", attempt, err)

			if finalRetry {
				log.Warnf("final retry failed, giving up until a manual reconnect")
				m.setState(StateFailed)
				finalRetry, retrying = false, false
				parked = true
				continue
			}
			if retrying && attempt >= m.cfg.MaxReconnectAttempts {
				m.exhausted()
				wait = time.After(m.cfg.FinalRetryDelay)
				finalRetry, retrying = true, false
				continue
			}
			retrying = true
			m.setState(StateReconnecting)
			wait = time.After(m.nextBackoff())
			continue
		}

		finalRetry = false
		reason := m.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		switch reason {
		case reasonForce:
			retrying = false
		case reasonAuth:
			m.authFailed(ErrAuth)
			retrying = false
			parked = true
		case proto.ReasonClientDisconnect:
			m.setState(StateDisconnected)
			retrying = false
			parked = true
		default:
			log.Infof("disconnected: %s", reason)
			retrying = true
			m.setState(StateReconnecting)
			wait = time.After(m.nextBackoff())
		}
	}
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	m.mu.RLock()
	token := m.identity.Token
	m.mu.RUnlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return m.dialer.Dial(ctx, m.cfg.URL, header)
}

// serve runs one live connection and returns why it ended.
func (m *Manager) serve(ctx context.Context, conn Conn) string {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dropped := make(chan string, 1)
	events := make(chan Frame, 256)
	go m.readLoop(conn, events, dropped)
	go m.dispatch(events)

	if err := m.connected(connCtx, conn); err != nil {
		log.Warnf("connect sequence failed: %v", err)
		m.disconnected(conn, proto.ReasonTransportError)
		return proto.ReasonTransportError
	}

	ping := time.NewTicker(m.cfg.PingInterval)
	defer ping.Stop()

	var probe <-chan time.Time
	if m.cfg.QualityInterval > 0 {
		t := time.NewTicker(m.cfg.QualityInterval)
		defer t.Stop()
		probe = t.C
	}

	m.mu.RLock()
	ctrl := m.ctrl
	m.mu.RUnlock()

	var reason string
loop:
	for {
		select {
		case <-ctx.Done():
			reason = proto.ReasonClientDisconnect
			break loop
		case reason = <-dropped:
			break loop
		case <-ping.C:
			m.sendPing()
		case <-probe:
			m.sendQualityProbe()
		case k := <-ctrl:
			switch k {
			case ctrlForce:
				reason = reasonForce
			case ctrlOffline:
				reason = proto.ReasonTransportClose
			case ctrlAuth:
				reason = reasonAuth
			default:
				reason = proto.ReasonTransportError
			}
			break loop
		}
	}

	m.disconnected(conn, reason)
	return reason
}

// connected runs the connect sequence: handshake, state reset, room replay,
// presence request, then the registered connect handlers.
func (m *Manager) connected(ctx context.Context, conn Conn) error {
	m.mu.RLock()
	id, sid := m.identity, m.sessionID
	m.mu.RUnlock()

	if err := m.write(conn, proto.EventUserLogin, m.loginMsg(id, sid)); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	m.mu.Lock()
	outage := !m.lostAt.IsZero() && time.Since(m.lostAt) > m.cfg.OutageNoticeAfter
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.backoff.Reset()
	m.lostAt = time.Time{}
	m.resyncing = true
	m.connectedAt = time.Now()
	rooms := slices.Clone(m.rooms)
	m.mu.Unlock()

	m.quality.Reset()
	m.toasts.DismissKey(toastKey)
	if outage {
		m.toasts.Show(toast.Toast{
			Key:         toastKey,
			Level:       toast.LevelSuccess,
			Title:       "Connection restored",
			Dismissable: true,
		})
	}
	log.Infof("connected as %s (session %s)", id.UserID, sid)
	m.broadcastStatus()

	for _, room := range rooms {
		if err := m.write(conn, proto.EventJoinConversation, proto.RoomMsg{RoomID: room}); err != nil {
			return fmt.Errorf("rejoin %s: %w", room, err)
		}
	}
	if err := m.write(conn, proto.EventGetOnlineUsers, nil); err != nil {
		return err
	}
	if err := m.write(conn, proto.EventGetActivePeers, nil); err != nil {
		return err
	}

	m.hmu.RLock()
	hs := slices.Clone(m.connectHandlers)
	m.hmu.RUnlock()
	go func() {
		for _, h := range hs {
			if ctx.Err() != nil {
				return
			}
			h.fn(ctx)
		}
	}()
	return nil
}

func (m *Manager) disconnected(conn Conn, reason string) {
	_ = conn.Close()

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.lastReason = reason
	m.resyncing = false
	m.connectedAt = time.Time{}
	if reason != proto.ReasonClientDisconnect && m.lostAt.IsZero() {
		m.lostAt = time.Now()
	}
	m.mu.Unlock()

	m.failPending()
	// Pings from a dead socket can never be answered.
	m.pings.DeleteAll()
	m.broadcastStatus()
}

func (m *Manager) loginMsg(id Identity, sid string) proto.LoginMsg {
	host, _ := os.Hostname()
	ua := m.cfg.UserAgent
	if ua == "" {
		ua = "mentality-client"
	}
	return proto.LoginMsg{
		UserID:    id.UserID,
		Role:      id.Role,
		FirstName: id.FirstName,
		LastName:  id.LastName,
		Email:     id.Email,
		SessionID: sid,
		DeviceInfo: proto.DeviceInfo{
			Platform:  runtime.GOOS,
			Arch:      runtime.GOARCH,
			Hostname:  host,
			UserAgent: ua,
			Viewport:  m.cfg.Viewport,
		},
	}
}

func (m *Manager) readLoop(conn Conn, events chan<- Frame, dropped chan<- string) {
	defer close(events)
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			dropped <- disconnectReason(err)
			return
		}
		if f.Ack {
			m.resolve(f)
			continue
		}
		events <- f
	}
}

func (m *Manager) dispatch(events <-chan Frame) {
	for f := range events {
		m.hmu.RLock()
		hs := slices.Clone(m.handlers[f.Event])
		m.hmu.RUnlock()

		if len(hs) == 0 {
			log.Debugf("unhandled event %s", f.Event)
			continue
		}
		for _, h := range hs {
			h.fn(f.Data)
		}
	}
}

// On registers fn for event. The returned func removes it.
func (m *Manager) On(event string, fn Handler) (cancel func()) {
	m.hmu.Lock()
	m.nextHandlerID++
	id := m.nextHandlerID
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: fn})
	m.hmu.Unlock()

	return func() {
		m.hmu.Lock()
		m.handlers[event] = slices.DeleteFunc(m.handlers[event], func(h handlerEntry) bool { return h.id == id })
		m.hmu.Unlock()
	}
}

// OnConnect registers fn to run after every successful (re)connect. ctx is
// cancelled when that connection goes away.
func (m *Manager) OnConnect(fn func(ctx context.Context)) (cancel func()) {
	m.hmu.Lock()
	m.nextHandlerID++
	id := m.nextHandlerID
	m.connectHandlers = append(m.connectHandlers, connectEntry{id: id, fn: fn})
	m.hmu.Unlock()

	return func() {
		m.hmu.Lock()
		m.connectHandlers = slices.DeleteFunc(m.connectHandlers, func(h connectEntry) bool { return h.id == id })
		m.hmu.Unlock()
	}
}

func (m *Manager) liveConn() Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

func (m *Manager) write(conn Conn, event string, payload any) error {
	f := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", event, err)
		}
		f.Data = data
	}
	return conn.WriteFrame(f)
}

// Emit sends a fire-and-forget event.
func (m *Manager) Emit(event string, payload any) error {
	conn := m.liveConn()
	if conn == nil {
		return fmt.Errorf("%s: %w", event, ErrNotConnected)
	}
	return m.write(conn, event, payload)
}

// Request sends event with an ack id and decodes the reply into out. Without
// a deadline on ctx the configured request timeout applies.
func (m *Manager) Request(ctx context.Context, event string, payload, out any) error {
	conn := m.liveConn()
	if conn == nil {
		return fmt.Errorf("%s: %w", event, ErrNotConnected)
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", event, err)
		}
		data = b
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RequestTimeout)
		defer cancel()
	}

	// Register before writing so a fast ack is not lost.
	id := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	m.ackMu.Lock()
	m.pending[id] = ch
	m.ackMu.Unlock()
	defer func() {
		m.ackMu.Lock()
		delete(m.pending, id)
		m.ackMu.Unlock()
	}()

	if err := conn.WriteFrame(Frame{Event: event, Data: data, ID: id}); err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}

	select {
	case raw, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", event, ErrNotConnected)
		}
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("decode %s reply: %w", event, err)
			}
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", event, ErrTimeout)
		}
		return ctx.Err()
	}
}

func (m *Manager) resolve(f Frame) {
	m.ackMu.Lock()
	ch, ok := m.pending[f.ID]
	delete(m.pending, f.ID)
	m.ackMu.Unlock()
	if !ok {
		log.Debugf("ack %s has no pending request", f.ID)
		return
	}
	ch <- f.Data
}

func (m *Manager) failPending() {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
}

// JoinRoom tracks room for replay after reconnects and joins it now when
// connected.
func (m *Manager) JoinRoom(room string) error {
	m.mu.Lock()
	if !slices.Contains(m.rooms, room) {
		m.rooms = append(m.rooms, room)
	}
	m.mu.Unlock()

	err := m.Emit(proto.EventJoinConversation, proto.RoomMsg{RoomID: room})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (m *Manager) LeaveRoom(room string) error {
	m.mu.Lock()
	m.rooms = slices.DeleteFunc(m.rooms, func(r string) bool { return r == room })
	m.mu.Unlock()

	err := m.Emit(proto.EventLeaveConversation, proto.RoomMsg{RoomID: room})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (m *Manager) Rooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.rooms)
}

func (m *Manager) sendPing() {
	m.mu.RLock()
	uid, sid := m.identity.UserID, m.sessionID
	m.mu.RUnlock()

	id := m.pingSeq.Add(1)
	m.pings.Set(id, time.Now(), ttlcache.DefaultTTL)
	err := m.Emit(proto.EventPing, proto.PingMsg{
		UserID:    uid,
		Timestamp: proto.NowMillis(),
		PingID:    id,
		SessionID: sid,
	})
	if err != nil {
		m.pings.Delete(id)
		log.Debugf("ping %d not sent: %v", id, err)
	}
}

func (m *Manager) sendQualityProbe() {
	m.mu.RLock()
	uid, sid := m.identity.UserID, m.sessionID
	m.mu.RUnlock()

	if err := m.Emit(proto.EventPingQuality, proto.QualityProbeMsg{
		Timestamp: proto.NowMillis(),
		UserID:    uid,
		SessionID: sid,
	}); err != nil {
		log.Debugf("quality probe not sent: %v", err)
	}
}

func (m *Manager) handlePong(data json.RawMessage) {
	var msg proto.PongMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("bad pong: %v", err)
		return
	}
	item, ok := m.pings.GetAndDelete(msg.PingID)
	if !ok {
		return
	}
	m.recordRTT(time.Since(item.Value()))
}

func (m *Manager) handleQualityResponse(data json.RawMessage) {
	var msg proto.QualityResponseMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("bad ping_quality_response: %v", err)
		return
	}
	if msg.Timestamp == 0 {
		return
	}
	m.recordRTT(time.Duration(proto.NowMillis()-msg.Timestamp) * time.Millisecond)
}

func (m *Manager) recordRTT(rtt time.Duration) {
	before := m.quality.Current()
	after := m.quality.Add(rtt)
	if before != after {
		log.Debugf("link quality %s -> %s (rtt %s)", before, after, rtt)
		m.broadcastStatus()
	}
}

// pongMissed degrades quality. A socket that still reports connected is left
// alone; one that does not is redialed immediately.
func (m *Manager) pongMissed(pingID int64) {
	q := m.quality.Downgrade()
	log.Warnf("no pong for ping %d, quality now %s", pingID, q)
	m.broadcastStatus()

	switch m.State() {
	case StateReconnecting, StateDisconnected:
		m.ForceReconnect()
	}
}

func (m *Manager) handleUsersUpdate(data json.RawMessage) {
	var entries []proto.PresenceEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Warnf("bad users_update: %v", err)
		return
	}
	m.presence.Replace(entries)

	m.mu.Lock()
	was := m.resyncing
	m.resyncing = false
	m.mu.Unlock()
	if was {
		log.Debugf("presence snapshot received, resync done")
		m.broadcastStatus()
	}
}

func (m *Manager) handleConnectError(data json.RawMessage) {
	var msg proto.ConnectErrorMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("bad connect_error payload: %v", err)
	}
	if isAuthMessage(msg.Message) {
		log.Warnf("server rejected credentials: %s", msg.Message)
		m.signal(ctrlAuth)
		return
	}
	log.Warnf("connect error: %s", msg.Message)
	m.signal(ctrlError)
}

func isAuthMessage(s string) bool {
	s = strings.ToLower(s)
	for _, w := range []string{"auth", "unauthorized", "forbidden", "token", "jwt"} {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func (m *Manager) signal(k ctrlKind) {
	m.mu.RLock()
	ctrl := m.ctrl
	m.mu.RUnlock()
	if ctrl == nil {
		return
	}
	select {
	case ctrl <- k:
	default:
	}
}

// ForceReconnect drops the current socket (if any) and dials again at once,
// with attempt and backoff counters reset.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.backoff.Reset()
	m.mu.Unlock()

	log.Infof("forced reconnect")
	m.signal(ctrlForce)
}

// SetNetworkOnline feeds the host's network reachability. Going offline forces
// poor quality and drops the socket without waiting for a timeout; coming back
// after a failure redials.
func (m *Manager) SetNetworkOnline(online bool) {
	m.mu.Lock()
	prev := m.online
	m.online = online
	state := m.state
	m.mu.Unlock()

	if prev == online {
		return
	}
	if !online {
		log.Warnf("network offline")
		m.quality.ForcePoor()
		if state == StateConnected {
			m.signal(ctrlOffline)
		}
		m.broadcastStatus()
		return
	}

	log.Infof("network online")
	if state == StateFailed || state == StateReconnecting {
		m.ForceReconnect()
	}
	m.broadcastStatus()
}

// Logout announces the logout, closes the socket and forgets the session.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.RLock()
	initialized := m.initialized
	uid := m.identity.UserID
	m.mu.RUnlock()
	if !initialized {
		return nil
	}

	if err := m.Emit(proto.EventUserLogout, proto.LogoutMsg{UserID: uid}); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Warnf("logout emit: %v", err)
	}
	if err := m.shutdown(ctx); err != nil {
		return err
	}
	if err := m.store.ForgetSession(uid); err != nil {
		log.Warnf("forget session for %s: %v", uid, err)
	}
	log.Infof("logged out %s", uid)
	return nil
}

// Close stops the manager without the logout announcement.
func (m *Manager) Close() error {
	err := m.shutdown(context.Background())
	m.closeOnce.Do(func() {
		m.pings.Stop()

		m.listenerMu.Lock()
		for ch := range m.listeners {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	})
	return err
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.mu.RLock()
	initialized, cancel, done := m.initialized, m.cancelSession, m.done
	m.mu.RUnlock()
	if !initialized {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	m.initialized = false
	m.identity = Identity{}
	m.sessionID = ""
	m.state = StateDisconnected
	m.conn = nil
	m.attempts = 0
	m.backoff.Reset()
	m.rooms = nil
	m.resyncing = false
	m.lostAt = time.Time{}
	m.ctrl = nil
	m.mu.Unlock()

	m.pings.DeleteAll()
	m.quality.Reset()
	m.presence.Clear()
	m.toasts.DismissKey(toastKey)
	m.broadcastStatus()
	return nil
}

func (m *Manager) beginAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	return m.attempts
}

func (m *Manager) nextBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff.Next()
}

func (m *Manager) exhausted() {
	log.Errorf("reconnect attempts exhausted, one more try in %s", m.cfg.FinalRetryDelay)
	m.setState(StateFailed)
	m.toasts.Show(toast.Toast{
		Key:         toastKey,
		Level:       toast.LevelError,
		Title:       "Unable to reach the realtime service",
		Message:     "Live updates are paused. Use reconnect to try again.",
		Persistent:  true,
		Dismissable: true,
	})
}

func (m *Manager) authFailed(err error) {
	log.Errorf("authentication failed: %v", err)
	m.setState(StateFailed)
	m.toasts.Show(toast.Toast{
		Key:         toastKey,
		Level:       toast.LevelError,
		Title:       "Session expired",
		Message:     "Please refresh or sign in again.",
		Persistent:  true,
		Dismissable: true,
	})
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed {
		log.Debugf("state %s", s)
		m.broadcastStatus()
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Quality() Quality { return m.quality.Current() }

// Resyncing is true from each connect until the presence snapshot requested
// by the connect sequence arrives. Events seen meanwhile may be replays.
func (m *Manager) Resyncing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resyncing
}

// IsPeerOnline looks the user up in the latest presence snapshot.
func (m *Manager) IsPeerOnline(userID string) bool {
	return m.presence.IsOnline(userID)
}

func (m *Manager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity.UserID
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	st := Status{
		State:         m.state,
		Attempts:      m.attempts,
		BackoffMs:     m.backoff.Current().Milliseconds(),
		Resyncing:     m.resyncing,
		NetworkOnline: m.online,
		UserID:        m.identity.UserID,
		SessionID:     m.sessionID,
		Rooms:         slices.Clone(m.rooms),
		LastReason:    m.lastReason,
		ConnectedAt:   m.connectedAt,
	}
	m.mu.RUnlock()

	st.Quality = m.quality.Current()
	st.AvgRTTMs = m.quality.Average().Milliseconds()
	if st.Rooms == nil {
		st.Rooms = []string{}
	}
	return st
}

func (m *Manager) Subscribe() (ch chan Status, cancel func()) {
	ch = make(chan Status, 16)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	return ch, func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
}

func (m *Manager) broadcastStatus() {
	st := m.Status()
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for ch := range m.listeners {
		select {
		case ch <- st:
		default:
		}
	}
}
