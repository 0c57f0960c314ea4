// Package call runs the client's single audio/video call: signaling over the
// realtime connection, the Pion media link, duration and quality tracking,
// and the persisted registry of ended calls.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/mentality/internal/proto"
	"github.com/petervdpas/mentality/internal/toast"
)

var log = logging.Logger("call")

const toastKey = "call"

type Options struct {
	Self          proto.Participant
	CloseDelay    time.Duration // ended session stays visible this long
	TickInterval  time.Duration // duration counter resolution
	StatsInterval time.Duration
	RegistrySize  int
}

// session is the mutable state behind a Session snapshot.
type session struct {
	view  Session
	peer  string
	media Media

	negotiated bool // media link was created at least once
	endedByMe  bool
	release    *time.Timer
}

// Manager owns the current call and routes signaling to it.
type Manager struct {
	sig      Signaler
	peers    Peers
	resync   Resyncer
	registry Registry
	toasts   Toaster
	newMedia MediaFactory
	opts     Options

	mu      sync.Mutex
	cur     *session
	pending []Event

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Manager and starts listening for signals and ticking
// immediately.
func New(sig Signaler, peers Peers, resync Resyncer, registry Registry, toasts Toaster, media MediaFactory, opts Options) *Manager {
	if opts.CloseDelay < 0 {
		opts.CloseDelay = 0
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 2 * time.Second
	}
	if opts.RegistrySize <= 0 {
		opts.RegistrySize = 200
	}
	m := &Manager{
		sig:       sig,
		peers:     peers,
		resync:    resync,
		registry:  registry,
		toasts:    toasts,
		newMedia:  media,
		opts:      opts,
		listeners: make(map[chan Event]struct{}),
		done:      make(chan struct{}),
	}
	m.wg.Add(2)
	go m.dispatchLoop()
	go m.tickLoop()
	return m
}

// Close hangs up the current call and stops the loops.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if err := m.EndCall(context.Background(), "shutdown"); err != nil && !errors.Is(err, ErrNoSession) {
			log.Warnf("end call on close: %v", err)
		}
		close(m.done)
		m.wg.Wait()

		m.mu.Lock()
		if m.cur != nil && m.cur.release != nil {
			m.cur.release.Stop()
		}
		m.cur = nil
		m.mu.Unlock()

		m.listenerMu.Lock()
		for ch := range m.listeners {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	})
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	ch, cancel := m.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			m.HandleSignal(sig)
		}
	}
}

func (m *Manager) tickLoop() {
	defer m.wg.Done()
	tick := time.NewTicker(m.opts.TickInterval)
	defer tick.Stop()
	stats := time.NewTicker(m.opts.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-tick.C:
			m.tick()
		case <-stats.C:
			m.sampleStats()
		}
	}
}

// ── state helpers ───────────────────────────────────────────────────────────

// unlock releases mu and then delivers the events queued while it was held.
func (m *Manager) unlock() {
	evts := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, evt := range evts {
		m.broadcast(evt)
	}
}

func (m *Manager) queueLocked(typ string, s *session) {
	evt := Event{Type: typ}
	if s != nil {
		v := s.view
		evt.Session = &v
	}
	m.pending = append(m.pending, evt)
}

func (m *Manager) setStatusLocked(s *session, st Status) {
	if s.view.Status == st {
		return
	}
	log.Infof("[%s] %s -> %s", s.view.CallID, s.view.Status, st)
	s.view.Status = st
	if !st.counting() {
		s.view.Duration = 0
	}
	if st != StatusConnected {
		s.view.ReconnectSuggested = false
	}
	m.queueLocked("status", s)
}

// activeLocked returns the current session if it carries callID.
func (m *Manager) activeLocked(callID string) *session {
	if m.cur == nil || m.cur.view.CallID != callID {
		return nil
	}
	return m.cur
}

// busyLocked reports whether a call that has not ended is present.
func (m *Manager) busyLocked() bool {
	return m.cur != nil && m.cur.view.Status != StatusEnded
}

func (m *Manager) send(s *session, sig proto.Signal) error {
	sig.CallID = s.view.CallID
	sig.From = m.opts.Self.UserID
	sig.To = s.peer
	if err := m.sig.Send(sig); err != nil {
		return fmt.Errorf("send %s: %w", sig.Type, err)
	}
	return nil
}

func (m *Manager) record(callID string) {
	if err := m.registry.MarkCallEnded(callID, m.opts.RegistrySize); err != nil {
		log.Warnf("[%s] record ended: %v", callID, err)
	}
}

func displayName(p proto.Participant) string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return "The other participant"
	}
	return name
}

// ── outgoing ────────────────────────────────────────────────────────────────

// StartCall calls to. The peer's presence is checked first; an offline peer
// leaves the call waiting until they come back.
func (m *Manager) StartCall(ctx context.Context, to proto.Participant, withVideo bool) (Session, error) {
	if to.UserID == "" {
		return Session{}, errors.New("start call: receiver user id required")
	}
	if to.UserID == m.opts.Self.UserID {
		return Session{}, errors.New("start call: cannot call yourself")
	}

	m.mu.Lock()
	if m.busyLocked() {
		m.mu.Unlock()
		return Session{}, ErrCallInProgress
	}
	m.dropEndedLocked()

	s := &session{
		view: Session{
			CallID:    uuid.NewString(),
			Direction: Outgoing,
			Initiator: m.opts.Self,
			Receiver:  to,
			Status:    StatusIdle,
			WithVideo: withVideo,
			StartedAt: time.Now(),
		},
		peer: to.UserID,
	}
	m.cur = s
	m.setStatusLocked(s, StatusChecking)

	if !m.peers.IsOnline(to.UserID) {
		m.setStatusLocked(s, StatusWaiting)
		view := s.view
		m.unlock()
		m.toasts.Show(toast.Toast{
			Key:         toastKey,
			Level:       toast.LevelInfo,
			Title:       displayName(to) + " is not online",
			Message:     "The call will ring as soon as they come back.",
			Dismissable: true,
		})
		return view, nil
	}

	m.setStatusLocked(s, StatusOffering)
	view := s.view
	m.unlock()

	if err := m.sendRequest(s); err != nil {
		m.fail(s.view.CallID, err)
		return m.Current(), err
	}
	return view, nil
}

func (m *Manager) sendRequest(s *session) error {
	m.mu.Lock()
	self := m.opts.Self
	withVideo := s.view.WithVideo
	m.mu.Unlock()
	return m.send(s, proto.Signal{Type: proto.SignalCallRequest, Caller: &self, WithVideo: withVideo})
}

// PeersChanged moves a waiting call to offering once the peer is back. The
// app calls it on every presence snapshot.
func (m *Manager) PeersChanged() {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.view.Status != StatusWaiting || s.view.Direction != Outgoing || !m.peers.IsOnline(s.peer) {
		m.mu.Unlock()
		return
	}
	m.setStatusLocked(s, StatusOffering)
	m.unlock()

	m.toasts.DismissKey(toastKey)
	if err := m.sendRequest(s); err != nil {
		m.fail(s.view.CallID, err)
	}
}

// ── incoming ────────────────────────────────────────────────────────────────

// Accept answers the ringing call.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	s := m.cur
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if s.view.Status != StatusRinging {
		st := s.view.Status
		m.mu.Unlock()
		return fmt.Errorf("accept in %s: %w", st, ErrBadState)
	}
	m.setStatusLocked(s, StatusConnecting)
	m.unlock()

	m.toasts.DismissKey(toastKey)
	if _, err := m.openMedia(s); err != nil {
		return err
	}
	if err := m.send(s, proto.Signal{Type: proto.SignalCallAccepted}); err != nil {
		m.fail(s.view.CallID, err)
		return err
	}
	return nil
}

// Reject declines the ringing call.
func (m *Manager) Reject(ctx context.Context) error {
	m.mu.Lock()
	s := m.cur
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if s.view.Status != StatusRinging {
		st := s.view.Status
		m.mu.Unlock()
		return fmt.Errorf("reject in %s: %w", st, ErrBadState)
	}
	s.endedByMe = true
	media := m.endLocked(s, "rejected")
	m.unlock()

	m.toasts.DismissKey(toastKey)
	if err := m.send(s, proto.Signal{Type: proto.SignalCallRejected, Reason: "rejected"}); err != nil {
		log.Warnf("[%s] %v", s.view.CallID, err)
	}
	m.finish(s, media)
	return nil
}

// ── ending ──────────────────────────────────────────────────────────────────

// EndCall hangs up from any state. The session stays visible as ended for
// CloseDelay before it is released.
func (m *Manager) EndCall(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "hangup"
	}

	m.mu.Lock()
	s := m.cur
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if s.view.Status == StatusEnded {
		m.mu.Unlock()
		return nil
	}
	s.endedByMe = true
	prev := s.view.Status
	media := m.endLocked(s, reason)
	m.unlock()

	m.toasts.DismissKey(toastKey)
	// The peer has not heard of a call that never left this client.
	if prev != StatusChecking && prev != StatusWaiting {
		if err := m.send(s, proto.Signal{Type: proto.SignalCallEnded, Reason: reason}); err != nil {
			log.Warnf("[%s] %v", s.view.CallID, err)
		}
	}
	m.finish(s, media)
	return nil
}

// endLocked moves s to ended and detaches its media link.
func (m *Manager) endLocked(s *session, reason string) Media {
	if s.view.Status.counting() {
		log.Infof("[%s] ended after %ds: %s", s.view.CallID, s.view.Duration, reason)
	}
	s.view.EndReason = reason
	m.setStatusLocked(s, StatusEnded)
	media := s.media
	s.media = nil
	return media
}

// finish records the call as ended, closes media and schedules the release.
func (m *Manager) finish(s *session, media Media) {
	m.record(s.view.CallID)
	if media != nil {
		if err := media.Close(); err != nil {
			log.Debugf("[%s] close media: %v", s.view.CallID, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != s {
		return
	}
	s.release = time.AfterFunc(m.opts.CloseDelay, func() {
		m.mu.Lock()
		if m.cur == s {
			m.cur = nil
			m.queueLocked("released", nil)
		}
		m.unlock()
	})
}

// dropEndedLocked releases an ended session still waiting for its close
// delay.
func (m *Manager) dropEndedLocked() {
	if m.cur == nil {
		return
	}
	if m.cur.release != nil {
		m.cur.release.Stop()
	}
	m.cur = nil
}

// fail moves the call to error. The link is kept for a retry.
func (m *Manager) fail(callID string, err error) {
	m.mu.Lock()
	s := m.activeLocked(callID)
	if s == nil || s.view.Status == StatusEnded {
		m.mu.Unlock()
		return
	}
	s.view.LastError = err.Error()
	m.setStatusLocked(s, StatusError)
	m.unlock()

	log.Warnf("[%s] call failed: %v", callID, err)
	m.toasts.Show(toast.Toast{
		Key:         toastKey,
		Level:       toast.LevelError,
		Title:       "Call problem",
		Message:     err.Error(),
		Dismissable: true,
	})
}

// ── media ───────────────────────────────────────────────────────────────────

// openMedia creates and wires the media link for s. A failure moves the call
// to error.
func (m *Manager) openMedia(s *session) (Media, error) {
	callID := s.view.CallID
	media, err := m.newMedia(callID, s.view.WithVideo)
	if err != nil {
		err = fmt.Errorf("open media: %w", err)
		m.fail(callID, err)
		return nil, err
	}
	media.OnICECandidate(func(c json.RawMessage) {
		if err := m.send(s, proto.Signal{Type: proto.SignalICECandidate, Candidate: c}); err != nil {
			log.Debugf("[%s] %v", callID, err)
		}
	})
	media.OnStateChange(func(st MediaState) { m.mediaState(callID, st) })

	m.mu.Lock()
	if m.activeLocked(callID) != s || s.view.Status == StatusEnded {
		m.mu.Unlock()
		_ = media.Close()
		return nil, ErrNoSession
	}
	old := s.media
	s.media = media
	s.negotiated = true
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return media, nil
}

func (m *Manager) mediaFor(callID string) (*session, Media) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.activeLocked(callID)
	if s == nil || s.view.Status == StatusEnded {
		return nil, nil
	}
	return s, s.media
}

func (m *Manager) mediaState(callID string, st MediaState) {
	m.mu.Lock()
	s := m.activeLocked(callID)
	if s == nil {
		m.mu.Unlock()
		return
	}
	prev := s.view.Status
	switch st {
	case MediaConnected:
		if prev != StatusConnecting && prev != StatusReconnecting && prev != StatusError {
			m.mu.Unlock()
			return
		}
		s.view.LastError = ""
		m.setStatusLocked(s, StatusConnected)
		media := s.media
		m.unlock()
		m.toasts.DismissKey(toastKey)
		if prev == StatusReconnecting && media != nil {
			if err := media.RequestKeyframe(); err != nil {
				log.Debugf("[%s] keyframe request: %v", callID, err)
			}
		}

	case MediaDisconnected:
		if prev != StatusConnected {
			m.mu.Unlock()
			return
		}
		m.setStatusLocked(s, StatusReconnecting)
		outgoing := s.view.Direction == Outgoing
		m.unlock()
		// Only the caller restarts ICE so both sides do not offer at once.
		if outgoing {
			go m.restart(callID)
		}

	case MediaFailed:
		m.mu.Unlock()
		if prev != StatusEnded {
			m.fail(callID, errors.New("media connection failed"))
		}

	default:
		m.mu.Unlock()
	}
}

// restart sends an ICE-restart offer for the current link.
func (m *Manager) restart(callID string) error {
	s, media := m.mediaFor(callID)
	if s == nil {
		return ErrNoSession
	}
	if media == nil {
		var err error
		if media, err = m.openMedia(s); err != nil {
			return err
		}
	}
	sdp, err := media.CreateOffer(true)
	if err != nil {
		m.fail(callID, err)
		return err
	}
	if err := m.send(s, proto.Signal{Type: proto.SignalOffer, SDP: sdp}); err != nil {
		m.fail(callID, err)
		return err
	}
	return nil
}

// Reconnect retries the current call without changing its id. A call that
// never got a media link is re-offered; a waiting call rings again if the
// peer is back.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	s := m.cur
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	callID := s.view.CallID

	switch s.view.Status {
	case StatusWaiting:
		online := m.peers.IsOnline(s.peer)
		m.mu.Unlock()
		if !online {
			return ErrPeerOffline
		}
		m.PeersChanged()
		return nil

	case StatusConnected, StatusReconnecting, StatusError:
		if !s.negotiated && s.view.Direction == Outgoing {
			s.view.LastError = ""
			m.setStatusLocked(s, StatusOffering)
			m.unlock()
			if err := m.sendRequest(s); err != nil {
				m.fail(callID, err)
				return err
			}
			return nil
		}
		if !s.negotiated {
			m.mu.Unlock()
			return fmt.Errorf("reconnect before media: %w", ErrBadState)
		}
		s.view.LastError = ""
		m.setStatusLocked(s, StatusReconnecting)
		m.unlock()
		return m.restart(callID)

	default:
		st := s.view.Status
		m.mu.Unlock()
		return fmt.Errorf("reconnect in %s: %w", st, ErrBadState)
	}
}

// ── signals ─────────────────────────────────────────────────────────────────

// HandleSignal applies one webrtc_signal from the peer or the server.
func (m *Manager) HandleSignal(sig proto.Signal) {
	log.Debugf("[%s] signal %s from %s", sig.CallID, sig.Type, sig.From)
	switch sig.Type {
	case proto.SignalCallRequest:
		m.onRequest(sig)
	case proto.SignalCallAccepted:
		m.onAccepted(sig)
	case proto.SignalCallRejected:
		m.onRejected(sig)
	case proto.SignalOffer:
		m.onOffer(sig)
	case proto.SignalAnswer:
		m.onAnswer(sig)
	case proto.SignalICECandidate:
		m.onCandidate(sig)
	case proto.SignalCallEnded:
		m.onEnded(sig)
	case proto.SignalPeerUnavailable:
		m.onUnavailable(sig)
	case proto.SignalCallError:
		msg := sig.Message
		if msg == "" {
			msg = "the call could not be completed"
		}
		m.fail(sig.CallID, errors.New(msg))
	default:
		log.Debugf("unknown signal %q", sig.Type)
	}
}

func (m *Manager) onRequest(sig proto.Signal) {
	if m.registry.IsCallEnded(sig.CallID) {
		log.Debugf("[%s] request for an ended call ignored", sig.CallID)
		return
	}

	caller := proto.Participant{UserID: sig.From}
	if sig.Caller != nil {
		caller = *sig.Caller
		if caller.UserID == "" {
			caller.UserID = sig.From
		}
	}

	m.mu.Lock()
	if m.cur != nil && m.cur.view.CallID == sig.CallID {
		m.mu.Unlock()
		return
	}
	if m.busyLocked() {
		m.mu.Unlock()
		log.Infof("[%s] busy, rejecting call from %s", sig.CallID, sig.From)
		busy := &session{view: Session{CallID: sig.CallID}, peer: sig.From}
		if err := m.send(busy, proto.Signal{Type: proto.SignalCallRejected, Reason: "busy"}); err != nil {
			log.Warnf("[%s] %v", sig.CallID, err)
		}
		return
	}
	m.dropEndedLocked()

	s := &session{
		view: Session{
			CallID:    sig.CallID,
			Direction: Incoming,
			Initiator: caller,
			Receiver:  m.opts.Self,
			Status:    StatusIdle,
			WithVideo: sig.WithVideo,
			StartedAt: time.Now(),
		},
		peer: caller.UserID,
	}
	m.cur = s
	m.setStatusLocked(s, StatusRinging)
	m.queueLocked("incoming", s)
	m.unlock()

	kind := "Audio"
	if sig.WithVideo {
		kind = "Video"
	}
	m.toasts.Show(toast.Toast{
		Key:         toastKey,
		Level:       toast.LevelInfo,
		Title:       "Incoming " + strings.ToLower(kind) + " call",
		Message:     displayName(caller) + " is calling.",
		Persistent:  true,
		Dismissable: true,
	})
}

func (m *Manager) onAccepted(sig proto.Signal) {
	m.mu.Lock()
	s := m.activeLocked(sig.CallID)
	if s == nil || s.view.Direction != Outgoing || (s.view.Status != StatusOffering && s.view.Status != StatusWaiting) {
		m.mu.Unlock()
		return
	}
	m.setStatusLocked(s, StatusConnecting)
	m.unlock()

	media, err := m.openMedia(s)
	if err != nil {
		return
	}
	sdp, err := media.CreateOffer(false)
	if err != nil {
		m.fail(sig.CallID, err)
		return
	}
	if err := m.send(s, proto.Signal{Type: proto.SignalOffer, SDP: sdp}); err != nil {
		m.fail(sig.CallID, err)
	}
}

func (m *Manager) onRejected(sig proto.Signal) {
	m.mu.Lock()
	s := m.activeLocked(sig.CallID)
	if s == nil || s.view.Status == StatusEnded {
		m.mu.Unlock()
		return
	}
	media := m.endLocked(s, "rejected")
	peer := s.view.Peer()
	m.unlock()

	msg := displayName(peer) + " declined the call."
	if sig.Reason == "busy" {
		msg = displayName(peer) + " is in another call."
	}
	m.toasts.Show(toast.Toast{Key: toastKey, Level: toast.LevelInfo, Title: "Call declined", Message: msg, Dismissable: true})
	m.finish(s, media)
}

func (m *Manager) onOffer(sig proto.Signal) {
	s, media := m.mediaFor(sig.CallID)
	if s == nil {
		return
	}
	if media == nil {
		var err error
		if media, err = m.openMedia(s); err != nil {
			return
		}
	}
	answer, err := media.CreateAnswer(sig.SDP)
	if err != nil {
		m.fail(sig.CallID, err)
		return
	}
	if err := m.send(s, proto.Signal{Type: proto.SignalAnswer, SDP: answer}); err != nil {
		m.fail(sig.CallID, err)
	}
}

func (m *Manager) onAnswer(sig proto.Signal) {
	_, media := m.mediaFor(sig.CallID)
	if media == nil {
		return
	}
	if err := media.SetAnswer(sig.SDP); err != nil {
		m.fail(sig.CallID, err)
	}
}

func (m *Manager) onCandidate(sig proto.Signal) {
	_, media := m.mediaFor(sig.CallID)
	if media == nil || len(sig.Candidate) == 0 {
		return
	}
	if err := media.AddICECandidate(sig.Candidate); err != nil {
		log.Debugf("[%s] candidate: %v", sig.CallID, err)
	}
}

// onEnded ends the active call. The "ended by the other participant" toast is
// skipped for ids already in the registry, for calls this client hung up, and
// for ringing calls replayed while the connection resyncs. Ended signals for
// any other call are only recorded.
func (m *Manager) onEnded(sig proto.Signal) {
	known := m.registry.IsCallEnded(sig.CallID)
	resyncing := m.resync != nil && m.resync.Resyncing()

	m.mu.Lock()
	s := m.activeLocked(sig.CallID)
	if s == nil || s.view.Status == StatusEnded {
		m.mu.Unlock()
		if !known {
			m.record(sig.CallID)
			log.Debugf("[%s] ended elsewhere, recorded", sig.CallID)
		}
		return
	}
	replayed := resyncing && s.view.Status == StatusRinging
	byMe := s.endedByMe
	peer := s.view.Peer()
	reason := sig.Reason
	if reason == "" {
		reason = "remote"
	}
	media := m.endLocked(s, reason)
	m.unlock()

	m.toasts.DismissKey(toastKey)
	if !known && !byMe && !replayed {
		m.toasts.Show(toast.Toast{
			Key:         toastKey,
			Level:       toast.LevelInfo,
			Title:       "Call ended",
			Message:     displayName(peer) + " ended the call.",
			Dismissable: true,
		})
	}
	m.finish(s, media)
}

func (m *Manager) onUnavailable(sig proto.Signal) {
	m.mu.Lock()
	s := m.activeLocked(sig.CallID)
	if s == nil || s.view.Direction != Outgoing || s.view.Status != StatusOffering {
		m.mu.Unlock()
		return
	}
	m.setStatusLocked(s, StatusWaiting)
	peer := s.view.Receiver
	m.unlock()

	m.toasts.Show(toast.Toast{
		Key:         toastKey,
		Level:       toast.LevelInfo,
		Title:       displayName(peer) + " is unavailable",
		Message:     "They may come back in a moment.",
		Dismissable: true,
	})
}

// ── timers ──────────────────────────────────────────────────────────────────

// tick advances the duration of a connected call. Reconnecting holds it.
func (m *Manager) tick() {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.view.Status != StatusConnected {
		m.mu.Unlock()
		return
	}
	s.view.Duration++
	m.queueLocked("duration", s)
	m.unlock()
}

func (m *Manager) sampleStats() {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.media == nil || !s.view.Status.counting() {
		m.mu.Unlock()
		return
	}
	media := s.media
	m.mu.Unlock()

	st, err := media.Stats()
	if err != nil {
		log.Debugf("[%s] stats: %v", s.view.CallID, err)
		return
	}

	m.mu.Lock()
	if m.cur != s {
		m.mu.Unlock()
		return
	}
	s.view.Stats = st
	s.view.Quality = Assess(st)
	s.view.ReconnectSuggested = s.view.Status == StatusConnected && NeedsReconnect(st)
	m.queueLocked("stats", s)
	m.unlock()
}

// ── UI flags ────────────────────────────────────────────────────────────────

func (m *Manager) update(fn func(s *Session) bool) (bool, error) {
	m.mu.Lock()
	s := m.cur
	if s == nil {
		m.mu.Unlock()
		return false, ErrNoSession
	}
	v := fn(&s.view)
	m.queueLocked("toggle", s)
	m.unlock()
	return v, nil
}

// ToggleAudio flips local audio. Returns the new muted state.
func (m *Manager) ToggleAudio() (bool, error) {
	return m.update(func(s *Session) bool { s.Muted = !s.Muted; return s.Muted })
}

// ToggleVideo flips local video. Returns the new video-off state.
func (m *Manager) ToggleVideo() (bool, error) {
	return m.update(func(s *Session) bool { s.VideoOff = !s.VideoOff; return s.VideoOff })
}

func (m *Manager) Minimize() error {
	_, err := m.update(func(s *Session) bool { s.Minimized = true; return true })
	return err
}

func (m *Manager) Maximize() error {
	_, err := m.update(func(s *Session) bool { s.Minimized = false; return false })
	return err
}

// ── queries ─────────────────────────────────────────────────────────────────

// Current returns the call snapshot, or an idle one when there is no call.
func (m *Manager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return Session{Status: StatusIdle}
	}
	return m.cur.view
}

func (m *Manager) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 32)
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

func (m *Manager) broadcast(evt Event) {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
