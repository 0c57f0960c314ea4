package call

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/mentality/internal/proto"
	"github.com/petervdpas/mentality/internal/storage"
	"github.com/petervdpas/mentality/internal/toast"
)

type fakeSignaler struct {
	mu   sync.Mutex
	sent []proto.Signal
	err  error
}

func (f *fakeSignaler) Send(sig proto.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sig)
	return nil
}

func (f *fakeSignaler) Subscribe() (chan proto.Signal, func()) {
	return make(chan proto.Signal), func() {}
}

func (f *fakeSignaler) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.Type
	}
	return out
}

func (f *fakeSignaler) last() proto.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakePeers struct {
	mu     sync.Mutex
	online map[string]bool
}

func (p *fakePeers) IsOnline(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[id]
}

func (p *fakePeers) set(id string, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[id] = on
}

type fakeResync struct{ on atomic.Bool }

func (r *fakeResync) Resyncing() bool { return r.on.Load() }

type fakeMedia struct {
	mu        sync.Mutex
	offers    []bool // ice restart flag per offer
	answered  []string
	answer    string
	cands     []json.RawMessage
	onCand    func(json.RawMessage)
	onState   func(MediaState)
	stats     Stats
	keyframes int
	closed    bool
}

func (f *fakeMedia) CreateOffer(restart bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, restart)
	return "offer-sdp", nil
}

func (f *fakeMedia) CreateAnswer(offer string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, offer)
	return "answer-sdp", nil
}

func (f *fakeMedia) SetAnswer(answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answer = answer
	return nil
}

func (f *fakeMedia) AddICECandidate(c json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cands = append(f.cands, c)
	return nil
}

func (f *fakeMedia) OnICECandidate(fn func(json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCand = fn
}

func (f *fakeMedia) OnStateChange(fn func(MediaState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeMedia) Stats() (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakeMedia) RequestKeyframe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyframes++
	return nil
}

func (f *fakeMedia) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMedia) emitState(st MediaState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(st)
}

func (f *fakeMedia) emitCandidate(c string) {
	f.mu.Lock()
	fn := f.onCand
	f.mu.Unlock()
	fn(json.RawMessage(c))
}

func (f *fakeMedia) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeMedia) offerFlags() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.offers)
}

type mediaBox struct {
	mu  sync.Mutex
	all []*fakeMedia
	err error
}

func (b *mediaBox) open(callID string, withVideo bool) (Media, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	m := &fakeMedia{}
	b.all = append(b.all, m)
	return m, nil
}

func (b *mediaBox) last() *fakeMedia {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.all[len(b.all)-1]
}

type fixture struct {
	m      *Manager
	sig    *fakeSignaler
	peers  *fakePeers
	resync *fakeResync
	db     *storage.DB
	toasts *toast.Feed
	media  *mediaBox
}

var (
	me    = proto.Participant{UserID: "u1", FirstName: "Ada", LastName: "Lovelace"}
	other = proto.Participant{UserID: "p2", FirstName: "Carl", LastName: "Rogers"}
)

func openDB(t *testing.T, path string) *storage.DB {
	t.Helper()
	db, err := storage.Open(path)
	require.NoError(t, err)
	return db
}

func newFixtureAt(t *testing.T, dbPath string) *fixture {
	t.Helper()
	f := &fixture{
		sig:    &fakeSignaler{},
		peers:  &fakePeers{online: map[string]bool{}},
		resync: &fakeResync{},
		db:     openDB(t, dbPath),
		toasts: toast.NewFeed(50),
		media:  &mediaBox{},
	}
	f.m = New(f.sig, f.peers, f.resync, f.db, f.toasts, f.media.open, Options{
		Self:          me,
		CloseDelay:    200 * time.Millisecond,
		TickInterval:  time.Hour,
		StatsInterval: time.Hour,
		RegistrySize:  200,
	})
	t.Cleanup(func() {
		f.m.Close()
		f.db.Close()
	})
	return f
}

func newFixture(t *testing.T) *fixture {
	return newFixtureAt(t, filepath.Join(t.TempDir(), "client.db"))
}

// connectOutgoing drives a call to p2 up to connected.
func (f *fixture) connectOutgoing(t *testing.T) string {
	t.Helper()
	f.peers.set(other.UserID, true)
	s, err := f.m.StartCall(context.Background(), other, true)
	require.NoError(t, err)
	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallAccepted, CallID: s.CallID, From: other.UserID})
	f.media.last().emitState(MediaConnected)
	require.Equal(t, StatusConnected, f.m.Current().Status)
	return s.CallID
}

// connectIncoming drives a call from p2 up to connected.
func (f *fixture) connectIncoming(t *testing.T, callID string) {
	t.Helper()
	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallRequest, CallID: callID, From: other.UserID, Caller: &other})
	require.NoError(t, f.m.Accept(context.Background()))
	f.m.HandleSignal(proto.Signal{Type: proto.SignalOffer, CallID: callID, From: other.UserID, SDP: "remote-offer"})
	f.media.last().emitState(MediaConnected)
	require.Equal(t, StatusConnected, f.m.Current().Status)
}

func (f *fixture) toastTitles() []string {
	var out []string
	for _, t := range f.toasts.Recent() {
		out = append(out, t.Title)
	}
	return out
}

func TestOutgoingCallLifecycle(t *testing.T) {
	f := newFixture(t)
	f.peers.set(other.UserID, true)

	s, err := f.m.StartCall(context.Background(), other, true)
	require.NoError(t, err)
	require.Equal(t, StatusOffering, s.Status)
	require.Equal(t, Outgoing, s.Direction)

	req := f.sig.last()
	require.Equal(t, proto.SignalCallRequest, req.Type)
	require.Equal(t, s.CallID, req.CallID)
	require.Equal(t, "u1", req.From)
	require.Equal(t, "p2", req.To)
	require.Equal(t, "Ada", req.Caller.FirstName)
	require.True(t, req.WithVideo)

	_, err = f.m.StartCall(context.Background(), other, false)
	require.ErrorIs(t, err, ErrCallInProgress)

	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallAccepted, CallID: s.CallID, From: "p2"})
	require.Equal(t, StatusConnecting, f.m.Current().Status)
	media := f.media.last()
	require.Equal(t, []bool{false}, media.offerFlags())
	require.Equal(t, proto.SignalOffer, f.sig.last().Type)
	require.Equal(t, "offer-sdp", f.sig.last().SDP)

	f.m.HandleSignal(proto.Signal{Type: proto.SignalAnswer, CallID: s.CallID, SDP: "remote-answer"})
	f.m.HandleSignal(proto.Signal{Type: proto.SignalICECandidate, CallID: s.CallID, Candidate: json.RawMessage(`{"candidate":"c1"}`)})
	media.emitCandidate(`{"candidate":"c2"}`)
	require.Equal(t, "remote-answer", media.answer)
	require.Len(t, media.cands, 1)
	require.Equal(t, proto.SignalICECandidate, f.sig.last().Type)

	media.emitState(MediaConnected)
	for range 3 {
		f.m.tick()
	}
	require.Equal(t, 3, f.m.Current().Duration)

	require.NoError(t, f.m.EndCall(context.Background(), "hangup"))
	cur := f.m.Current()
	require.Equal(t, StatusEnded, cur.Status)
	require.Zero(t, cur.Duration)
	require.Equal(t, proto.SignalCallEnded, f.sig.last().Type)
	require.True(t, media.isClosed())
	require.True(t, f.db.IsCallEnded(s.CallID))
	require.NotContains(t, f.toastTitles(), "Call ended")

	require.Eventually(t, func() bool { return f.m.Current().Status == StatusIdle }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, f.m.EndCall(context.Background(), ""), ErrNoSession)
}

func TestOfflinePeerWaitsThenRings(t *testing.T) {
	f := newFixture(t)

	s, err := f.m.StartCall(context.Background(), other, false)
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, s.Status)
	require.Empty(t, f.sig.types())
	require.Contains(t, f.toastTitles(), "Carl Rogers is not online")
	require.ErrorIs(t, f.m.Reconnect(context.Background()), ErrPeerOffline)

	f.m.PeersChanged()
	require.Equal(t, StatusWaiting, f.m.Current().Status)

	f.peers.set(other.UserID, true)
	f.m.PeersChanged()
	require.Equal(t, StatusOffering, f.m.Current().Status)
	require.Equal(t, []string{proto.SignalCallRequest}, f.sig.types())

	// The server says the peer vanished again.
	f.m.HandleSignal(proto.Signal{Type: proto.SignalPeerUnavailable, CallID: s.CallID})
	require.Equal(t, StatusWaiting, f.m.Current().Status)

	// Ending a waiting call tells nobody.
	f.peers.set(other.UserID, false)
	require.NoError(t, f.m.EndCall(context.Background(), ""))
	require.Equal(t, []string{proto.SignalCallRequest}, f.sig.types())
}

func TestIncomingAccept(t *testing.T) {
	f := newFixture(t)

	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallRequest, CallID: "c1", From: "p2", Caller: &other, WithVideo: true})
	cur := f.m.Current()
	require.Equal(t, StatusRinging, cur.Status)
	require.Equal(t, Incoming, cur.Direction)
	require.Equal(t, "Carl", cur.Peer().FirstName)
	require.Len(t, f.toasts.Active(), 1)
	require.Equal(t, "Incoming video call", f.toasts.Active()[0].Title)

	// A replay of the same request changes nothing.
	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallRequest, CallID: "c1", From: "p2", Caller: &other})
	require.Len(t, f.toasts.Recent(), 1)

	require.NoError(t, f.m.Accept(context.Background()))
	require.Equal(t, StatusConnecting, f.m.Current().Status)
	require.Equal(t, proto.SignalCallAccepted, f.sig.last().Type)
	require.Equal(t, "p2", f.sig.last().To)
	require.Empty(t, f.toasts.Active())
	require.ErrorIs(t, f.m.Accept(context.Background()), ErrBadState)

	f.m.HandleSignal(proto.Signal{Type: proto.SignalOffer, CallID: "c1", SDP: "remote-offer"})
	require.Equal(t, []string{"remote-offer"}, f.media.last().answered)
	require.Equal(t, proto.SignalAnswer, f.sig.last().Type)
	require.Equal(t, "answer-sdp", f.sig.last().SDP)

	f.media.last().emitState(MediaConnected)
	require.Equal(t, StatusConnected, f.m.Current().Status)
}

func TestIncomingReject(t *testing.T) {
	f := newFixture(t)
	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallRequest, CallID: "c1", From: "p2"})

	require.NoError(t, f.m.Reject(context.Background()))
	require.Equal(t, StatusEnded, f.m.Current().Status)
	require.Equal(t, proto.SignalCallRejected, f.sig.last().Type)
	require.True(t, f.db.IsCallEnded("c1"))
	require.Error(t, f.m.Reject(context.Background()))
}

func TestBusyRejectsSecondCaller(t *testing.T) {
	f := newFixture(t)
	f.connectIncoming(t, "c1")

	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallRequest, CallID: "c2", From: "p3"})
	last := f.sig.last()
	require.Equal(t, proto.SignalCallRejected, last.Type)
	require.Equal(t, "c2", last.CallID)
	require.Equal(t, "p3", last.To)
	require.Equal(t, "busy", last.Reason)
	require.Equal(t, "c1", f.m.Current().CallID)
}

func TestOutgoingDeclined(t *testing.T) {
	f := newFixture(t)
	f.peers.set(other.UserID, true)
	s, err := f.m.StartCall(context.Background(), other, false)
	require.NoError(t, err)

	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallRejected, CallID: s.CallID, Reason: "busy"})
	require.Equal(t, StatusEnded, f.m.Current().Status)
	require.Contains(t, f.toastTitles(), "Call declined")
	require.True(t, f.db.IsCallEnded(s.CallID))
}

func TestEndedByPeerToastsOnce(t *testing.T) {
	f := newFixture(t)
	f.connectIncoming(t, "c1")

	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallEnded, CallID: "c1"})
	require.Equal(t, StatusEnded, f.m.Current().Status)
	require.Equal(t, "Call ended", f.toasts.Recent()[len(f.toasts.Recent())-1].Title)
	n := len(f.toasts.Recent())

	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallEnded, CallID: "c1"})
	require.Len(t, f.toasts.Recent(), n)
}

func TestEndedSignalForRecordedCallIsSilent(t *testing.T) {
	f := newFixture(t)
	f.connectIncoming(t, "c1")
	require.NoError(t, f.db.MarkCallEnded("c1", 200))
	before := len(f.toasts.Recent())

	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallEnded, CallID: "c1"})
	require.Equal(t, StatusEnded, f.m.Current().Status)
	require.Len(t, f.toasts.Recent(), before)
	require.True(t, f.media.last().isClosed())
}

func TestSelfEndedCallDoesNotToastOnEcho(t *testing.T) {
	f := newFixture(t)
	id := f.connectOutgoing(t)

	require.NoError(t, f.m.EndCall(context.Background(), ""))
	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallEnded, CallID: id})
	require.NotContains(t, f.toastTitles(), "Call ended")
}

func TestSuppressionSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")
	f := newFixtureAt(t, path)
	f.connectIncoming(t, "c1")
	require.NoError(t, f.m.EndCall(context.Background(), ""))
	f.m.Close()
	require.NoError(t, f.db.Close())

	// A fresh client on the same store sees the replayed events.
	g := newFixtureAt(t, path)
	g.m.HandleSignal(proto.Signal{Type: proto.SignalCallRequest, CallID: "c1", From: "p2", Caller: &other})
	require.Equal(t, StatusIdle, g.m.Current().Status)
	g.m.HandleSignal(proto.Signal{Type: proto.SignalCallEnded, CallID: "c1"})
	require.Empty(t, g.toasts.Recent())
}

func TestResyncRecordsReplayedEndingsSilently(t *testing.T) {
	f := newFixture(t)
	f.resync.on.Store(true)

	// An ending for a call this client never saw.
	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallEnded, CallID: "old"})
	require.True(t, f.db.IsCallEnded("old"))
	require.Empty(t, f.toasts.Recent())

	// A replayed request followed by its ending.
	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallRequest, CallID: "c9", From: "p2", Caller: &other})
	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallEnded, CallID: "c9"})
	require.Equal(t, StatusEnded, f.m.Current().Status)
	require.NotContains(t, f.toastTitles(), "Call ended")
	require.Empty(t, f.toasts.Active())
}

func TestDurationFreezesWhileReconnecting(t *testing.T) {
	f := newFixture(t)
	f.connectIncoming(t, "c1")
	media := f.media.last()

	for range 5 {
		f.m.tick()
	}
	require.Equal(t, 5, f.m.Current().Duration)

	media.emitState(MediaDisconnected)
	require.Equal(t, StatusReconnecting, f.m.Current().Status)
	for range 3 {
		f.m.tick()
	}
	require.Equal(t, 5, f.m.Current().Duration)

	media.emitState(MediaConnected)
	require.Equal(t, StatusConnected, f.m.Current().Status)
	require.Equal(t, 5, f.m.Current().Duration)
	require.Equal(t, 1, media.keyframes)
	f.m.tick()
	require.Equal(t, 6, f.m.Current().Duration)

	media.emitState(MediaFailed)
	require.Equal(t, StatusError, f.m.Current().Status)
	require.Zero(t, f.m.Current().Duration)
	f.m.tick()
	require.Zero(t, f.m.Current().Duration)
}

func TestCallerRestartsICEOnDisconnect(t *testing.T) {
	f := newFixture(t)
	f.connectOutgoing(t)
	media := f.media.last()

	media.emitState(MediaDisconnected)
	require.Eventually(t, func() bool {
		return slices.Equal(media.offerFlags(), []bool{false, true})
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.sig.last().Type == proto.SignalOffer }, time.Second, 5*time.Millisecond)
	require.Equal(t, StatusReconnecting, f.m.Current().Status)
}

func TestManualReconnectKeepsCallID(t *testing.T) {
	f := newFixture(t)
	id := f.connectOutgoing(t)
	media := f.media.last()

	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallError, CallID: id, Message: "relay lost"})
	cur := f.m.Current()
	require.Equal(t, StatusError, cur.Status)
	require.Equal(t, "relay lost", cur.LastError)

	require.NoError(t, f.m.Reconnect(context.Background()))
	cur = f.m.Current()
	require.Equal(t, id, cur.CallID)
	require.Equal(t, StatusReconnecting, cur.Status)
	require.Empty(t, cur.LastError)
	require.Equal(t, []bool{false, true}, media.offerFlags())

	media.emitState(MediaConnected)
	require.Equal(t, StatusConnected, f.m.Current().Status)
}

func TestRetryBeforeMediaReoffers(t *testing.T) {
	f := newFixture(t)
	f.peers.set(other.UserID, true)
	f.sig.err = errors.New("socket down")

	_, err := f.m.StartCall(context.Background(), other, false)
	require.Error(t, err)
	require.Equal(t, StatusError, f.m.Current().Status)

	f.sig.mu.Lock()
	f.sig.err = nil
	f.sig.mu.Unlock()
	require.NoError(t, f.m.Reconnect(context.Background()))
	require.Equal(t, StatusOffering, f.m.Current().Status)
	require.Equal(t, []string{proto.SignalCallRequest}, f.sig.types())
}

func TestMediaFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.media.err = errors.New("no camera")
	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallRequest, CallID: "c1", From: "p2"})

	err := f.m.Accept(context.Background())
	require.ErrorContains(t, err, "no camera")
	cur := f.m.Current()
	require.Equal(t, StatusError, cur.Status)
	require.Contains(t, cur.LastError, "no camera")
	require.Contains(t, f.toastTitles(), "Call problem")

	require.NoError(t, f.m.EndCall(context.Background(), ""))
	require.Equal(t, StatusEnded, f.m.Current().Status)
}

func TestQualityAffordance(t *testing.T) {
	f := newFixture(t)
	f.connectIncoming(t, "c1")
	media := f.media.last()

	media.mu.Lock()
	media.stats = Stats{BitrateKbps: 800, PacketLossPct: 1, JitterMs: 10}
	media.mu.Unlock()
	f.m.sampleStats()
	cur := f.m.Current()
	require.Equal(t, "Good", cur.Quality.Overall)
	require.False(t, cur.ReconnectSuggested)

	media.mu.Lock()
	media.stats = Stats{BitrateKbps: 300, PacketLossPct: 6, JitterMs: 20}
	media.mu.Unlock()
	f.m.sampleStats()
	cur = f.m.Current()
	require.Equal(t, QualityReport{Bitrate: LevelFair, Loss: LevelPoor, Jitter: LevelGood, Overall: "Poor"}, cur.Quality)
	require.True(t, cur.ReconnectSuggested)

	media.emitState(MediaDisconnected)
	require.False(t, f.m.Current().ReconnectSuggested)
}

func TestTogglesAndMinimize(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.ToggleAudio()
	require.ErrorIs(t, err, ErrNoSession)
	require.ErrorIs(t, f.m.Minimize(), ErrNoSession)

	f.connectIncoming(t, "c1")
	muted, err := f.m.ToggleAudio()
	require.NoError(t, err)
	require.True(t, muted)
	muted, _ = f.m.ToggleAudio()
	require.False(t, muted)
	off, _ := f.m.ToggleVideo()
	require.True(t, off)

	require.NoError(t, f.m.Minimize())
	cur := f.m.Current()
	require.True(t, cur.Minimized)
	require.Equal(t, StatusConnected, cur.Status)
	require.NoError(t, f.m.Maximize())
	require.False(t, f.m.Current().Minimized)
}

func TestSubscribersSeeTransitions(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.m.Subscribe()
	defer cancel()

	f.m.HandleSignal(proto.Signal{Type: proto.SignalCallRequest, CallID: "c1", From: "p2"})
	var types []string
	for range 2 {
		evt := <-ch
		types = append(types, evt.Type)
		require.Equal(t, "c1", evt.Session.CallID)
	}
	require.Equal(t, []string{"status", "incoming"}, types)
}
