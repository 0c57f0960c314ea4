package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

type MediaState string

const (
	MediaConnected    MediaState = "connected"
	MediaDisconnected MediaState = "disconnected"
	MediaFailed       MediaState = "failed"
	MediaClosed       MediaState = "closed"
)

// Media is the peer-to-peer link of one call.
type Media interface {
	CreateOffer(iceRestart bool) (sdp string, err error)
	CreateAnswer(offer string) (sdp string, err error)
	SetAnswer(answer string) error
	AddICECandidate(candidate json.RawMessage) error
	OnICECandidate(fn func(candidate json.RawMessage))
	OnStateChange(fn func(MediaState))
	Stats() (Stats, error)
	RequestKeyframe() error
	Close() error
}

// MediaFactory opens the link for a call.
type MediaFactory func(callID string, withVideo bool) (Media, error)

// PionFactory returns a factory building PionMedia links.
func PionFactory(stunServers []string) MediaFactory {
	return func(callID string, withVideo bool) (Media, error) {
		return NewPionMedia(callID, withVideo, stunServers)
	}
}

// PionMedia is a receive-only Pion PeerConnection. Capture is left to the
// UI; the client tracks negotiation, link state and inbound stats.
type PionMedia struct {
	callID string
	pc     *webrtc.PeerConnection

	mu        sync.Mutex
	video     []*webrtc.TrackRemote
	lastBytes uint64
	lastAt    time.Time
}

func NewPionMedia(callID string, withVideo bool, stunServers []string) (*PionMedia, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Short disconnect window so a dropped path moves the call to
	// reconnecting quickly; failure is declared much later.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(5*time.Second, 25*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var cfg webrtc.Configuration
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if withVideo {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	p := &PionMedia{callID: callID, pc: pc}
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debugf("[%s] remote %s track ssrc=%d", callID, t.Kind(), t.SSRC())
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			p.mu.Lock()
			p.video = append(p.video, t)
			p.mu.Unlock()
		}
		go drain(t)
	})
	return p, nil
}

// drain reads RTP so the interceptors see traffic and stats stay current.
func drain(t *webrtc.TrackRemote) {
	for {
		if _, _, err := t.ReadRTP(); err != nil {
			return
		}
	}
}

func (p *PionMedia) CreateOffer(iceRestart bool) (string, error) {
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *PionMedia) CreateAnswer(offer string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *PionMedia) SetAnswer(answer string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (p *PionMedia) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

func (p *PionMedia) OnICECandidate(fn func(json.RawMessage)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Warnf("[%s] encode candidate: %v", p.callID, err)
			return
		}
		fn(b)
	})
}

func (p *PionMedia) OnStateChange(fn func(MediaState)) {
	p.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debugf("[%s] ice %s", p.callID, s)
		switch s {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			fn(MediaConnected)
		case webrtc.ICEConnectionStateDisconnected:
			fn(MediaDisconnected)
		case webrtc.ICEConnectionStateFailed:
			fn(MediaFailed)
		case webrtc.ICEConnectionStateClosed:
			fn(MediaClosed)
		}
	})
}

// Stats folds every inbound RTP stream into one sample. Bitrate is the byte
// delta since the previous call.
func (p *PionMedia) Stats() (Stats, error) {
	var (
		bytes        uint64
		lost, recvd  float64
		worstJitterS float64
	)
	for _, s := range p.pc.GetStats() {
		in, ok := s.(webrtc.InboundRTPStreamStats)
		if !ok {
			continue
		}
		bytes += in.BytesReceived
		lost += float64(in.PacketsLost)
		recvd += float64(in.PacketsReceived)
		worstJitterS = max(worstJitterS, in.Jitter)
	}

	now := time.Now()
	out := Stats{JitterMs: worstJitterS * 1000, SampledAt: now}
	if total := lost + recvd; total > 0 && lost > 0 {
		out.PacketLossPct = lost / total * 100
	}

	p.mu.Lock()
	if !p.lastAt.IsZero() && bytes >= p.lastBytes {
		if secs := now.Sub(p.lastAt).Seconds(); secs > 0 {
			out.BitrateKbps = float64(bytes-p.lastBytes) * 8 / 1000 / secs
		}
	}
	p.lastBytes, p.lastAt = bytes, now
	p.mu.Unlock()
	return out, nil
}

// RequestKeyframe sends a PLI for every inbound video track.
func (p *PionMedia) RequestKeyframe() error {
	p.mu.Lock()
	var pkts []rtcp.Packet
	for _, t := range p.video {
		pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: uint32(t.SSRC())})
	}
	p.mu.Unlock()
	if len(pkts) == 0 {
		return nil
	}
	return p.pc.WriteRTCP(pkts)
}

func (p *PionMedia) Close() error {
	return p.pc.Close()
}
