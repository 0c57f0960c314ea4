package call

import (
	"encoding/json"
	"sync"

	"github.com/petervdpas/mentality/internal/proto"
	"github.com/petervdpas/mentality/internal/transport"
)

// Bus is the part of the connection manager the signaler uses.
type Bus interface {
	Emit(event string, payload any) error
	On(event string, fn transport.Handler) (cancel func())
}

// TransportSignaler relays webrtc_signal frames over the realtime connection.
type TransportSignaler struct {
	bus    Bus
	cancel func()

	mu        sync.RWMutex
	listeners map[chan proto.Signal]struct{}
}

func NewTransportSignaler(bus Bus) *TransportSignaler {
	s := &TransportSignaler{
		bus:       bus,
		listeners: make(map[chan proto.Signal]struct{}),
	}
	s.cancel = bus.On(proto.EventWebRTCSignal, s.handle)
	return s
}

func (s *TransportSignaler) Send(sig proto.Signal) error {
	return s.bus.Emit(proto.EventWebRTCSignal, sig)
}

func (s *TransportSignaler) Subscribe() (chan proto.Signal, func()) {
	ch := make(chan proto.Signal, 128)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

func (s *TransportSignaler) Close() {
	s.cancel()
	s.mu.Lock()
	for ch := range s.listeners {
		delete(s.listeners, ch)
		close(ch)
	}
	s.mu.Unlock()
}

func (s *TransportSignaler) handle(data json.RawMessage) {
	var sig proto.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		log.Warnf("bad webrtc_signal: %v", err)
		return
	}
	if sig.Type == "" || sig.CallID == "" {
		log.Debugf("webrtc_signal without type or call id dropped")
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.listeners {
		select {
		case ch <- sig:
		default:
			log.Warnf("signal %s for %s dropped: listener full", sig.Type, sig.CallID)
		}
	}
}
