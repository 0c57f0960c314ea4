package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/mentality/internal/proto"
)

// Frame is one JSON text message on the socket. Requests carry an ID; the
// server answers with a frame that has the same ID and Ack set.
type Frame struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    string          `json:"id,omitempty"`
	Ack   bool            `json:"ack,omitempty"`
}

// Conn is one live socket.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Dialer opens a Conn. Implementations return an error wrapping ErrAuth when
// the server refuses the credentials.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DisconnectError is returned by ReadFrame when the socket goes away.
type DisconnectError struct {
	Reason string
	Err    error
}

func (e *DisconnectError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *DisconnectError) Unwrap() error { return e.Err }

// disconnectReason maps any read error to one of the proto.Reason values.
func disconnectReason(err error) string {
	var de *DisconnectError
	if errors.As(err, &de) {
		return de.Reason
	}
	return proto.ReasonTransportError
}

// WSDialer dials the realtime endpoint with gorilla/websocket.
type WSDialer struct {
	// ReadTimeout closes the socket with "ping timeout" when nothing has been
	// read for this long. Zero disables the deadline.
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := *websocket.DefaultDialer
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}

	c, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with %s", ErrAuth, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsConn{c: c, readTimeout: d.ReadTimeout}, nil
}

type wsConn struct {
	c           *websocket.Conn
	readTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (w *wsConn) ReadFrame() (Frame, error) {
	for {
		if w.readTimeout > 0 {
			_ = w.c.SetReadDeadline(time.Now().Add(w.readTimeout))
		}
		_, b, err := w.c.ReadMessage()
		if err != nil {
			return Frame{}, classifyReadErr(err)
		}
		var f Frame
		if err := json.Unmarshal(b, &f); err != nil {
			log.Warnf("dropping malformed frame: %v", err)
			continue
		}
		return f, nil
	}
}

func classifyReadErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return &DisconnectError{Reason: proto.ReasonServerDisconnect, Err: err}
		}
		return &DisconnectError{Reason: proto.ReasonTransportClose, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &DisconnectError{Reason: proto.ReasonPingTimeout, Err: err}
	}
	if errors.Is(err, net.ErrClosed) {
		return &DisconnectError{Reason: proto.ReasonClientDisconnect, Err: err}
	}
	return &DisconnectError{Reason: proto.ReasonTransportClose, Err: err}
}

func (w *wsConn) WriteFrame(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.wmu.Lock()
		_ = w.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, proto.ReasonClientDisconnect),
			time.Now().Add(time.Second))
		w.wmu.Unlock()
		err = w.c.Close()
	})
	return err
}
