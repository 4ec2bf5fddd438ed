package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dev.c0redev.lwdfx/internal/conn"
)

// wsStream carries the LwDFX byte stream in binary messages. Message boundaries mean nothing to
// the reader.
type wsStream struct {
	ws  *websocket.Conn
	r   io.Reader
	wmu sync.Mutex
}

func newWSStream(ws *websocket.Conn) *wsStream {
	return &wsStream{ws: ws}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			mt, r, err := s.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite sends a normal close; the peer's reader sees io.EOF.
func (s *wsStream) CloseWrite() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *wsStream) Close() error                       { return s.ws.Close() }
func (s *wsStream) SetReadDeadline(t time.Time) error  { return s.ws.SetReadDeadline(t) }
func (s *wsStream) SetWriteDeadline(t time.Time) error { return s.ws.SetWriteDeadline(t) }
func (s *wsStream) LocalAddr() net.Addr                { return s.ws.LocalAddr() }
func (s *wsStream) RemoteAddr() net.Addr               { return s.ws.RemoteAddr() }

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string) (conn.Stream, error) {
	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{ALPNProtocol},
	}
	ws, resp, err := d.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, connectErr(WebSocket, url, err)
	}
	return newWSStream(ws), nil
}

// WebSocketSource is an http.Handler that upgrades requests and hands the streams to Accept.
// Mount it on a router; Addr reports the HTTP listener it is served from.
type WebSocketSource struct {
	addr     net.Addr
	upgrader websocket.Upgrader
	streams  chan conn.Stream
	done     chan struct{}
	once     sync.Once
}

// NewWebSocketSource: addr is informational. checkOrigin nil allows any origin.
func NewWebSocketSource(addr net.Addr, checkOrigin func(r *http.Request) bool) *WebSocketSource {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WebSocketSource{
		addr: addr,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{ALPNProtocol},
			CheckOrigin:      checkOrigin,
		},
		streams: make(chan conn.Stream),
		done:    make(chan struct{}),
	}
}

func (s *WebSocketSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "gateway stopped", http.StatusServiceUnavailable)
		return
	default:
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		return
	}
	select {
	case s.streams <- newWSStream(ws):
	case <-s.done:
		ws.Close()
	}
}

func (s *WebSocketSource) Accept() (conn.Stream, error) {
	select {
	case st := <-s.streams:
		return st, nil
	case <-s.done:
		return nil, net.ErrClosed
	}
}

func (s *WebSocketSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *WebSocketSource) Addr() net.Addr { return s.addr }
