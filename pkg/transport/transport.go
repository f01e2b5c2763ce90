// Package transport wraps gorilla websockets behind the small Socket interface the connection manager and relay
// server work with.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrForbidden is returned by Dial when the server refused the upgrade with 403.
var ErrForbidden = errors.New("connection forbidden by server")

// Socket is one established, message oriented connection. ReadMessage is called from a single goroutine;
// WriteMessage and Close may be called concurrently.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebsocketDialer dials gorilla websockets.
type WebsocketDialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

var _ Dialer = (*WebsocketDialer)(nil)

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("failed to dial %s: %w", url, ErrForbidden)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return Wrap(conn), nil
}

// Wrap adapts an established websocket connection.
func Wrap(conn *websocket.Conn) Socket {
	return &wsSocket{conn: conn}
}

type wsSocket struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

const writeWait = 10 * time.Second

func (s *wsSocket) ReadMessage() ([]byte, error) {
	for {
		mt, p, err := s.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
			return p, nil
		default:
		}
	}
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *wsSocket) Close() error {
	s.wmu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.wmu.Unlock()
	return s.conn.Close()
}

// CloseReason extracts the peer supplied close code and text from a read error.
func CloseReason(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

// IsNormalClose reports whether err is the peer closing the socket without a problem.
func IsNormalClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway)
}
