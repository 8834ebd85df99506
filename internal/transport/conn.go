package transport

import (
	"context"

	"github.com/gorilla/websocket"
)

// Conn is the narrow capability interface the session sends/receives
// framed byte messages through (§9: "the transport... singletons become
// injected collaborators with narrow capability interfaces"), letting
// tests substitute an in-memory fake for the real WebSocket connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a new Conn to a relay URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// wsConn adapts *websocket.Conn to the Conn interface.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

// WebSocketDialer is the production Dialer, backed by gorilla/websocket,
// matching the transport the teacher's agent and server both speak.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

// NewWebSocketDialer returns a WebSocketDialer using sane defaults.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{Dialer: websocket.DefaultDialer}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := d.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: conn}, nil
}
