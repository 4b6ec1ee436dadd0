package connection

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	clienterrors "github.com/charlesng35/jamlink/pkg/errors"
)

// Conn is the minimal transport surface the manager needs from a websocket
// connection. *websocket.Conn satisfies it directly.
type Conn interface {
	ReadMessage() (messageType int, payload []byte, err error)
	WriteMessage(messageType int, payload []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(handler func(string) error)
	Close() error
}

// Dialer establishes transport connections. Tests substitute an in-memory
// implementation.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, error)
}

type websocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer builds a Dialer backed by gorilla/websocket with the
// supplied handshake timeout.
func NewWebsocketDialer(handshakeTimeout time.Duration) Dialer {
	return &websocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

func (d *websocketDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, clienterrors.Wrap(err, "websocket dial failed")
	}
	return conn, nil
}
