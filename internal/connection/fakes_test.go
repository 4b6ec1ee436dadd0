package connection

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/jamlink/internal/protocol"
)

var errFakeClosed = errors.New("fake connection closed")

// fakeConn is an in-memory transport used to exercise the manager without a
// network. Frames written by the manager are recorded; frames pushed by the
// test are delivered through ReadMessage.
type fakeConn struct {
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	frames [][]byte
	pings  int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 32),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case payload := <-c.inbound:
		return websocket.TextMessage, payload, nil
	case <-c.done:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, payload []byte) error {
	select {
	case <-c.done:
		return errFakeClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if messageType == websocket.PingMessage {
		c.pings++
		return nil
	}
	frame := make([]byte, len(payload))
	copy(frame, payload)
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// push delivers a server frame to the manager's read loop.
func (c *fakeConn) push(t *testing.T, kind protocol.Kind, payload any) {
	t.Helper()
	raw, err := protocol.Encode(kind, payload)
	require.NoError(t, err)
	select {
	case c.inbound <- raw:
	case <-time.After(time.Second):
		t.Fatal("fake connection inbound buffer full")
	}
}

// sent returns the kinds of all frames written so far.
func (c *fakeConn) sent(t *testing.T) []protocol.Kind {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	kinds := make([]protocol.Kind, 0, len(c.frames))
	for _, frame := range c.frames {
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		kinds = append(kinds, env.Kind)
	}
	return kinds
}

// sentOfKind decodes every frame of the given kind into payloads.
func sentOfKind[T any](t *testing.T, c *fakeConn, kind protocol.Kind) []T {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []T
	for _, frame := range c.frames {
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		if env.Kind != kind {
			continue
		}
		var payload T
		require.NoError(t, env.DecodeData(&payload))
		out = append(out, payload)
	}
	return out
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

var errReadDeadline = errors.New("fake read deadline exceeded")

// silentConn honors read deadlines but never delivers a frame or a pong,
// standing in for a peer that went quiet without closing the socket.
type silentConn struct {
	fakeConn
	deadlineMu sync.Mutex
	deadline   time.Time
}

func newSilentConn() *silentConn {
	c := &silentConn{}
	c.inbound = make(chan []byte, 1)
	c.done = make(chan struct{})
	return c
}

func (c *silentConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.deadline = t
	c.deadlineMu.Unlock()
	return nil
}

func (c *silentConn) ReadMessage() (int, []byte, error) {
	c.deadlineMu.Lock()
	deadline := c.deadline
	c.deadlineMu.Unlock()

	var expire <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case <-c.done:
		return 0, nil, errFakeClosed
	case <-expire:
		return 0, nil, errReadDeadline
	}
}

// fakeDialer scripts dial outcomes. The next function receives the 1-based
// dial number.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	next  func(dial int) (Conn, error)
}

func (d *fakeDialer) DialContext(_ context.Context, _ string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()
	return d.next(n)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// alwaysDial hands out a fresh fake connection per dial and records them.
type alwaysDial struct {
	fakeDialer
	mu    sync.Mutex
	conns []*fakeConn
}

func newAlwaysDial() *alwaysDial {
	d := &alwaysDial{}
	d.next = func(int) (Conn, error) {
		conn := newFakeConn()
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
		return conn, nil
	}
	return d
}

func (d *alwaysDial) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Status() == want
	}, 2*time.Second, 2*time.Millisecond, "status never reached %s", want)
}
