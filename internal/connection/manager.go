package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/jamlink/internal/protocol"
	"github.com/charlesng35/jamlink/internal/ratelimit"
	"github.com/charlesng35/jamlink/internal/session"
	clienterrors "github.com/charlesng35/jamlink/pkg/errors"
	"github.com/charlesng35/jamlink/pkg/logger"
	"github.com/charlesng35/jamlink/pkg/metrics"
	"github.com/charlesng35/jamlink/pkg/validator"
)

// ConnectParams identify the session to create, resume, or join.
type ConnectParams struct {
	SessionID   string `json:"session_id" validate:"omitempty,max=128"`
	InviteToken string `json:"invite_token" validate:"omitempty,max=256"`
	DisplayName string `json:"display_name" validate:"omitempty,max=64"`

	// AuthToken is sent as a bearer credential during the handshake, never
	// inside the session request frame.
	AuthToken string `json:"-" validate:"omitempty"`
}

type connectOptions struct {
	skipCodeRestoration bool
}

// ConnectOption customises a single connect cycle.
type ConnectOption func(*connectOptions)

// WithSkipCodeRestoration suppresses the post-connect resend of the last
// known code for the next connect cycle only. Used after a deliberate local
// editor reset so the server does not receive a stale echo.
func WithSkipCodeRestoration() ConnectOption {
	return func(o *connectOptions) { o.skipCodeRestoration = true }
}

// Manager owns the physical channel lifecycle: connect, heartbeat,
// reconnect with bounded linear backoff, and deliberate disconnect. It
// multiplexes the three rate-limited outgoing channels and feeds inbound
// frames to the session synchronizer.
type Manager struct {
	cfg    Config
	dialer Dialer
	store  *session.Store
	sync   *session.Synchronizer
	log    *zap.Logger

	mu             sync.Mutex
	status         Status
	conn           Conn
	connStop       chan struct{}
	gen            int
	attempts       int
	reconnectTimer *time.Timer
	params         ConnectParams
	skipRestore    bool
	lastCode       string
	closed         bool
	onceConnected  []func()
	statusSubs     []func(Status)
	errorSubs      []func(error)
	statusCh       chan Status

	writeMu sync.Mutex

	codeLimiter *ratelimit.Limiter
	debouncer   *ratelimit.Debouncer
	codeMu      sync.Mutex
	pendingCode *string
	codeTimer   *time.Timer

	chatQueue  *sendQueue
	agentQueue *sendQueue
}

type sendQueue struct {
	name    string
	limiter *ratelimit.Limiter
	mu      sync.Mutex
	items   [][]byte
	timer   *time.Timer
}

// New constructs a connection manager. The dialer and store are required;
// the synchronizer that applies inbound events to the store is created
// internally.
func New(cfg Config, dialer Dialer, store *session.Store) (*Manager, error) {
	if dialer == nil {
		return nil, errors.New("connection: dialer is required")
	}
	if store == nil {
		return nil, errors.New("connection: session store is required")
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		store:    store,
		sync:     session.NewSynchronizer(store),
		log:      logger.WithModule("connection"),
		status:   StatusDisconnected,
		statusCh: make(chan Status, 32),
		codeLimiter: ratelimit.NewLimiter(cfg.CodeRatePerSecond, cfg.codeWindow),
		chatQueue: &sendQueue{
			name:    "chat",
			limiter: ratelimit.NewLimiter(cfg.ChatRatePerMinute, cfg.chatWindow),
		},
		agentQueue: &sendQueue{
			name:    "agent",
			limiter: ratelimit.NewLimiter(cfg.AgentRatePerMinute, cfg.agentWindow),
		},
	}
	m.debouncer = ratelimit.NewDebouncer(cfg.CodeDebounce, m.dispatchCode)

	go m.notifyLoop()
	return m, nil
}

// Status returns the current public connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SessionID returns the server-assigned id of the live session, empty when
// no snapshot has been applied yet.
func (m *Manager) SessionID() string {
	return m.store.ID()
}

// OnStatusChange registers an observer for status transitions. Observers
// are invoked in transition order from a dedicated goroutine.
func (m *Manager) OnStatusChange(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusSubs = append(m.statusSubs, fn)
}

// OnError registers an observer for terminal errors: reconnect exhaustion
// and application-level rejections. Transient transport failures are not
// reported here.
func (m *Manager) OnError(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorSubs = append(m.errorSubs, fn)
}

// OnceConnected registers a one-shot callback invoked on the next
// transition into connected. If the manager is already connected the
// callback runs asynchronously rather than synchronously, preserving
// ordering with in-flight state setup.
func (m *Manager) OnceConnected(fn func()) {
	m.mu.Lock()
	if m.status == StatusConnected {
		m.mu.Unlock()
		go fn()
		return
	}
	m.onceConnected = append(m.onceConnected, fn)
	m.mu.Unlock()
}

// Connect establishes the channel. Calling it while the status is
// connecting or connected is a no-op; only one physical connection ever
// exists. The first logical message on the new channel is the session-state
// request.
func (m *Manager) Connect(params ConnectParams, opts ...ConnectOption) error {
	if err := validator.ValidateStruct(params); err != nil {
		return err
	}
	var options connectOptions
	for _, opt := range opts {
		opt(&options)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return clienterrors.ErrClosed
	}
	if m.status != StatusDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.params = params
	m.skipRestore = options.skipCodeRestoration
	m.attempts = 0
	m.gen++
	gen := m.gen
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	go m.dial(gen)
	return nil
}

// Disconnect tears the channel down deliberately: pending reconnect timers
// are cancelled, the local mirror is reset, and no auto-reconnect follows.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.gen++ // invalidate in-flight dials, loops, and timers
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.connStop != nil {
		close(m.connStop)
		m.connStop = nil
	}
	var closeErr error
	if m.conn != nil {
		closeErr = m.conn.Close()
		m.conn = nil
	}
	m.attempts = 0
	m.skipRestore = false
	m.onceConnected = nil
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	m.clearOutgoing()
	m.store.Reset()
	return closeErr
}

// Close shuts the manager down for good. Subsequent operations fail with
// ErrClosed.
func (m *Manager) Close() error {
	err := m.Disconnect()

	m.mu.Lock()
	alreadyClosed := m.closed
	m.closed = true
	m.mu.Unlock()

	if !alreadyClosed {
		m.debouncer.Stop()
		close(m.statusCh)
	}
	return err
}

// SendCodeUpdate submits the current program text. Oversized payloads are
// rejected locally. Rapid edits are debounced and, past the rate budget,
// coalesced last-write-wins.
func (m *Manager) SendCodeUpdate(code string) error {
	if len(code) > m.cfg.MaxCodePayload {
		return clienterrors.ErrPayloadTooLarge
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return clienterrors.ErrClosed
	}
	m.lastCode = code
	m.mu.Unlock()

	m.debouncer.Set(code)
	return nil
}

// SendChatMessage submits a chat line. Messages past the rate budget are
// queued and delivered in order once budget allows; none are dropped.
func (m *Manager) SendChatMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("connection: chat message is empty")
	}
	frame, err := protocol.Encode(protocol.KindChatSend, protocol.ChatSend{Text: text})
	if err != nil {
		return err
	}
	return m.enqueue(m.chatQueue, frame)
}

// SendAgentRequest submits an AI-assist query, queued like chat.
func (m *Manager) SendAgentRequest(query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return errors.New("connection: agent query is empty")
	}
	frame, err := protocol.Encode(protocol.KindAgentRequest, protocol.AgentRequest{Query: query})
	if err != nil {
		return err
	}
	return m.enqueue(m.agentQueue, frame)
}

func (m *Manager) dial(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectionTimeout)
	defer cancel()

	m.mu.Lock()
	token := m.params.AuthToken
	m.mu.Unlock()
	var header http.Header
	if token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	conn, err := m.dialer.DialContext(ctx, m.cfg.URL, header)

	m.mu.Lock()
	if gen != m.gen || m.closed || m.status != StatusConnecting {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.connectionFailed(gen, err)
		return
	}

	m.conn = conn
	stop := make(chan struct{})
	m.connStop = stop
	m.attempts = 0
	skip := m.skipRestore
	m.skipRestore = false // consumed by this connect cycle
	lastCode := m.lastCode
	params := m.params
	callbacks := m.onceConnected
	m.onceConnected = nil
	m.setStatusLocked(StatusConnected)
	m.mu.Unlock()

	// a session the server assigned after an anonymous connect lives only in
	// the mirror; reconnecting without it would abandon that session
	resumeID := params.SessionID
	if resumeID == "" {
		resumeID = m.store.ID()
	}

	m.log.Info("connected",
		zap.String("url", m.cfg.URL),
		zap.Bool("resume", resumeID != ""))

	frame, encodeErr := protocol.Encode(protocol.KindSessionRequest, protocol.SessionRequest{
		SessionID:   resumeID,
		InviteToken: params.InviteToken,
		DisplayName: params.DisplayName,
	})
	if encodeErr != nil {
		m.connectionFailed(gen, encodeErr)
		return
	}
	if err := m.writeFrame(conn, frame); err != nil {
		m.connectionFailed(gen, err)
		return
	}

	go m.readLoop(gen, conn)
	go m.heartbeat(gen, conn, stop)

	if !skip && lastCode != "" {
		m.dispatchCode(lastCode)
	}
	// an edit still sitting in the debounce window from before the dial
	// goes out now rather than after another quiescence period
	m.debouncer.Flush()

	for _, fn := range callbacks {
		go fn()
	}

	m.drainQueue(m.chatQueue)
	m.drainQueue(m.agentQueue)
	m.flushCode()
}

// connectionFailed handles a transport-level failure: the current physical
// connection is abandoned and, within the attempt budget, a retry is
// scheduled with linear backoff.
func (m *Manager) connectionFailed(gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.status == StatusDisconnected {
		m.mu.Unlock()
		return
	}
	if m.connStop != nil {
		close(m.connStop)
		m.connStop = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.setStatusLocked(StatusDisconnected)
		subs := append([]func(error){}, m.errorSubs...)
		m.mu.Unlock()

		err := clienterrors.ErrReconnectExhausted.WithInternal(cause)
		m.log.Error("reconnect attempts exhausted",
			zap.Int("attempts", m.cfg.MaxReconnectAttempts),
			zap.Error(cause))
		for _, fn := range subs {
			fn(err)
		}
		return
	}

	m.attempts++
	attempt := m.attempts
	m.setStatusLocked(StatusConnecting)
	m.gen++
	next := m.gen
	delay := time.Duration(attempt) * m.cfg.ReconnectBaseDelay
	m.reconnectTimer = time.AfterFunc(delay, func() { m.redial(next) })
	m.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	m.log.Warn("connection lost; reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))
}

func (m *Manager) redial(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.status != StatusConnecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.dial(gen)
}

// handleServerError processes an application-level rejection. These are
// terminal: the manager returns to disconnected without retrying and the
// error is reported exactly once.
func (m *Manager) handleServerError(gen int, env protocol.Envelope) {
	var rejection protocol.ServerError
	if err := env.DecodeData(&rejection); err != nil {
		rejection.Message = "server rejected the session"
	}
	err := clienterrors.FromServer(rejection.Code, rejection.Message)

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.connStop != nil {
		close(m.connStop)
		m.connStop = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.attempts = 0
	m.setStatusLocked(StatusDisconnected)
	subs := append([]func(error){}, m.errorSubs...)
	m.mu.Unlock()

	m.log.Warn("session rejected by server",
		zap.String("code", err.Code),
		zap.String("message", err.Message))
	for _, fn := range subs {
		fn(err)
	}
}

func (m *Manager) readLoop(gen int, conn Conn) {
	// liveness window: one heartbeat interval plus the response timeout
	wait := m.cfg.HeartbeatInterval + m.cfg.ConnectionTimeout
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			m.connectionFailed(gen, err)
			return
		}
		if len(payload) == 0 {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))

		env, err := protocol.Decode(payload)
		if err != nil {
			m.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		if env.Kind == protocol.KindError {
			m.handleServerError(gen, env)
			return
		}

		if err := m.sync.Apply(env); err != nil {
			m.log.Warn("event not applied",
				zap.String("kind", string(env.Kind)),
				zap.Error(err))
		}
	}
}

func (m *Manager) heartbeat(gen int, conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		stale := gen != m.gen || m.conn != conn || m.closed
		m.mu.Unlock()
		if stale {
			return
		}

		m.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.ConnectionTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		m.writeMu.Unlock()
		if err != nil {
			m.connectionFailed(gen, err)
			return
		}
	}
}

func (m *Manager) enqueue(q *sendQueue, frame []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return clienterrors.ErrClosed
	}
	m.mu.Unlock()

	q.mu.Lock()
	q.items = append(q.items, frame)
	q.mu.Unlock()

	m.drainQueue(q)
	return nil
}

// drainQueue delivers queued frames in submission order while connection
// and rate budget allow. Items stay queued across reconnects and rate
// windows; nothing is dropped.
func (m *Manager) drainQueue(q *sendQueue) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) > 0 {
		m.mu.Lock()
		conn := m.conn
		connected := m.status == StatusConnected
		m.mu.Unlock()
		if conn == nil || !connected {
			return
		}

		if !q.limiter.Allow() {
			metrics.RateDeferrals.WithLabelValues(q.name, "deferred").Inc()
			delay := q.limiter.RetryAfter()
			if delay <= 0 {
				delay = 10 * time.Millisecond
			}
			if q.timer == nil {
				q.timer = time.AfterFunc(delay, func() { m.drainQueue(q) })
			} else {
				q.timer.Reset(delay)
			}
			return
		}

		if err := m.writeFrame(conn, q.items[0]); err != nil {
			// frame stays queued; delivery resumes after reconnect
			return
		}
		q.items = q.items[1:]
		metrics.MessagesSent.WithLabelValues(q.name).Inc()
	}
}

// dispatchCode receives debounced code values. Past the rate budget only
// the most recent value is kept; intermediate values never reach the wire.
func (m *Manager) dispatchCode(code string) {
	m.codeMu.Lock()
	if m.pendingCode != nil {
		metrics.RateDeferrals.WithLabelValues("code", "coalesced").Inc()
	}
	m.pendingCode = &code
	m.codeMu.Unlock()

	m.flushCode()
}

func (m *Manager) flushCode() {
	m.codeMu.Lock()
	defer m.codeMu.Unlock()

	if m.pendingCode == nil {
		return
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.status == StatusConnected
	m.mu.Unlock()
	if conn == nil || !connected {
		return
	}

	if !m.codeLimiter.Allow() {
		delay := m.codeLimiter.RetryAfter()
		if delay <= 0 {
			delay = 10 * time.Millisecond
		}
		if m.codeTimer == nil {
			m.codeTimer = time.AfterFunc(delay, m.flushCode)
		} else {
			m.codeTimer.Reset(delay)
		}
		return
	}

	frame, err := protocol.Encode(protocol.KindCodeUpdate, protocol.CodeUpdate{Code: *m.pendingCode})
	if err != nil {
		m.log.Error("encode code update", zap.Error(err))
		m.pendingCode = nil
		return
	}
	if err := m.writeFrame(conn, frame); err != nil {
		return
	}
	m.pendingCode = nil
	metrics.MessagesSent.WithLabelValues("code").Inc()
}

func (m *Manager) clearOutgoing() {
	m.codeMu.Lock()
	m.pendingCode = nil
	if m.codeTimer != nil {
		m.codeTimer.Stop()
	}
	m.codeMu.Unlock()

	for _, q := range []*sendQueue{m.chatQueue, m.agentQueue} {
		q.mu.Lock()
		q.items = nil
		if q.timer != nil {
			q.timer.Stop()
		}
		q.mu.Unlock()
	}
}

func (m *Manager) writeFrame(conn Conn, frame []byte) error {
	if !json.Valid(frame) {
		return errors.New("connection: refusing to send malformed frame")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.ConnectionTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (m *Manager) setStatusLocked(next Status) {
	if m.status == next {
		return
	}
	m.status = next
	metrics.ConnectionStatus.Set(statusValue(next))

	select {
	case m.statusCh <- next:
	default:
		// observers lagging badly; dropping a transition beats blocking the core
	}
}

func (m *Manager) notifyLoop() {
	for status := range m.statusCh {
		m.mu.Lock()
		subs := append([]func(Status){}, m.statusSubs...)
		m.mu.Unlock()
		for _, fn := range subs {
			fn(status)
		}
	}
}
