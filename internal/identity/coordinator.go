package identity

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/jamlink/internal/connection"
	"github.com/charlesng35/jamlink/internal/localstore"
	"github.com/charlesng35/jamlink/pkg/logger"
)

// StateStore is the slice of local persistence the coordinator drives during
// auth transitions.
type StateStore interface {
	SessionID(ctx context.Context) (string, error)
	SaveSessionID(ctx context.Context, id string) error
	ClearSessionID(ctx context.Context) error

	PreviousSessionID(ctx context.Context) (string, error)
	SavePreviousSessionID(ctx context.Context, id string) error
	ClearPreviousSessionID(ctx context.Context) error

	AnonymousCode(ctx context.Context) (string, bool, error)
	AnonymousCodeMeta(ctx context.Context) (localstore.SnapshotMeta, error)
	ClearAnonymousCode(ctx context.Context) error
}

// Connector is the connection surface the coordinator needs. *connection.Manager
// satisfies it.
type Connector interface {
	Connect(params connection.ConnectParams, opts ...connection.ConnectOption) error
	Disconnect() error
	OnceConnected(fn func())
	SendCodeUpdate(code string) error
	SessionID() string
}

// Coordinator sequences the connection handoff around login and logout so
// that an auth transition never leaves the client in a half-authenticated
// session.
type Coordinator struct {
	conn  Connector
	store StateStore
	log   *zap.Logger

	mu       sync.Mutex
	identity *Identity
}

// NewCoordinator wires the coordinator to a connector and a state store.
func NewCoordinator(conn Connector, store StateStore) *Coordinator {
	return &Coordinator{
		conn:  conn,
		store: store,
		log:   logger.WithModule("identity"),
	}
}

// Identity returns the committed identity, nil while anonymous.
func (c *Coordinator) Identity() *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil
	}
	id := *c.identity
	return &id
}

// Login commits the identity carried by token and rebuilds the connection
// under it. A live session is resumed under the same id with exactly one
// reconnect; otherwise a fresh session is opened, seeding it with the cached
// pre-login code when one exists. The identity is committed before the
// reconnect resolves, so a failed reconnect still leaves the user logged in.
func (c *Coordinator) Login(ctx context.Context, token string) error {
	id, err := FromToken(token)
	if err != nil {
		return err
	}

	liveID := c.conn.SessionID()
	if err := c.conn.Disconnect(); err != nil {
		c.log.Warn("disconnect before login handoff", zap.Error(err))
	}

	c.mu.Lock()
	c.identity = &id
	c.mu.Unlock()

	params := connection.ConnectParams{
		DisplayName: id.DisplayName,
		AuthToken:   id.Token,
	}

	if liveID != "" {
		// Resume the session the user was already in. The code lives on the
		// server, so restoring the local copy would be redundant traffic.
		if err := c.store.SavePreviousSessionID(ctx, liveID); err != nil {
			return err
		}
		params.SessionID = liveID
		c.conn.OnceConnected(func() {
			c.persistSession()
			if err := c.store.ClearPreviousSessionID(context.Background()); err != nil {
				c.log.Warn("clear previous session marker", zap.Error(err))
			}
		})
		return c.conn.Connect(params, connection.WithSkipCodeRestoration())
	}

	code, ok, err := c.store.AnonymousCode(ctx)
	if err != nil {
		return err
	}
	if ok && code != "" {
		if meta, metaErr := c.store.AnonymousCodeMeta(ctx); metaErr == nil {
			c.log.Info("login will replay cached pre-login code",
				zap.Time("saved_at", meta.SavedAt),
				zap.String("saved_by", meta.DisplayName))
		}
		c.conn.OnceConnected(func() {
			if err := c.conn.SendCodeUpdate(code); err != nil {
				c.log.Warn("seed session with cached code", zap.Error(err))
				return
			}
			if err := c.store.ClearAnonymousCode(context.Background()); err != nil {
				c.log.Warn("clear cached code", zap.Error(err))
			}
			c.persistSession()
		})
		return c.conn.Connect(params, connection.WithSkipCodeRestoration())
	}

	c.conn.OnceConnected(func() { c.persistSession() })
	return c.conn.Connect(params, connection.WithSkipCodeRestoration())
}

// Logout drops the committed identity, forgets the persisted session ids,
// and opens a fresh anonymous session. The authenticated session's code
// never follows the user out.
func (c *Coordinator) Logout(ctx context.Context, displayName string) error {
	if err := c.store.ClearSessionID(ctx); err != nil {
		return err
	}
	if err := c.store.ClearPreviousSessionID(ctx); err != nil {
		return err
	}

	if err := c.conn.Disconnect(); err != nil {
		c.log.Warn("disconnect on logout", zap.Error(err))
	}

	c.mu.Lock()
	c.identity = nil
	c.mu.Unlock()

	c.conn.OnceConnected(func() { c.persistSession() })
	return c.conn.Connect(
		connection.ConnectParams{DisplayName: displayName},
		connection.WithSkipCodeRestoration(),
	)
}

// persistSession runs from once-connected callbacks, after the caller's
// context may already be gone, so it uses a background context.
func (c *Coordinator) persistSession() {
	id := c.conn.SessionID()
	if id == "" {
		return
	}
	if err := c.store.SaveSessionID(context.Background(), id); err != nil {
		c.log.Warn("persist session id", zap.Error(err), zap.String("session_id", id))
	}
}
