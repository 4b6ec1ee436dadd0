// Package localstore persists the small amount of client-local state that
// must survive process restarts and OAuth redirects: the current session id,
// the previous-session-id marker used during login handoff, and the cached
// anonymous-code snapshot used as the handoff fallback.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	keySessionID         = "session_id"
	keyPreviousSessionID = "previous_session_id"
	keyAnonymousCode     = "anonymous_code"
)

// record is one persisted key/value pair.
type record struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string
	Meta      datatypes.JSON
	UpdatedAt time.Time
}

func (record) TableName() string { return "client_state" }

// SnapshotMeta annotates the cached anonymous-code snapshot.
type SnapshotMeta struct {
	SavedAt     time.Time `json:"saved_at"`
	DisplayName string    `json:"display_name,omitempty"`
}

// Store is a SQLite-backed state store.
type Store struct {
	db *gorm.DB
}

// Open initialises the store at the given path, creating parent directories
// and the schema as needed. An empty or ":memory:" path keeps the state in
// memory only.
func Open(path string) (*Store, error) {
	dsn := "file::memory:?cache=shared"
	if trimmed := strings.TrimSpace(path); trimmed != "" && !strings.EqualFold(trimmed, ":memory:") {
		if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("localstore: create directory: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL", filepath.ToSlash(trimmed))
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: open: %w", err)
	}
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("localstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SessionID returns the persisted current session id, empty when none.
func (s *Store) SessionID(ctx context.Context) (string, error) {
	return s.get(ctx, keySessionID)
}

// SaveSessionID persists the current session id.
func (s *Store) SaveSessionID(ctx context.Context, id string) error {
	return s.put(ctx, keySessionID, id, nil)
}

// ClearSessionID discards the persisted session id, forcing the server to
// mint a fresh session on the next connect.
func (s *Store) ClearSessionID(ctx context.Context) error {
	return s.delete(ctx, keySessionID)
}

// PreviousSessionID returns the login-handoff marker, empty when none.
func (s *Store) PreviousSessionID(ctx context.Context) (string, error) {
	return s.get(ctx, keyPreviousSessionID)
}

// SavePreviousSessionID records the handoff marker.
func (s *Store) SavePreviousSessionID(ctx context.Context, id string) error {
	return s.put(ctx, keyPreviousSessionID, id, nil)
}

// ClearPreviousSessionID removes the handoff marker.
func (s *Store) ClearPreviousSessionID(ctx context.Context) error {
	return s.delete(ctx, keyPreviousSessionID)
}

// AnonymousCode returns the cached anonymous-code snapshot, if present.
func (s *Store) AnonymousCode(ctx context.Context) (string, bool, error) {
	value, err := s.get(ctx, keyAnonymousCode)
	if err != nil {
		return "", false, err
	}
	if value == "" {
		return "", false, nil
	}
	return value, true, nil
}

// SaveAnonymousCode caches the code snapshot together with its metadata.
func (s *Store) SaveAnonymousCode(ctx context.Context, code string, meta SnapshotMeta) error {
	if meta.SavedAt.IsZero() {
		meta.SavedAt = time.Now()
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("localstore: marshal snapshot meta: %w", err)
	}
	return s.put(ctx, keyAnonymousCode, code, raw)
}

// AnonymousCodeMeta returns the metadata stored with the snapshot.
func (s *Store) AnonymousCodeMeta(ctx context.Context) (SnapshotMeta, error) {
	var rec record
	err := s.db.WithContext(ctx).First(&rec, "key = ?", keyAnonymousCode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SnapshotMeta{}, nil
	}
	if err != nil {
		return SnapshotMeta{}, fmt.Errorf("localstore: read snapshot meta: %w", err)
	}
	var meta SnapshotMeta
	if len(rec.Meta) > 0 {
		if err := json.Unmarshal(rec.Meta, &meta); err != nil {
			return SnapshotMeta{}, fmt.Errorf("localstore: decode snapshot meta: %w", err)
		}
	}
	return meta, nil
}

// ClearAnonymousCode drops the cached snapshot.
func (s *Store) ClearAnonymousCode(ctx context.Context) error {
	return s.delete(ctx, keyAnonymousCode)
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var rec record
	err := s.db.WithContext(ctx).First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("localstore: read %s: %w", key, err)
	}
	return rec.Value, nil
}

func (s *Store) put(ctx context.Context, key, value string, meta []byte) error {
	rec := record{
		Key:       key,
		Value:     value,
		Meta:      datatypes.JSON(meta),
		UpdatedAt: time.Now(),
	}
	err := s.db.WithContext(ctx).Save(&rec).Error
	if err != nil {
		return fmt.Errorf("localstore: write %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Delete(&record{}, "key = ?", key).Error
	if err != nil {
		return fmt.Errorf("localstore: delete %s: %w", key, err)
	}
	return nil
}
