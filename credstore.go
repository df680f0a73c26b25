package livesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// CredentialStore is persistent key/value storage for bearer credentials.
// Get returns ErrCredentialNotFound for missing keys.
type CredentialStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// CredentialVersion describes the last write to a credential key.
type CredentialVersion struct {
	Version int64
	Source  string
	Present bool
}

// VersionedCredentialStore is a CredentialStore that records a version and
// the writer's source id on every write, so other processes can observe
// changes.
type VersionedCredentialStore interface {
	CredentialStore
	Version(ctx context.Context, key string) (CredentialVersion, error)
}

// ============================================================================
// MemoryCredentialStore
// ============================================================================

type memoryEntry struct {
	value   string
	present bool
	version int64
	source  string
}

type memoryCredentials struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// MemoryCredentialStore is an in-memory VersionedCredentialStore.
type MemoryCredentialStore struct {
	data   *memoryCredentials
	source string
}

var _ VersionedCredentialStore = (*MemoryCredentialStore)(nil)

// NewMemoryCredentialStore creates an empty store writing as source.
func NewMemoryCredentialStore(source string) *MemoryCredentialStore {
	return &MemoryCredentialStore{
		data:   &memoryCredentials{entries: make(map[string]*memoryEntry)},
		source: source,
	}
}

// WithSource returns a view over the same data that writes as source.
// It stands in for a second process sharing the storage.
func (s *MemoryCredentialStore) WithSource(source string) *MemoryCredentialStore {
	return &MemoryCredentialStore{data: s.data, source: source}
}

// Source returns the writer id recorded with every write.
func (s *MemoryCredentialStore) Source() string { return s.source }

func (s *MemoryCredentialStore) Get(_ context.Context, key string) (string, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	e, ok := s.data.entries[key]
	if !ok || !e.present {
		return "", ErrCredentialNotFound
	}
	return e.value, nil
}

func (s *MemoryCredentialStore) Set(_ context.Context, key, value string) error {
	s.write(key, value, true)
	return nil
}

func (s *MemoryCredentialStore) Delete(_ context.Context, key string) error {
	s.write(key, "", false)
	return nil
}

func (s *MemoryCredentialStore) write(key, value string, present bool) {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	e, ok := s.data.entries[key]
	if !ok {
		e = &memoryEntry{}
		s.data.entries[key] = e
	}
	e.value = value
	e.present = present
	e.version++
	e.source = s.source
}

func (s *MemoryCredentialStore) Version(_ context.Context, key string) (CredentialVersion, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	e, ok := s.data.entries[key]
	if !ok {
		return CredentialVersion{}, nil
	}
	return CredentialVersion{Version: e.version, Source: e.source, Present: e.present}, nil
}

// ============================================================================
// SQLiteCredentialStore
// ============================================================================

const credentialSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	key        TEXT PRIMARY KEY,
	value      TEXT,
	version    INTEGER NOT NULL DEFAULT 0,
	source     TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);`

const busyTimeout = 5000 // milliseconds

// SQLiteCredentialStore persists credentials in a SQLite database shared by
// every process of the same user. Deletes leave a tombstone row so the
// version keeps increasing.
type SQLiteCredentialStore struct {
	db     *sql.DB
	source string
}

var _ VersionedCredentialStore = (*SQLiteCredentialStore)(nil)

// OpenSQLiteCredentialStore opens (creating if needed) the database at path.
func OpenSQLiteCredentialStore(path, source string) (*SQLiteCredentialStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("credential store: db path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("credential store: create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, busyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("credential store: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(credentialSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("credential store: create schema: %w", err)
	}
	return &SQLiteCredentialStore{db: db, source: source}, nil
}

// Close closes the underlying database.
func (s *SQLiteCredentialStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Source returns the writer id recorded with every write.
func (s *SQLiteCredentialStore) Source() string { return s.source }

func (s *SQLiteCredentialStore) Get(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !value.Valid) {
		return "", ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credential get %q: %w", key, err)
	}
	return value.String, nil
}

func (s *SQLiteCredentialStore) Set(ctx context.Context, key, value string) error {
	if err := s.write(ctx, key, sql.NullString{String: value, Valid: true}); err != nil {
		return fmt.Errorf("credential set %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteCredentialStore) Delete(ctx context.Context, key string) error {
	if err := s.write(ctx, key, sql.NullString{}); err != nil {
		return fmt.Errorf("credential delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteCredentialStore) write(ctx context.Context, key string, value sql.NullString) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials (key, value, version, source, updated_at)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value = excluded.value,
	version = credentials.version + 1,
	source = excluded.source,
	updated_at = excluded.updated_at`,
		key, value, s.source, time.Now().UnixNano())
	return err
}

func (s *SQLiteCredentialStore) Version(ctx context.Context, key string) (CredentialVersion, error) {
	var (
		v     CredentialVersion
		value sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version, source FROM credentials WHERE key = ?`, key,
	).Scan(&value, &v.Version, &v.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return CredentialVersion{}, nil
	}
	if err != nil {
		return CredentialVersion{}, fmt.Errorf("credential version %q: %w", key, err)
	}
	v.Present = value.Valid
	return v, nil
}
