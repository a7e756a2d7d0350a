package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*trackerSnapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot trackerSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(snapshot *trackerSnapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *trackerSnapshot
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*trackerSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	data, err := json.Marshal(b.snapshot)
	if err != nil {
		return nil, err
	}
	var clone trackerSnapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func (b *InMemoryStateBackend) Save(snapshot *trackerSnapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	var clone trackerSnapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return err
	}
	b.mu.Lock()
	b.snapshot = &clone
	b.mu.Unlock()
	return nil
}

const (
	postgresTrackerTableName = "cellphone_response_tracker"
	postgresTrackerStateKey  = "tracker"
	postgresTrackerTimeout   = 5 * time.Second
)

// PostgresStateBackend keeps the whole tracker snapshot in one row, the
// same shape the mailbox backends use.
type PostgresStateBackend struct {
	dsn string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (*PostgresStateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{dsn: dsn}, nil
}

func (b *PostgresStateBackend) Load() (*trackerSnapshot, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresTrackerTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %q WHERE state_key = $1", postgresTrackerTableName)
	var payload string
	err := b.db.QueryRowContext(ctx, query, postgresTrackerStateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot trackerSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *PostgresStateBackend) Save(snapshot *trackerSnapshot) error {
	if snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresTrackerTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %q (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresTrackerTableName)
	_, err = b.db.ExecContext(ctx, query, postgresTrackerStateKey, string(payload))
	return err
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := sql.Open("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresTrackerTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %q (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresTrackerTableName)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

// BuildBackendFromDSN resolves memory://, file://, and postgres:// DSNs.
// An empty DSN means in-memory.
func BuildBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryStateBackend(), nil
	}
	idx := strings.Index(dsn, "://")
	if idx <= 0 {
		return nil, fmt.Errorf("%w: tracker DSN %q has no scheme", ErrInvalidInput, dsn)
	}
	scheme := strings.ToLower(dsn[:idx])
	switch scheme {
	case "memory":
		return NewInMemoryStateBackend(), nil
	case "file":
		path := strings.TrimSpace(dsn[idx+len("://"):])
		if path == "" {
			return nil, fmt.Errorf("%w: tracker file DSN needs a path", ErrInvalidInput)
		}
		return NewJSONFileStateBackend(path), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	default:
		return nil, fmt.Errorf("%w: unknown tracker DSN scheme %q", ErrInvalidInput, scheme)
	}
}
