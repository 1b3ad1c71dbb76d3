package state

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Backend names accepted by OpenStore.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend  string
	StateDir string
	RedisURL string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// persistenceCloser holds the DB handle for cleanup. Implements io.Closer.
type persistenceCloser struct {
	db *sql.DB
}

func (c *persistenceCloser) Close() error {
	return c.db.Close()
}

// OpenStore opens the configured backend and returns it with an io.Closer
// for its resources.
//
// For sqlite:
//  1. Create the state dir.
//  2. Open/create kv.db with recommended pragmas.
//  3. Apply embedded migrations.
func OpenStore(ctx context.Context, opts Options) (Store, io.Closer, error) {
	switch opts.Backend {
	case BackendMemory:
		return NewMemoryStore(), nopCloser{}, nil
	case BackendRedis:
		s, err := NewRedisStore(ctx, opts.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case BackendSQLite, "":
	default:
		return nil, nil, fmt.Errorf("state: unknown backend %q", opts.Backend)
	}

	if err := os.MkdirAll(opts.StateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir %s: %w", opts.StateDir, err)
	}

	dbPath := filepath.Join(opts.StateDir, "kv.db")
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open kv.db: %w", err)
	}
	if err := MigrateKVDB(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate kv.db: %w", err)
	}
	return NewSQLiteStore(db), &persistenceCloser{db: db}, nil
}
