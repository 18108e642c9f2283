package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/folio-org/folio-core/internal/config"
	"github.com/folio-org/folio-core/internal/coreerr"
)

// Store wraps the connection pool and exposes the typed sub-stores.
type Store struct {
	pool *pgxpool.Pool
}

// Pool returns the underlying connection pool for callers that need to
// compose multi-table queries directly.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Connect creates a pgxpool connection pool, pings it, and runs pending
// migrations.
func Connect(ctx context.Context, cfg config.DBConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, coreerr.ConfigError("store.Connect", fmt.Errorf("parse config: %w", err))
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, coreerr.ConfigError("store.Connect", fmt.Errorf("connect: %w", err))
	}

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, coreerr.ConfigError("store.Connect", fmt.Errorf("ping: %w", err))
	}

	slog.Info("store: database connected", "host", cfg.Host, "port", cfg.Port, "db", cfg.DBName)

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, coreerr.ConfigError("store.Connect", fmt.Errorf("migrations: %w", err))
	}

	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() { s.pool.Close() }

// runMigrations reads SQL files from the migrations/ directory and executes
// them in sorted order, tracked via a `_migrations` table so re-deploys
// never replay an applied migration.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS _migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`
	if _, err := pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("create tracker table: %w", err)
	}

	migrationsDir := "migrations"
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("store: migrations directory not found, skipping")
			return nil
		}
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var exists bool
		err := pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM _migrations WHERE filename = $1)", f).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if exists {
			continue
		}

		content, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		slog.Info("store: applying migration", "file", f)

		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, "INSERT INTO _migrations (filename) VALUES ($1)", f); err != nil {
			return fmt.Errorf("record migration %s: %w", f, err)
		}
	}

	slog.Info("store: migrations complete", "count", len(files))
	return nil
}

// classify maps a pgx/postgres error to a taxonomic coreerr kind so callers
// can decide whether to retry.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == pgx.ErrNoRows {
		return err
	}
	// Connection resets and serialization failures are StoreTransient, the
	// kind WithRetry retries; anything else (constraint violations, bad SQL)
	// is permanent.
	msg := err.Error()
	transient := strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "could not serialize access")
	if transient {
		return coreerr.StoreTransient(op, err)
	}
	return coreerr.StorePermanent(op, err)
}

// WithRetry retries fn with exponential backoff while it returns a
// StoreTransient error, up to maxRetries attempts (spec §7: db_max_retries,
// default 5).
func WithRetry(ctx context.Context, maxRetries int, fn func() error) error {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	var lastErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !coreerr.Is(lastErr, coreerr.KindStoreTrans) {
			return lastErr
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		backoff *= 2
	}
	return lastErr
}
