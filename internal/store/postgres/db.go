package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const (
	statementTimeoutDefaultMS = 30000
	statementTimeoutMaxMS     = 3_600_000

	// DefaultQueryTimeout is applied to individual non-transactional queries
	// to prevent runaway SQL from holding connections indefinitely.
	DefaultQueryTimeout = 30 * time.Second

	// PingTimeout bounds the liveness round-trip performed when a pool is
	// opened.
	PingTimeout = 5 * time.Second
)

// DB wraps a pooled *sql.DB. Both the control-plane database and the
// per-tenant databases are opened through New so they share pool hygiene.
type DB struct {
	*sql.DB
}

type Config struct {
	URL                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	StatementTimeoutMS int
}

// New opens a pool and verifies liveness with a ping round-trip. On ping
// failure the half-built pool is closed before the error is returned, so a
// failed open never leaks connections.
func New(ctx context.Context, cfg Config) (*DB, error) {
	statementTimeoutMS, err := resolveStatementTimeoutMS(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve statement timeout: %w", err)
	}

	connURL := cfg.URL
	if statementTimeoutMS > 0 {
		connURL = appendStatementTimeout(connURL, statementTimeoutMS)
	}

	db, err := sql.Open("postgres", connURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(2 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &DB{db}, nil
}

// appendStatementTimeout appends statement_timeout to the connection URL
// so it applies to all connections in the pool, not just one session.
func appendStatementTimeout(url string, timeoutMS int) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "options=-c%20statement_timeout%3D" + strconv.Itoa(timeoutMS)
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// RunMigrations reads *.up.sql files from dir and executes them in sorted
// order, tracking applied versions in a schema_migrations table so each
// migration runs at most once. Used for the control-plane schema only;
// tenant tables are created by the provisioner.
func (db *DB) RunMigrations(ctx context.Context, dir string) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		version := filepath.Base(f)

		var exists bool
		if err := db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if exists {
			continue
		}

		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}

		slog.Info("migration starting", "version", version)
		start := time.Now()

		migCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		if _, err := db.ExecContext(migCtx, "SET lock_timeout = '10s'"); err != nil {
			cancel()
			return fmt.Errorf("set lock_timeout for migration %s: %w", version, err)
		}
		if _, err := db.ExecContext(migCtx, string(content)); err != nil {
			cancel()
			return fmt.Errorf("exec migration %s: %w", version, err)
		}
		cancel()

		if _, err := db.ExecContext(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1)", version,
		); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}

		slog.Info("migration completed", "version", version, "elapsed", time.Since(start).String())
	}
	return nil
}

func resolveStatementTimeoutMS(cfg Config) (int, error) {
	if cfg.StatementTimeoutMS != 0 {
		if cfg.StatementTimeoutMS < 0 || cfg.StatementTimeoutMS > statementTimeoutMaxMS {
			return 0, fmt.Errorf("statement timeout %d out of allowed range [0, %d]", cfg.StatementTimeoutMS, statementTimeoutMaxMS)
		}
		return cfg.StatementTimeoutMS, nil
	}

	v := strings.TrimSpace(os.Getenv("DB_STATEMENT_TIMEOUT_MS"))
	if v == "" {
		return statementTimeoutDefaultMS, nil
	}
	value, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("DB_STATEMENT_TIMEOUT_MS: must be an integer")
	}
	if value < 0 || value > statementTimeoutMaxMS {
		return 0, fmt.Errorf("DB_STATEMENT_TIMEOUT_MS: must be within [0, %d]", statementTimeoutMaxMS)
	}
	return value, nil
}
