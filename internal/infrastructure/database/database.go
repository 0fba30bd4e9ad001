package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/nerrad567/lockgate-core/internal/infrastructure/config"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	pingTimeout     = 5 * time.Second
	connMaxIdleTime = 30 * time.Minute
)

// DB is Lockgate's SQLite handle. It holds the audit trail only; live lock
// state stays in memory and is rebuilt as locks reconnect.
// The pool holds a single connection.
type DB struct {
	*sql.DB
	path string
}

// Config is the subset of the database section Open needs.
type Config struct {
	// Path is the database file. Missing parent directories are created.
	Path string

	// WALMode lets the audit API read while lock events are being written.
	WALMode bool

	// BusyTimeout is how long a statement waits on a locked database.
	BusyTimeout time.Duration
}

// FromConfig maps the database section of config.yaml onto Config.
func FromConfig(cfg config.DatabaseConfig) Config {
	return Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: time.Duration(cfg.BusyTimeout) * time.Second,
	}
}

// dsn builds the go-sqlite3 connection string. Pragmas are passed as
// query parameters so every pooled connection gets them.
func dsn(cfg Config) string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10))
	q.Set("_foreign_keys", "on")
	if cfg.WALMode {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Open opens (creating if needed) the database at cfg.Path and pings it.
//
// Parameters:
//   - ctx: bounds the ping (further capped at 5 seconds)
//   - cfg: file location and pragmas
//
// Returns:
//   - *DB: open database, schema not yet migrated
//   - error: if the directory or file cannot be created or opened
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("opening database: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // best effort on the error path
		return nil, fmt.Errorf("opening database %s: %w", cfg.Path, err)
	}

	// The ping created the file. Audit entries carry user ids; owner only.
	if err := os.Chmod(cfg.Path, filePermissions); err != nil {
		sqlDB.Close() //nolint:errcheck // best effort on the error path
		return nil, fmt.Errorf("restricting database permissions: %w", err)
	}

	return &DB{DB: sqlDB, path: cfg.Path}, nil
}

// Close closes the pool. Safe on a zero DB.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck runs a trivial query through the pool.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// SizeBytes returns the size of the main database file from SQLite's own
// page accounting, excluding the WAL.
func (db *DB) SizeBytes(ctx context.Context) (int64, error) {
	var pages, pageSize int64
	if err := db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0, fmt.Errorf("reading page count: %w", err)
	}
	if err := db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("reading page size: %w", err)
	}
	return pages * pageSize, nil
}

// Optimize refreshes query planner statistics. Run it after bulk deletes
// such as audit retention.
func (db *DB) Optimize(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("optimizing database: %w", err)
	}
	return nil
}
