// Package store provides the shared SQLite connection setup used by
// every service's local database, following the profile-based PRAGMA
// tuning of the teacher's internal/database package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Profile selects PRAGMA tuning appropriate to the data's durability
// and access-pattern requirements.
type Profile string

const (
	// ProfileLedger is maximum-safety tuning for immutable audit trails
	// (trades, signals, maintenance logs).
	ProfileLedger Profile = "ledger"
	// ProfileCache is maximum-speed tuning for ephemeral data (the DMS
	// read cache).
	ProfileCache Profile = "cache"
	// ProfileStandard is balanced tuning for everything else.
	ProfileStandard Profile = "standard"
)

// Config configures a new DB.
type Config struct {
	Path    string
	Profile Profile
	Name    string
}

// DB wraps *sql.DB with the service's chosen profile.
type DB struct {
	conn    *sql.DB
	path    string
	profile Profile
	name    string
}

// Open opens (and creates if necessary) a SQLite database at cfg.Path
// with profile-appropriate PRAGMAs and connection-pool limits.
func Open(cfg Config) (*DB, error) {
	if cfg.Path != ":memory:" {
		abs, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("store: resolve path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
		cfg.Path = abs
	}
	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	conn, err := sql.Open("sqlite", connString(cfg.Path, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Name, err)
	}
	configurePool(conn, cfg.Profile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", cfg.Name, err)
	}

	return &DB{conn: conn, path: cfg.Path, profile: cfg.Profile, name: cfg.Name}, nil
}

func connString(path string, profile Profile) string {
	s := path + "?_pragma=journal_mode(WAL)"
	switch profile {
	case ProfileLedger:
		s += "&_pragma=synchronous(FULL)"
		s += "&_pragma=auto_vacuum(NONE)"
	case ProfileCache:
		s += "&_pragma=synchronous(OFF)"
		s += "&_pragma=auto_vacuum(FULL)"
		s += "&_pragma=temp_store(MEMORY)"
	default:
		s += "&_pragma=synchronous(NORMAL)"
		s += "&_pragma=auto_vacuum(INCREMENTAL)"
		s += "&_pragma=temp_store(MEMORY)"
	}
	s += "&_pragma=foreign_keys(1)"
	s += "&_pragma=busy_timeout(5000)"
	return s
}

func configurePool(conn *sql.DB, profile Profile) {
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(10 * time.Minute)
	if profile == ProfileCache {
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(2)
	}
}

// Conn returns the underlying *sql.DB for repositories to use.
func (d *DB) Conn() *sql.DB { return d.conn }

// Name returns the friendly database name used in logging.
func (d *DB) Name() string { return d.name }

// Path returns the resolved database file path.
func (d *DB) Path() string { return d.path }

// Close closes the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

// Exec runs schema or migration statements against the connection.
func (d *DB) Exec(query string) error {
	_, err := d.conn.Exec(query)
	if err != nil {
		return fmt.Errorf("store: exec on %s: %w", d.name, err)
	}
	return nil
}
