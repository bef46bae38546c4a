// Package store persists the shared permit-tracker state in an embedded
// SQLite database and implements the synchronization engine on top of it:
// the revision-gated apply protocol, the snapshot (full-replace) path, the
// compatibility mirror, and tombstone retention.
//
// Layout: one state row per tenant (app_state) holding the revision counter
// and the mirror payload, plus one table per entity kind with a natural key
// and a deleted_at tombstone marker, all partitioned by app_id. The state
// row's revision is the sole concurrency-control token: every write names
// the revision it observed and either advances it by exactly one or touches
// nothing.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DefaultRetention is how long a tombstone must survive before the sweeper
// may physically remove it.
const DefaultRetention = 30 * 24 * time.Hour

// SchemaVersion is the current payload schema version, carried on the state
// row for compatibility checks by legacy readers.
const SchemaVersion = 3

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store wraps the SQLite connection with the sync engine operations.
type Store struct {
	conn      *sql.DB
	path      string
	retention time.Duration
	logger    *log.Logger

	// Per-tenant write serialization. Two applies to the same tenant queue
	// here; applies to different tenants only contend on SQLite's writer
	// lock, never on each other's revision check.
	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

// Options configures a Store. The zero value is usable.
type Options struct {
	// Retention is the tombstone retention window (default: DefaultRetention).
	Retention time.Duration

	// Logger for engine activity. If nil, a default stderr logger is used.
	Logger *log.Logger
}

// Open creates a database connection at the specified path and bootstraps
// the schema. The database runs in embedded mode with WAL for concurrent
// reads. The caller must call Close when done.
func Open(path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// _txlock=immediate makes every write transaction take the writer lock
	// up front, so a revision check never has to upgrade mid-transaction.
	connStr := fmt.Sprintf("file:%s?_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:      conn,
		path:      path,
		retention: retention,
		logger:    logger,
		tenants:   make(map[string]*sync.Mutex),
	}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Retention returns the configured tombstone retention window.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// kindTable describes one entity table: five kinds share the same shape
// (natural key plus a JSON document column); template assignments have
// their own table because deletes also clear the assigned template id.
type kindTable struct {
	table    string
	keyCol   string
	keyField string // JSON field name of the natural key, for tombstone placeholders
}

var kindTables = []kindTable{
	{table: "contacts", keyCol: "contact_id", keyField: "contact_id"},
	{table: "jurisdictions", keyCol: "jurisdiction_id", keyField: "jurisdiction_id"},
	{table: "properties", keyCol: "property_id", keyField: "property_id"},
	{table: "permits", keyCol: "permit_id", keyField: "permit_id"},
	{table: "document_templates", keyCol: "template_id", keyField: "template_id"},
}

// assignmentsTable is the sixth kind, keyed by permit type.
const assignmentsTable = "template_assignments"

// initSchema creates the database schema if it doesn't exist. Idempotent.
func (s *Store) initSchema() error {
	var b strings.Builder

	b.WriteString(`
	CREATE TABLE IF NOT EXISTS app_state (
		app_id TEXT PRIMARY KEY,
		revision INTEGER NOT NULL DEFAULT 0,
		schema_version INTEGER NOT NULL DEFAULT 3,
		saved_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT '',
		updated_by TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}'
	);
	`)

	for _, kt := range kindTables {
		fmt.Fprintf(&b, `
	CREATE TABLE IF NOT EXISTS %[1]s (
		app_id TEXT NOT NULL,
		%[2]s TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL,
		updated_by TEXT NOT NULL DEFAULT '',
		deleted_at TEXT,
		PRIMARY KEY (app_id, %[2]s)
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_tombstone
	    ON %[1]s(app_id, deleted_at) WHERE deleted_at IS NOT NULL;
	`, kt.table, kt.keyCol)
	}

	b.WriteString(`
	CREATE TABLE IF NOT EXISTS template_assignments (
		app_id TEXT NOT NULL,
		permit_type TEXT NOT NULL,
		template_id TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		updated_by TEXT NOT NULL DEFAULT '',
		deleted_at TEXT,
		PRIMARY KEY (app_id, permit_type)
	);
	CREATE INDEX IF NOT EXISTS idx_template_assignments_tombstone
	    ON template_assignments(app_id, deleted_at) WHERE deleted_at IS NOT NULL;
	`)

	if _, err := s.conn.Exec(b.String()); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// tenantLock returns the write-serialization mutex for a tenant, creating
// it on first use.
func (s *Store) tenantLock(tenant string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.tenants[tenant]
	if !ok {
		lock = &sync.Mutex{}
		s.tenants[tenant] = lock
	}
	return lock
}

// normalizeTenant validates and trims the tenant key.
func normalizeTenant(tenant string) (string, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return "", fmt.Errorf("tenant is required")
	}
	return tenant, nil
}

// stamp formats a timestamp the way every table stores it. UTC RFC 3339
// keeps string comparison equivalent to time comparison, which the sweeper
// relies on.
func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
