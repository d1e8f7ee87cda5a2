// Package store is the corpus database: crates, functions, types, source
// locations and call edges identified by dense global ids, plus the registry
// of units already merged.
//
// Interning tables map natural keys to global ids and only ever grow. Once a
// key is interned it keeps its id for the lifetime of the database.
//
// Writes happen through Update, one SQLite transaction per call. The merger
// commits each unit in its own transaction, so an interrupted merge leaves
// whole units only. The store does not coordinate separate processes: two
// merges against the same file at once are unsupported, and an analysis run
// alongside a merge sees whichever units had committed when its snapshot
// began.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
)

// ErrConsistency reports a natural key bound to two different global ids,
// or one global id bound to two natural keys.
var ErrConsistency = errors.New("store: consistency violation")

const defaultCacheSize = 1 << 16

// Store is the SQLite-backed corpus database.
type Store struct {
	db *sql.DB

	// mu serializes writers within this process.
	mu sync.Mutex

	crateIDs    *lru.Cache[string, int64]
	functionIDs *lru.Cache[string, int64]
	typeIDs     *lru.Cache[string, int64]
	locationIDs *lru.Cache[string, int64]
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	s.crateIDs, _ = lru.New[string, int64](defaultCacheSize)
	s.functionIDs, _ = lru.New[string, int64](defaultCacheSize)
	s.typeIDs, _ = lru.New[string, int64](defaultCacheSize)
	s.locationIDs, _ = lru.New[string, int64](defaultCacheSize)
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates all tables and indexes and stamps the database with an
// instance id on first use. Idempotent.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	_, err := s.db.Exec(
		"INSERT INTO metadata (key, value) VALUES ('instance_id', ?) ON CONFLICT(key) DO NOTHING",
		uuid.NewString(),
	)
	if err != nil {
		return fmt.Errorf("migrate: stamp instance: %w", err)
	}
	return nil
}

// InstanceID returns the id stamped into the database by Migrate.
func (s *Store) InstanceID(ctx context.Context) (string, error) {
	return s.Metadata(ctx, "instance_id")
}

// Metadata returns the value stored under key, or "" if absent.
func (s *Store) Metadata(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("metadata %q: %w", key, err)
	}
	return v, nil
}

// SetMetadata upserts a metadata value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set metadata %q: %w", key, err)
	}
	return nil
}

// Update runs fn inside one write transaction. If fn returns an error the
// transaction is rolled back and the intern caches are dropped, since they
// may hold ids that never committed.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update: begin: %w", err)
	}
	tx := &Tx{tx: sqlTx, s: s, ctx: ctx}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		s.purgeCaches()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		s.purgeCaches()
		return fmt.Errorf("update: commit: %w", err)
	}
	return nil
}

func (s *Store) purgeCaches() {
	s.crateIDs.Purge()
	s.functionIDs.Purge()
	s.typeIDs.Purge()
	s.locationIDs.Purge()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS metadata (
  key    TEXT PRIMARY KEY,
  value  TEXT NOT NULL
);

-- Interning tables

CREATE TABLE IF NOT EXISTS crates (
  id       INTEGER PRIMARY KEY,
  name     TEXT NOT NULL,
  version  TEXT NOT NULL,
  UNIQUE (name, version)
);

CREATE TABLE IF NOT EXISTS locations (
  id        INTEGER PRIMARY KEY,
  crate_id  INTEGER NOT NULL REFERENCES crates(id),
  file      TEXT NOT NULL,
  line      INTEGER NOT NULL,
  col       INTEGER NOT NULL,
  UNIQUE (crate_id, file, line, col)
);

CREATE TABLE IF NOT EXISTS functions (
  id           INTEGER PRIMARY KEY,
  crate_id     INTEGER NOT NULL REFERENCES crates(id),
  symbol       TEXT NOT NULL,
  name         TEXT NOT NULL,
  generic      BOOLEAN NOT NULL DEFAULT FALSE,
  visibility   TEXT NOT NULL DEFAULT '',
  location_id  INTEGER REFERENCES locations(id),
  lines        INTEGER NOT NULL DEFAULT 0,
  UNIQUE (crate_id, symbol)
);

CREATE TABLE IF NOT EXISTS types (
  id          INTEGER PRIMARY KEY,
  crate_id    INTEGER NOT NULL REFERENCES crates(id),
  descriptor  TEXT NOT NULL,
  kind        TEXT NOT NULL,
  name        TEXT NOT NULL DEFAULT '',
  UNIQUE (crate_id, descriptor)
);

-- Trait structure

CREATE TABLE IF NOT EXISTS trait_impls (
  id             INTEGER PRIMARY KEY,
  trait_type_id  INTEGER NOT NULL REFERENCES types(id),
  self_type_id   INTEGER NOT NULL REFERENCES types(id),
  UNIQUE (trait_type_id, self_type_id)
);

CREATE TABLE IF NOT EXISTS impl_methods (
  impl_id      INTEGER NOT NULL REFERENCES trait_impls(id),
  name         TEXT NOT NULL,
  function_id  INTEGER NOT NULL REFERENCES functions(id),
  PRIMARY KEY (impl_id, name)
);

CREATE TABLE IF NOT EXISTS trait_methods (
  trait_type_id        INTEGER NOT NULL REFERENCES types(id),
  name                 TEXT NOT NULL,
  signature            TEXT NOT NULL DEFAULT '',
  default_function_id  INTEGER REFERENCES functions(id),
  PRIMARY KEY (trait_type_id, name)
);

-- Units and call edges

CREATE TABLE IF NOT EXISTS units (
  id           INTEGER PRIMARY KEY,
  crate_id     INTEGER NOT NULL REFERENCES crates(id),
  target       TEXT NOT NULL,
  dump_path    TEXT NOT NULL,
  dump_sha256  TEXT NOT NULL,
  extractor    TEXT NOT NULL DEFAULT '',
  functions    INTEGER NOT NULL DEFAULT 0,
  call_edges   INTEGER NOT NULL DEFAULT 0,
  merged_at    TIMESTAMP NOT NULL,
  UNIQUE (crate_id, target)
);

CREATE TABLE IF NOT EXISTS call_edges (
  id                INTEGER PRIMARY KEY,
  unit_id           INTEGER NOT NULL REFERENCES units(id),
  caller_id         INTEGER NOT NULL REFERENCES functions(id),
  kind              TEXT NOT NULL,
  callee_id         INTEGER REFERENCES functions(id),
  external_crate    TEXT,
  external_symbol   TEXT,
  method_trait_id   INTEGER REFERENCES types(id),
  method_name       TEXT,
  method_signature  TEXT,
  location_id       INTEGER REFERENCES locations(id)
);

CREATE TABLE IF NOT EXISTS call_edge_functions (
  edge_id      INTEGER NOT NULL REFERENCES call_edges(id),
  role         TEXT NOT NULL,
  function_id  INTEGER NOT NULL REFERENCES functions(id),
  PRIMARY KEY (edge_id, role, function_id)
);

CREATE TABLE IF NOT EXISTS call_edge_bounds (
  edge_id  INTEGER NOT NULL REFERENCES call_edges(id),
  type_id  INTEGER NOT NULL REFERENCES types(id),
  PRIMARY KEY (edge_id, type_id)
);

CREATE INDEX IF NOT EXISTS idx_functions_symbol ON functions(symbol);
CREATE INDEX IF NOT EXISTS idx_call_edges_caller ON call_edges(caller_id);
CREATE INDEX IF NOT EXISTS idx_call_edges_unit ON call_edges(unit_id);
CREATE INDEX IF NOT EXISTS idx_trait_impls_trait ON trait_impls(trait_type_id);
`
