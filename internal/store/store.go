/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	applog "acecoredata/internal/log"
	"acecoredata/internal/model"
	"acecoredata/internal/version"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite = "sqlite"
	DriverPgx    = "pgx"

	// schemaVersion tracks the object table layout.
	// Bump this when you perform breaking schema changes and add migrations.
	schemaVersion = 2

	defaultBusyTimeout = 5 * time.Second
)

// Options selects the engine and the physical location of the store.
type Options struct {
	// Driver is DriverSQLite (default) or DriverPgx.
	Driver string
	// Path is the SQLite file. Empty means a private in-memory database.
	Path string
	// DSN is the PostgreSQL connection string for DriverPgx.
	DSN         string
	BusyTimeout time.Duration
}

// Store is the storage handle: one opened database plus the model it was opened with.
// Reads may run concurrently; Apply serializes physical writes.
type Store struct {
	db      *sql.DB
	dialect dialect
	model   *model.Model
	path    string
	log     *slog.Logger

	writeMu sync.Mutex
	writes  atomic.Int64
	closed  atomic.Bool
}

// Open opens (creating if needed) the store described by opts and brings its schema up to date.
func Open(ctx context.Context, m *model.Model, opts Options) (*Store, error) {
	if m == nil {
		return nil, errors.New("model is required")
	}
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	l := applog.WithOperation(applog.WithComponent("store"), "open").With(
		slog.String("driver", driver),
		slog.String("path", displayPath(opts.Path)),
	)
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}

	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(opts)
		d = sqliteDialect{}
	case DriverPgx:
		db, err = openPgx(opts)
		d = pgDialect{}
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		l.Error("open failed", slog.Any("err", err))
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		l.Error("ping failed", slog.Any("err", err))
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &Store{db: db, dialect: d, model: m, path: opts.Path, log: applog.WithComponent("store")}
	if err := s.ensureMetaAndVersion(ctx); err != nil {
		_ = db.Close()
		l.Error("ensure meta/version failed", slog.Any("err", err))
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		l.Error("ensure schema failed", slog.Any("err", err))
		return nil, err
	}
	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		l.Error("run migrations failed", slog.Any("err", err))
		return nil, err
	}
	if err := s.recordModel(ctx); err != nil {
		l.Warn("record model in meta failed", slog.Any("err", err))
	}
	l.Info("store ready")
	return s, nil
}

func openSQLite(opts Options) (*sql.DB, error) {
	pragmas := fmt.Sprintf("_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", opts.BusyTimeout.Milliseconds())
	var dsn string
	memory := strings.TrimSpace(opts.Path) == ""
	if memory {
		// A uniquely named shared-cache memory database lives as long as one connection stays open.
		dsn = fmt.Sprintf("file:acd-%s?mode=memory&cache=shared&%s", uuid.NewString(), pragmas)
	} else {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		// Use a URI and convert to forward slashes for SQLite.
		dsn = fmt.Sprintf("file:%s?%s&_pragma=journal_mode(WAL)", filepath.ToSlash(opts.Path), pragmas)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		// WAL lets readers proceed while the single writer commits.
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}
	return db, nil
}

func displayPath(p string) string {
	if strings.TrimSpace(p) == "" {
		return ":memory:"
	}
	return p
}

// Model returns the model the store validates against.
func (s *Store) Model() *model.Model { return s.model }

// Path returns the file location, or "" for in-memory stores.
func (s *Store) Path() string { return s.path }

// Writes returns how many physical write transactions have committed.
func (s *Store) Writes() int64 { return s.writes.Load() }

// Close releases the database. It is safe to call more than once.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	// wait for an in-flight write
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Close()
}

// Destroy closes the store and removes its files. In-memory stores are simply closed.
func (s *Store) Destroy() error {
	if err := s.Close(); err != nil {
		return err
	}
	if s.path == "" {
		return nil
	}
	var firstErr error
	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		s.log.Info("store deleted", slog.String("path", s.path))
	}
	return firstErr
}

func (s *Store) ensureMetaAndVersion(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS version (
			id          INTEGER PRIMARY KEY CHECK(id=1),
			schema      INTEGER NOT NULL,
			app         TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	appv := version.String()
	var curSchema int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT schema FROM version WHERE id=1`)).Scan(&curSchema)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// A fresh database starts at the first layout; migrations take it from there.
		if _, err := s.db.ExecContext(ctx, s.q(`INSERT INTO version (id, schema, app, created_at, updated_at) VALUES(1, ?, ?, ?, ?)`), 1, appv, now, now); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	default:
		if _, err := s.db.ExecContext(ctx, s.q(`UPDATE version SET app=?, updated_at=? WHERE id=1`), appv, now); err != nil {
			return fmt.Errorf("update version: %w", err)
		}
	}
	return nil
}

// ensureSchema creates the object table in its first layout.
func (s *Store) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			id         TEXT    PRIMARY KEY,
			entity     TEXT    NOT NULL,
			unique_key TEXT,
			data       TEXT    NOT NULL,
			version    INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT    NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// runMigrations applies incremental schema migrations up to schemaVersion.
func (s *Store) runMigrations(ctx context.Context) error {
	var cur int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT schema FROM version WHERE id=1`)).Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if cur > schemaVersion {
		s.log.Warn("store schema is newer than this build", slog.Int("schema", cur), slog.Int("supported", schemaVersion))
		return nil
	}
	for cur < schemaVersion {
		next := cur + 1
		var stmts []string
		switch next {
		case 2:
			// Entity scans and the per-entity unique key.
			stmts = []string{
				`CREATE INDEX IF NOT EXISTS idx_objects_entity ON objects(entity);`,
				`CREATE UNIQUE INDEX IF NOT EXISTS ux_objects_entity_key ON objects(entity, unique_key) WHERE unique_key IS NOT NULL;`,
			}
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", next, err)
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d stmt failed: %w", next, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE version SET schema=?, updated_at=? WHERE id=1`), next, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d update version: %w", next, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d commit: %w", next, err)
		}
		s.log.Debug("migration applied", slog.Int("schema", next))
		cur = next
	}
	return nil
}

func (s *Store) recordModel(ctx context.Context) error {
	q := s.q(`INSERT INTO meta(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`)
	name := s.model.Name
	if name == "" {
		name = "unnamed"
	}
	if _, err := s.db.ExecContext(ctx, q, "model", fmt.Sprintf("%s@%d", name, s.model.Version)); err != nil {
		return err
	}
	return nil
}

// SchemaVersion reports the layout version recorded in the store.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT schema FROM version WHERE id=1`)).Scan(&v)
	return v, err
}

func (s *Store) q(query string) string { return s.dialect.rebind(query) }
