// Package store implements the persistent key/value and tabular substrate
// (spec.md §4.1) backing every other component. It wraps database/sql over
// an embedded SQLite file, following the single-writer/multi-reader
// discipline: writes go through WithWrite, which serialises callers behind
// a single mutex and wraps the statement(s) in a transaction; reads use the
// pool directly since SQLite's WAL mode tolerates concurrent readers.
//
// Design note (spec.md §9 "Persistence through text separators"): the
// source's separator-joined result rows are replaced by the database/sql
// driver's own parameter binding and typed column reads. Binary content is
// not stored as a BLOB: SmsEngine hex-encodes message bodies into a TEXT
// column and decodes them on read.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrKind distinguishes SQL failures from "no such row" so callers can
// tell a genuine error apart from absence (spec.md §4.1 "Failure").
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrNoRows
	ErrQuery
	ErrExec
)

type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	log *logrus.Logger
}

func Open(path string, log *logrus.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(8)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema runs idempotent CREATE TABLE IF NOT EXISTS statements at
// component init (spec.md §4.1 "Invariants"). Callers pass their own DDL;
// schema evolution is additive-columns-only going forward.
func (s *Store) EnsureSchema(ctx context.Context, stmts ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// WithWrite serialises fn behind the store's single writer lock and runs it
// inside a transaction, committing on success and rolling back on error or
// panic. Every mutating operation in the daemon goes through this.
func (s *Store) WithWrite(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// DB exposes the underlying pool for read-only queries. Readers never need
// the write mutex; SQLite WAL mode serves them concurrently with writers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// QueryScalarInt returns a single int64 column, reporting whether a row
// existed.
func (s *Store) QueryScalarInt(ctx context.Context, query string, args ...any) (int64, bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query scalar int: %w", err)
	}
	return v, true, nil
}

// QueryScalarString returns a single string column, reporting whether a
// row existed.
func (s *Store) QueryScalarString(ctx context.Context, query string, args ...any) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query scalar string: %w", err)
	}
	return v, true, nil
}
