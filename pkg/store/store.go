// Package store persists jobs, instances, tasks, workflow/dependency edges
// and worker groups to a relational database: PostgreSQL via lib/pq in
// production, SQLite via mattn/go-sqlite3 for local development and tests.
// Every mutation that must be serialized against a concurrent scanner
// sweep takes the instance row lock (SELECT ... FOR UPDATE on Postgres,
// an immediate transaction on SQLite) inside the same *sql.Tx as the
// state transition it guards.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/chrono/pkg/chronoerr"
)

// Dialect abstracts the two placeholder styles and locking idioms the
// supported drivers need.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// Store wraps a *sql.DB with the dialect-aware query helpers every
// per-entity store built on top of it shares.
type Store struct {
	DB      *sql.DB
	Dialect Dialect
}

// Open opens db with the given driver name ("postgres" or "sqlite3") and
// applies the schema migrations. For sqlite3, the DSN should carry
// "_txlock=immediate" so every BeginTx takes SQLite's write lock up front,
// matching Postgres's SELECT ... FOR UPDATE serialization semantics.
func Open(driverName, dsn string) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, chronoerr.New(chronoerr.KindFatal, "store.Open", err)
	}
	if err := db.Ping(); err != nil {
		return nil, chronoerr.New(chronoerr.KindFatal, "store.Open", err)
	}

	dialect := DialectPostgres
	if driverName == "sqlite3" {
		dialect = DialectSQLite
	}

	s := &Store{DB: db, Dialect: dialect}
	if err := Migrate(s); err != nil {
		return nil, err
	}
	return s, nil
}

// rebind rewrites a query written with "?" placeholders into the target
// dialect's native form ("?" stays as-is on SQLite, becomes $1, $2, ...
// on Postgres).
func (s *Store) rebind(query string) string {
	if s.Dialect == DialectSQLite {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// lockClause returns the trailing clause that takes a row lock on SELECT,
// "FOR UPDATE" on Postgres and empty on SQLite (SQLite serializes via the
// immediate transaction started by BeginTx instead).
func (s *Store) lockClause() string {
	if s.Dialect == DialectPostgres {
		return "FOR UPDATE"
	}
	return ""
}

// BeginTx starts a transaction. On SQLite the DSN is expected to carry
// "_txlock=immediate" (see Open's doc), so this BeginTx already acquires
// the write lock up front instead of racing other writers at commit time;
// on Postgres the row lock comes from the SELECT ... FOR UPDATE issued
// inside the transaction instead.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, chronoerr.New(chronoerr.KindTransient, "store.BeginTx", err)
	}
	return tx, nil
}

func (s *Store) Exec(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) (sql.Result, error) {
	q := s.rebind(query)
	if tx != nil {
		return tx.ExecContext(ctx, q, args...)
	}
	return s.DB.ExecContext(ctx, q, args...)
}

func (s *Store) Query(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) (*sql.Rows, error) {
	q := s.rebind(query)
	if tx != nil {
		return tx.QueryContext(ctx, q, args...)
	}
	return s.DB.QueryContext(ctx, q, args...)
}

func (s *Store) QueryRow(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) *sql.Row {
	q := s.rebind(query)
	if tx != nil {
		return tx.QueryRowContext(ctx, q, args...)
	}
	return s.DB.QueryRowContext(ctx, q, args...)
}

// classify maps a raw driver error to a chronoerr.Kind: sql.ErrNoRows is
// left untranslated so callers can keep testing for it directly, anything
// else is treated as transient (connection loss, deadlock) unless the
// caller knows better.
func classify(op string, err error) error {
	if err == nil || err == sql.ErrNoRows {
		return err
	}
	return chronoerr.New(chronoerr.KindTransient, op, err)
}

var errNotFound = fmt.Errorf("not found")

// ErrNotFound is returned by per-entity Get methods when no row matches.
func ErrNotFound() error { return errNotFound }
