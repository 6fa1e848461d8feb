/*
Package sqlstore provides a SQL-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the service on database/sql:
  SQLite for single-node and tests, PostgreSQL and MySQL for shared
  deployments. One schema, one set of queries; Dialect covers placeholders,
  upserts, column types and constraint-error detection.

INTERFACES IMPLEMENTED:
  inventory.Store:       ledger entries (append-if-latest)
  inventory.Products:    product master lookups
  inventory.AuditLog:    who did what
  production.Formulas:   formula lookups
  production.RunStore:   production runs

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_entries or audit_log
  - Append checks the key's MAX(seq) inside a transaction and the
    UNIQUE(store_code, product_code, seq) constraint catches any writer that
    slips past the check. Both surface as ErrConcurrentModification.

RUN COMPLETION:
  FinishRun is a conditional UPDATE ... WHERE status = 'in_progress'. Zero
  rows affected means someone else finished it (or it never existed).

VALUES:
  Quantities and money are stored as decimal strings (shopspring/decimal),
  never floats. Times are UTC strings in a fixed-width layout so that string
  order is time order on every dialect.

SQLITE:
  Opened with WAL and a busy timeout, and limited to one open connection:
  ":memory:" gives each connection its own database, and SQLite allows a
  single writer anyway.

USAGE:
  store, err := sqlstore.Open("sqlite", "./data/stockroom.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := inventory.NewEngine(store, store, inventory.WithAuditLog(store))

MIGRATION:
  Schema is auto-migrated on Open. For production, use a versioned
  migration tool (golang-migrate, goose).

SEE ALSO:
  - inventory/store.go: ledger interface definitions
  - production/run.go: run and formula interfaces
  - inventory/store/memory.go: in-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/stockroom/factory"
)

// timeLayout is RFC 3339 with fixed nanoseconds, so lexical order matches
// chronological order for UTC values.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces on a SQL database.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	formulas *factory.FormulaFactory
}

// Open connects to the database named by driver ("sqlite", "postgres" or
// "mysql") and migrates the schema. Use ":memory:" with sqlite for an
// in-memory database.
func Open(driver, dsn string) (*Store, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if d.Name == SQLite.Name {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.Name == SQLite.Name {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", d.Name, err)
	}

	store, err := New(db, d)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open database and migrates the schema.
func New(db *sql.DB, d Dialect) (*Store, error) {
	s := &Store{db: db, dialect: d, formulas: factory.NewFormulaFactory()}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect returns the dialect the store was opened with.
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// Reset deletes all data. Used when loading demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"audit_log", "production_runs", "formulas", "ledger_entries", "products"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

// withTx runs fn in a transaction, committing if it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
