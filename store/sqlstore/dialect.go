package sqlstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// =============================================================================
// DIALECTS
// =============================================================================

// Dialect captures the SQL differences between the supported databases.
// Queries are written with '?' placeholders and rebound per dialect.
type Dialect struct {
	Name   string // sqlite, postgres, mysql
	Driver string // database/sql driver name

	keyType    string // indexed string columns
	serialPK   string // auto-increment primary key column definition
	dollarArgs bool   // $1, $2 instead of ?
	// inlineIndexes means secondary indexes go inside CREATE TABLE (MySQL has
	// no CREATE INDEX IF NOT EXISTS).
	inlineIndexes bool
	// upsertTail renders the conflict clause of an upsert on key, updating cols.
	upsertTail func(key string, cols []string) string
	uniqueErr  func(error) bool
}

var (
	SQLite = Dialect{
		Name:       "sqlite",
		Driver:     "sqlite3",
		keyType:    "TEXT",
		serialPK:   "pos INTEGER PRIMARY KEY AUTOINCREMENT",
		upsertTail: onConflictUpsert,
		uniqueErr:  isSQLiteUnique,
	}

	Postgres = Dialect{
		Name:       "postgres",
		Driver:     "pgx",
		keyType:    "TEXT",
		serialPK:   "pos BIGSERIAL PRIMARY KEY",
		dollarArgs: true,
		upsertTail: onConflictUpsert,
		uniqueErr:  isPostgresUnique,
	}

	MySQL = Dialect{
		Name:          "mysql",
		Driver:        "mysql",
		keyType:       "VARCHAR(191)",
		serialPK:      "pos BIGINT AUTO_INCREMENT PRIMARY KEY",
		inlineIndexes: true,
		upsertTail:    onDuplicateKeyUpsert,
		uniqueErr:     isMySQLUnique,
	}
)

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", name)
	}
}

// Rebind rewrites '?' placeholders for the dialect. Placeholders inside
// quoted literals are not supported; none of the store's queries use them.
func (d Dialect) Rebind(query string) string {
	if !d.dollarArgs {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Upsert returns an INSERT that replaces cols when key already exists.
func (d Dialect) Upsert(table, key string, cols []string) string {
	all := append([]string{key}, cols...)
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(all)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
		table, strings.Join(all, ", "), marks, d.upsertTail(key, cols))
}

// IsUniqueViolation reports whether err is a unique or primary-key
// constraint failure.
func (d Dialect) IsUniqueViolation(err error) bool {
	return err != nil && d.uniqueErr(err)
}

func onConflictUpsert(key string, cols []string) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", key, strings.Join(sets, ", "))
}

func onDuplicateKeyUpsert(_ string, cols []string) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

func isSQLiteUnique(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isPostgresUnique(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == "23505"
}

func isMySQLUnique(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

// =============================================================================
// SCHEMA
// =============================================================================

// schema returns the DDL statements for the dialect, in order.
func (d Dialect) schema() []string {
	key := d.keyType
	index := func(name, table, cols string) (inline, stmt string) {
		if d.inlineIndexes {
			return fmt.Sprintf(",\n\t\tINDEX %s (%s)", name, cols), ""
		}
		return "", fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, cols)
	}

	runIdx, runStmt := index("idx_ledger_run", "ledger_entries", "run_id")
	openIdx, openStmt := index("idx_runs_store_status", "production_runs", "store_code, status")
	auditIdx, auditStmt := index("idx_audit_store", "audit_log", "store_code")

	stmts := []string{
		// Product master
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS products (
		code %[1]s PRIMARY KEY,
		name TEXT NOT NULL,
		uom TEXT NOT NULL,
		category TEXT NOT NULL
	)`, key),

		// Ledger (append-only). UNIQUE(store, product, seq) is the
		// append-if-latest guard.
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ledger_entries (
		%[2]s,
		id %[1]s NOT NULL UNIQUE,
		store_code %[1]s NOT NULL,
		product_code %[1]s NOT NULL,
		seq BIGINT NOT NULL,
		event_at %[1]s NOT NULL,
		recorded_at %[1]s NOT NULL,
		qty_in TEXT NOT NULL,
		price_in TEXT NOT NULL,
		qty_out TEXT NOT NULL,
		reason TEXT NOT NULL,
		actor TEXT NOT NULL,
		run_id %[1]s NOT NULL,
		stock_after TEXT NOT NULL,
		avg_cost TEXT NOT NULL,
		onhand_value TEXT NOT NULL,
		derived_units TEXT NOT NULL,
		product_name TEXT NOT NULL,
		uom TEXT NOT NULL,
		UNIQUE (store_code, product_code, seq)%[3]s
	)`, key, d.serialPK, runIdx),

		// Formulas, stored as factory JSON
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS formulas (
		code %[1]s PRIMARY KEY,
		name TEXT NOT NULL,
		kind %[1]s NOT NULL,
		config_json TEXT NOT NULL,
		updated_at %[1]s NOT NULL
	)`, key),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS production_runs (
		batch_id %[1]s PRIMARY KEY,
		store_code %[1]s NOT NULL,
		formula_code %[1]s NOT NULL,
		formula_name TEXT NOT NULL,
		kind %[1]s NOT NULL,
		status %[1]s NOT NULL,
		primary_inputs TEXT NOT NULL,
		post_qty TEXT NOT NULL,
		additives TEXT NOT NULL,
		output_qty TEXT NOT NULL,
		derived_units TEXT NOT NULL,
		unit_cost TEXT NOT NULL,
		material_cost TEXT NOT NULL,
		operator TEXT NOT NULL,
		note TEXT NOT NULL,
		started_at %[1]s NOT NULL,
		finished_at %[1]s NULL%[2]s
	)`, key, openIdx),

		// Audit log (append-only, separate from the ledger)
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_log (
		%[2]s,
		id %[1]s NOT NULL UNIQUE,
		ts %[1]s NOT NULL,
		actor %[1]s NOT NULL,
		action %[1]s NOT NULL,
		store_code %[1]s NOT NULL,
		subject TEXT NOT NULL,
		detail_json TEXT NOT NULL%[3]s
	)`, key, d.serialPK, auditIdx),
	}

	for _, s := range []string{runStmt, openStmt, auditStmt} {
		if s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
