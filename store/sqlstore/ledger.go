package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/stockroom/inventory"
)

var (
	_ inventory.Store    = (*Store)(nil)
	_ inventory.Products = (*Store)(nil)
)

// =============================================================================
// LEDGER ENTRIES (append-only)
// =============================================================================

const entryColumns = `id, store_code, product_code, seq, event_at, recorded_at,
	qty_in, price_in, qty_out, reason, actor, run_id,
	stock_after, avg_cost, onhand_value, derived_units, product_name, uom`

// Append inserts entry if its Seq directly follows the key's latest entry.
func (s *Store) Append(ctx context.Context, e inventory.Entry) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var latest int64
		err := tx.QueryRowContext(ctx,
			s.q("SELECT COALESCE(MAX(seq), 0) FROM ledger_entries WHERE store_code = ? AND product_code = ?"),
			e.Store, e.Product,
		).Scan(&latest)
		if err != nil {
			return fmt.Errorf("failed to read latest seq: %w", err)
		}
		if e.Seq != latest+1 {
			return fmt.Errorf("%w: %s expected seq %d, got %d",
				inventory.ErrConcurrentModification, e.Key(), latest+1, e.Seq)
		}

		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO ledger_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			e.ID, e.Store, e.Product, e.Seq,
			formatTime(e.At), formatTime(e.RecordedAt),
			e.QtyIn.String(), e.PriceIn.String(), e.QtyOut.String(),
			e.Reason, e.Actor, e.RunID,
			e.StockAfter.String(), e.AvgCost.String(), e.OnHandValue.String(), e.DerivedUnits.String(),
			e.ProductName, e.UOM,
		)
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %s seq %d already written", inventory.ErrConcurrentModification, e.Key(), e.Seq)
			}
			return fmt.Errorf("failed to append entry: %w", err)
		}
		return nil
	})
	// A unique violation can also surface at commit on some drivers.
	if err != nil && !errors.Is(err, inventory.ErrConcurrentModification) && s.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s seq %d", inventory.ErrConcurrentModification, e.Key(), e.Seq)
	}
	return err
}

func (s *Store) Latest(ctx context.Context, key inventory.Key) (inventory.Entry, bool, error) {
	entries, err := s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		WHERE store_code = ? AND product_code = ?
		ORDER BY seq DESC LIMIT 1`,
		key.Store, key.Product)
	if err != nil {
		return inventory.Entry{}, false, err
	}
	if len(entries) == 0 {
		return inventory.Entry{}, false, nil
	}
	return entries[0], true, nil
}

// History returns up to limit entries for key, newest first. limit <= 0
// returns all of them.
func (s *Store) History(ctx context.Context, key inventory.Key, limit int) ([]inventory.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE store_code = ? AND product_code = ?
		ORDER BY seq DESC`
	args := []any{key.Store, key.Product}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEntries(ctx, query, args...)
}

func (s *Store) LatestByStore(ctx context.Context, store string) ([]inventory.Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries e
		WHERE e.store_code = ?
		  AND e.seq = (
			SELECT MAX(m.seq) FROM ledger_entries m
			WHERE m.store_code = e.store_code AND m.product_code = e.product_code
		  )
		ORDER BY e.product_code`,
		store)
}

func (s *Store) EntriesByRun(ctx context.Context, runID string) ([]inventory.Entry, error) {
	if runID == "" {
		return []inventory.Entry{}, nil
	}
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE run_id = ? ORDER BY pos`,
		runID)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]inventory.Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []inventory.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (inventory.Entry, error) {
	var (
		e                        inventory.Entry
		at, recordedAt           string
		qtyIn, priceIn, qtyOut   string
		stock, avg, value, units string
	)
	err := rows.Scan(
		&e.ID, &e.Store, &e.Product, &e.Seq, &at, &recordedAt,
		&qtyIn, &priceIn, &qtyOut, &e.Reason, &e.Actor, &e.RunID,
		&stock, &avg, &value, &units, &e.ProductName, &e.UOM,
	)
	if err != nil {
		return inventory.Entry{}, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	if e.At, err = parseTime(at); err != nil {
		return inventory.Entry{}, err
	}
	if e.RecordedAt, err = parseTime(recordedAt); err != nil {
		return inventory.Entry{}, err
	}
	p := decimalParser{}
	e.QtyIn = p.parse(qtyIn)
	e.PriceIn = p.parse(priceIn)
	e.QtyOut = p.parse(qtyOut)
	e.StockAfter = p.parse(stock)
	e.AvgCost = p.parse(avg)
	e.OnHandValue = p.parse(value)
	e.DerivedUnits = p.parse(units)
	if p.err != nil {
		return inventory.Entry{}, fmt.Errorf("ledger entry %s: %w", e.ID, p.err)
	}
	return e, nil
}

// decimalParser parses a run of decimal columns, keeping the first error.
type decimalParser struct{ err error }

func (p *decimalParser) parse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid stored decimal %q: %w", s, err)
	}
	return d
}

// =============================================================================
// PRODUCTS
// =============================================================================

// SaveProduct inserts or replaces a product.
func (s *Store) SaveProduct(ctx context.Context, p inventory.Product) error {
	query := s.dialect.Upsert("products", "code", []string{"name", "uom", "category"})
	_, err := s.db.ExecContext(ctx, s.q(query), p.Code, p.Name, p.UOM, p.Category)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

func (s *Store) Product(ctx context.Context, code string) (inventory.Product, error) {
	var p inventory.Product
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT code, name, uom, category FROM products WHERE code = ?"), code,
	).Scan(&p.Code, &p.Name, &p.UOM, &p.Category)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Product{}, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, code)
	}
	if err != nil {
		return inventory.Product{}, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// ListProducts returns every product ordered by category, then name.
func (s *Store) ListProducts(ctx context.Context) ([]inventory.Product, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT code, name, uom, category FROM products ORDER BY category, name, code")
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	products := []inventory.Product{}
	for rows.Next() {
		var p inventory.Product
		if err := rows.Scan(&p.Code, &p.Name, &p.UOM, &p.Category); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}
