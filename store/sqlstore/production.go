package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stockroom/production"
)

var (
	_ production.Formulas = (*Store)(nil)
	_ production.RunStore = (*Store)(nil)
)

// =============================================================================
// FORMULAS
// =============================================================================

// SaveFormula validates f and inserts or replaces it. The definition is kept
// as factory JSON, so older field names keep loading.
func (s *Store) SaveFormula(ctx context.Context, f production.Formula) error {
	if err := f.Validate(); err != nil {
		return err
	}
	config, err := json.Marshal(s.formulas.ToJSON(f))
	if err != nil {
		return fmt.Errorf("failed to encode formula: %w", err)
	}
	query := s.dialect.Upsert("formulas", "code", []string{"name", "kind", "config_json", "updated_at"})
	_, err = s.db.ExecContext(ctx, s.q(query),
		f.Code, f.Name, string(f.Kind), string(config), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save formula: %w", err)
	}
	return nil
}

func (s *Store) Formula(ctx context.Context, code string) (production.Formula, error) {
	var config string
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT config_json FROM formulas WHERE code = ?"), code,
	).Scan(&config)
	if errors.Is(err, sql.ErrNoRows) {
		return production.Formula{}, fmt.Errorf("%w: %s", production.ErrFormulaNotFound, code)
	}
	if err != nil {
		return production.Formula{}, fmt.Errorf("failed to get formula: %w", err)
	}
	return s.formulas.ParseFormula(config)
}

// ListFormulas returns every formula ordered by code.
func (s *Store) ListFormulas(ctx context.Context) ([]production.Formula, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT config_json FROM formulas ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("failed to list formulas: %w", err)
	}
	defer rows.Close()

	formulas := []production.Formula{}
	for rows.Next() {
		var config string
		if err := rows.Scan(&config); err != nil {
			return nil, err
		}
		f, err := s.formulas.ParseFormula(config)
		if err != nil {
			return nil, err
		}
		formulas = append(formulas, f)
	}
	return formulas, rows.Err()
}

// =============================================================================
// PRODUCTION RUNS
// =============================================================================

const runColumns = `batch_id, store_code, formula_code, formula_name, kind, status,
	primary_inputs, post_qty, additives, output_qty, derived_units, unit_cost, material_cost,
	operator, note, started_at, finished_at`

func (s *Store) CreateRun(ctx context.Context, r production.Run) error {
	inputs, err := encodeQuantities(r.PrimaryInputs)
	if err != nil {
		return err
	}
	additives, err := encodeQuantities(r.Additives)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO production_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.BatchID, r.Store, r.FormulaCode, r.FormulaName, string(r.Kind), string(r.Status),
		inputs, r.PostQty.String(), additives,
		r.OutputQty.String(), r.DerivedUnits.String(), r.UnitCost.String(), r.MaterialCost.String(),
		r.Operator, r.Note, formatTime(r.StartedAt), nullTime(r.FinishedAt),
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", production.ErrDuplicateBatch, r.BatchID)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, batchID string) (production.Run, error) {
	runs, err := s.queryRuns(ctx, `SELECT `+runColumns+` FROM production_runs WHERE batch_id = ?`, batchID)
	if err != nil {
		return production.Run{}, err
	}
	if len(runs) == 0 {
		return production.Run{}, fmt.Errorf("%w: %s", production.ErrRunNotFound, batchID)
	}
	return runs[0], nil
}

// FinishRun moves the run to finished only if it is still in progress.
func (s *Store) FinishRun(ctx context.Context, batchID string, r production.RunResult) (production.Run, error) {
	finishedAt := r.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE production_runs
		SET status = ?, output_qty = ?, derived_units = ?, unit_cost = ?, material_cost = ?, finished_at = ?
		WHERE batch_id = ? AND status = ?`),
		string(production.StatusFinished),
		r.OutputQty.String(), r.DerivedUnits.String(), r.UnitCost.String(), r.MaterialCost.String(),
		formatTime(finishedAt),
		batchID, string(production.StatusInProgress),
	)
	if err != nil {
		return production.Run{}, fmt.Errorf("failed to finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return production.Run{}, fmt.Errorf("failed to finish run: %w", err)
	}

	run, err := s.GetRun(ctx, batchID)
	if err != nil {
		return production.Run{}, err
	}
	if n == 0 {
		return production.Run{}, fmt.Errorf("%w: %s", production.ErrRunAlreadyFinished, batchID)
	}
	return run, nil
}

// OpenRuns returns the in-progress runs of a store, oldest first.
func (s *Store) OpenRuns(ctx context.Context, store string) ([]production.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM production_runs
		WHERE store_code = ? AND status = ?
		ORDER BY started_at, batch_id`,
		store, string(production.StatusInProgress))
}

// AllOpenRuns returns the in-progress runs of every store, oldest first.
func (s *Store) AllOpenRuns(ctx context.Context) ([]production.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM production_runs
		WHERE status = ?
		ORDER BY started_at, batch_id`,
		string(production.StatusInProgress))
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]production.Run, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []production.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(rows *sql.Rows) (production.Run, error) {
	var (
		r                              production.Run
		kind, status                   string
		inputs, additives              string
		post, output, units, unit, mat string
		startedAt                      string
		finishedAt                     sql.NullString
	)
	err := rows.Scan(
		&r.BatchID, &r.Store, &r.FormulaCode, &r.FormulaName, &kind, &status,
		&inputs, &post, &additives, &output, &units, &unit, &mat,
		&r.Operator, &r.Note, &startedAt, &finishedAt,
	)
	if err != nil {
		return production.Run{}, fmt.Errorf("failed to scan run: %w", err)
	}
	r.Kind = production.Kind(kind)
	r.Status = production.Status(status)

	if r.PrimaryInputs, err = decodeQuantities(inputs); err != nil {
		return production.Run{}, err
	}
	if r.Additives, err = decodeQuantities(additives); err != nil {
		return production.Run{}, err
	}
	p := decimalParser{}
	r.PostQty = p.parse(post)
	r.OutputQty = p.parse(output)
	r.DerivedUnits = p.parse(units)
	r.UnitCost = p.parse(unit)
	r.MaterialCost = p.parse(mat)
	if p.err != nil {
		return production.Run{}, fmt.Errorf("run %s: %w", r.BatchID, p.err)
	}

	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return production.Run{}, err
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return production.Run{}, err
		}
		r.FinishedAt = &t
	}
	return r, nil
}

func encodeQuantities(m map[string]decimal.Decimal) (string, error) {
	if m == nil {
		m = map[string]decimal.Decimal{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode quantities: %w", err)
	}
	return string(b), nil
}

func decodeQuantities(s string) (map[string]decimal.Decimal, error) {
	m := map[string]decimal.Decimal{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("invalid stored quantities %q: %w", s, err)
	}
	return m, nil
}
