package sqlstore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stockroom/inventory"
	"github.com/warp/stockroom/production"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// externalStores returns the stores the contract tests run against: SQLite
// always, PostgreSQL and MySQL when a DSN is configured.
func externalStores(t *testing.T) map[string]*Store {
	t.Helper()
	stores := map[string]*Store{"sqlite": newTestStore(t)}
	for driver, env := range map[string]string{
		"postgres": "STOCKROOM_TEST_POSTGRES_DSN",
		"mysql":    "STOCKROOM_TEST_MYSQL_DSN",
	} {
		dsn := os.Getenv(env)
		if dsn == "" {
			continue
		}
		s, err := Open(driver, dsn)
		require.NoError(t, err)
		require.NoError(t, s.Reset(context.Background()))
		t.Cleanup(func() { s.Close() })
		stores[driver] = s
	}
	return stores
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var mangoKey = inventory.Key{Store: "216HS", Product: "XOAI"}

func entryAt(seq int64, stock, runID string) inventory.Entry {
	return inventory.Entry{
		ID:           "e-" + runID + "-" + decimal.NewFromInt(seq).String() + "-" + stock,
		Seq:          seq,
		Store:        mangoKey.Store,
		Product:      mangoKey.Product,
		At:           time.Date(2025, time.March, 10, 8, 0, int(seq), 0, time.UTC),
		RecordedAt:   time.Date(2025, time.March, 10, 8, 0, int(seq), 123456789, time.UTC),
		QtyIn:        dec("1"),
		PriceIn:      dec("2.5"),
		QtyOut:       decimal.Zero,
		Reason:       "Stock receipt",
		Actor:        "admin@example.com",
		RunID:        runID,
		StockAfter:   dec(stock),
		AvgCost:      dec("2.5"),
		OnHandValue:  dec(stock).Mul(dec("2.5")),
		DerivedUnits: decimal.Zero,
		ProductName:  "Mango",
		UOM:          "kg",
	}
}

// =============================================================================
// LEDGER CONTRACT
// =============================================================================

func TestStore_LedgerContract(t *testing.T) {
	for name, s := range externalStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := s.Latest(ctx, mangoKey)
			require.NoError(t, err)
			assert.False(t, ok)

			first := entryAt(1, "1", "")
			require.NoError(t, s.Append(ctx, first))

			// Same seq again: the lost-update case.
			dup := entryAt(1, "7", "")
			err = s.Append(ctx, dup)
			assert.ErrorIs(t, err, inventory.ErrConcurrentModification)

			// Skipping ahead is rejected too.
			err = s.Append(ctx, entryAt(3, "3", ""))
			assert.ErrorIs(t, err, inventory.ErrConcurrentModification)

			require.NoError(t, s.Append(ctx, entryAt(2, "2", "RUN-1")))

			latest, ok, err := s.Latest(ctx, mangoKey)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(2), latest.Seq)
			assert.True(t, latest.StockAfter.Equal(dec("2")))
			assert.True(t, latest.OnHandValue.Equal(dec("5")))
			assert.Equal(t, "RUN-1", latest.RunID)
			assert.Equal(t, "Mango", latest.ProductName)
			assert.True(t, latest.RecordedAt.Equal(entryAt(2, "2", "").RecordedAt), "nanoseconds survive")

			history, err := s.History(ctx, mangoKey, 0)
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, int64(2), history[0].Seq)
			assert.Equal(t, first.ID, history[1].ID)

			limited, err := s.History(ctx, mangoKey, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			byRun, err := s.EntriesByRun(ctx, "RUN-1")
			require.NoError(t, err)
			require.Len(t, byRun, 1)
			assert.Equal(t, int64(2), byRun[0].Seq)
		})
	}
}

func TestStore_LatestByStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, entryAt(1, "1", "")))
	require.NoError(t, s.Append(ctx, entryAt(2, "2", "")))
	other := entryAt(1, "9", "")
	other.ID, other.Product = "sugar-1", "DUONG"
	require.NoError(t, s.Append(ctx, other))
	elsewhere := entryAt(1, "4", "")
	elsewhere.ID, elsewhere.Store = "aeon-1", "AEON"
	require.NoError(t, s.Append(ctx, elsewhere))

	latest, err := s.LatestByStore(ctx, "216HS")

	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "DUONG", latest[0].Product)
	assert.Equal(t, "XOAI", latest[1].Product)
	assert.Equal(t, int64(2), latest[1].Seq)
}

func TestStore_EntriesByRunInAppendOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sugar := entryAt(1, "1", "RUN-1")
	sugar.ID, sugar.Product = "sugar-1", "DUONG"
	require.NoError(t, s.Append(ctx, sugar))
	require.NoError(t, s.Append(ctx, entryAt(1, "1", "RUN-1")))

	got, err := s.EntriesByRun(ctx, "RUN-1")

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "DUONG", got[0].Product)
	assert.Equal(t, "XOAI", got[1].Product)

	none, err := s.EntriesByRun(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// PRODUCTS & FORMULAS
// =============================================================================

func TestStore_Products(t *testing.T) {
	for name, s := range externalStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveProduct(ctx, inventory.Product{Code: "XOAI", Name: "Mango", UOM: "kg", Category: "FRUIT"}))
			require.NoError(t, s.SaveProduct(ctx, inventory.Product{Code: "XOAI", Name: "Cat Chu mango", UOM: "kg", Category: "FRUIT"}))
			require.NoError(t, s.SaveProduct(ctx, inventory.Product{Code: "DUONG", Name: "Sugar", UOM: "kg", Category: "ADDITIVE"}))

			p, err := s.Product(ctx, "XOAI")
			require.NoError(t, err)
			assert.Equal(t, "Cat Chu mango", p.Name, "save replaces")

			_, err = s.Product(ctx, "NOPE")
			assert.ErrorIs(t, err, inventory.ErrProductNotFound)

			all, err := s.ListProducts(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "DUONG", all[0].Code, "ordered by category")
		})
	}
}

func TestStore_Formulas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := production.Formula{
		Code:                  "CT_COT_ND",
		Name:                  "Tropical base",
		Kind:                  production.KindIntermediate,
		OutputProduct:         "COT_ND",
		OutputUOM:             "kg",
		YieldFactor:           dec("0.9"),
		DerivedUnitsPerOutput: dec("5"),
		PrimaryInputs:         []string{"XOAI", "OI"},
		Additives:             []production.Additive{{Product: "DUONG", RatePerPost: dec("0.7")}},
	}

	require.NoError(t, s.SaveFormula(ctx, f))
	got, err := s.Formula(ctx, "CT_COT_ND")

	require.NoError(t, err)
	assert.Equal(t, f.Kind, got.Kind)
	assert.Equal(t, f.PrimaryInputs, got.PrimaryInputs)
	assert.True(t, got.YieldFactor.Equal(dec("0.9")))
	require.Len(t, got.Additives, 1)
	assert.True(t, got.Additives[0].RatePerPost.Equal(dec("0.7")))

	_, err = s.Formula(ctx, "NOPE")
	assert.ErrorIs(t, err, production.ErrFormulaNotFound)

	err = s.SaveFormula(ctx, production.Formula{Code: "BAD"})
	assert.ErrorIs(t, err, production.ErrInvalidFormula)

	list, err := s.ListFormulas(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// =============================================================================
// RUNS
// =============================================================================

func TestStore_RunLifecycle(t *testing.T) {
	for name, s := range externalStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := production.Run{
				BatchID:       "CT_MUT_ND-20250310-ABCD1234",
				Store:         "216HS",
				FormulaCode:   "CT_MUT_ND",
				FormulaName:   "Tropical jam",
				Kind:          production.KindFinished,
				Status:        production.StatusInProgress,
				PrimaryInputs: map[string]decimal.Decimal{"XOAI": dec("10")},
				PostQty:       dec("10"),
				Additives:     map[string]decimal.Decimal{"DUONG": dec("1")},
				OutputQty:     decimal.Zero,
				DerivedUnits:  decimal.Zero,
				UnitCost:      decimal.Zero,
				MaterialCost:  decimal.Zero,
				Operator:      "op@example.com",
				StartedAt:     time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC),
			}
			require.NoError(t, s.CreateRun(ctx, run))

			err := s.CreateRun(ctx, run)
			assert.ErrorIs(t, err, production.ErrDuplicateBatch)

			open, err := s.OpenRuns(ctx, "216HS")
			require.NoError(t, err)
			require.Len(t, open, 1)
			assert.True(t, open[0].PrimaryInputs["XOAI"].Equal(dec("10")))
			assert.Nil(t, open[0].FinishedAt)

			other := run
			other.BatchID = "CT_MUT_ND-20250310-EEEE0000"
			other.Store = "AEON"
			other.StartedAt = run.StartedAt.Add(-time.Hour)
			require.NoError(t, s.CreateRun(ctx, other))
			all, err := s.AllOpenRuns(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "AEON", all[0].Store)
			assert.Equal(t, "216HS", all[1].Store)

			done, err := s.FinishRun(ctx, run.BatchID, production.RunResult{
				OutputQty:    dec("8"),
				DerivedUnits: dec("40"),
				UnitCost:     dec("2.875"),
				MaterialCost: dec("23"),
				FinishedAt:   time.Date(2025, time.March, 11, 9, 0, 0, 0, time.UTC),
			})
			require.NoError(t, err)
			assert.Equal(t, production.StatusFinished, done.Status)
			assert.True(t, done.UnitCost.Equal(dec("2.875")))
			require.NotNil(t, done.FinishedAt)

			_, err = s.FinishRun(ctx, run.BatchID, production.RunResult{OutputQty: dec("1")})
			assert.ErrorIs(t, err, production.ErrRunAlreadyFinished)

			_, err = s.FinishRun(ctx, "NOPE", production.RunResult{OutputQty: dec("1")})
			assert.ErrorIs(t, err, production.ErrRunNotFound)
			assert.NotErrorIs(t, err, production.ErrRunAlreadyFinished)

			open, err = s.OpenRuns(ctx, "216HS")
			require.NoError(t, err)
			assert.Empty(t, open)
		})
	}
}

// =============================================================================
// AUDIT
// =============================================================================

func TestStore_Audit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	for _, a := range []inventory.AuditEntry{
		{ID: "1", Timestamp: ts, Actor: "a", Action: inventory.AuditReceive, Store: "216HS", Subject: "XOAI"},
		{ID: "2", Timestamp: ts, Actor: "b", Action: inventory.AuditIssue, Store: "216HS", Subject: "XOAI"},
		{ID: "3", Timestamp: ts, Actor: "a", Action: inventory.AuditProductionStarted, Store: "216HS", Subject: "B1",
			Detail: map[string]string{"formula": "CT_COT_ND"}},
	} {
		require.NoError(t, s.AppendAudit(ctx, a))
	}

	got, err := s.QueryAudit(ctx, inventory.AuditFilter{Actor: "a"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].ID, "newest first")
	assert.Equal(t, "CT_COT_ND", got[0].Detail["formula"])
	assert.True(t, got[0].Timestamp.Equal(ts))

	got, err = s.QueryAudit(ctx, inventory.AuditFilter{
		Actions: []inventory.AuditAction{inventory.AuditReceive, inventory.AuditIssue},
		Limit:   1,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)
}

// =============================================================================
// ENGINE + WORKFLOW ON SQL
// =============================================================================

func TestStore_EngineConcurrentIssues(t *testing.T) {
	// GIVEN: 30 kg on hand in a SQL-backed ledger
	// WHEN: 40 goroutines issue 1 kg each
	// THEN: 30 succeed, the ledger ends at 0 with 31 entries
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveProduct(ctx, inventory.Product{Code: "XOAI", Name: "Mango", UOM: "kg"}))
	engine := inventory.NewEngine(s, s, inventory.WithAuditLog(s))
	_, err := engine.Receive(ctx, inventory.ReceiveInput{Key: mangoKey, Qty: dec("30"), UnitPrice: dec("2")})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Issue(ctx, inventory.IssueInput{Key: mangoKey, Qty: dec("1")})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if !errors.Is(err, inventory.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 30, succeeded)
	history, err := s.History(ctx, mangoKey, 0)
	require.NoError(t, err)
	assert.Len(t, history, 31)
	assert.True(t, history[0].StockAfter.IsZero())
}

func TestStore_WorkflowEndToEnd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, p := range []inventory.Product{
		{Code: "XOAI", Name: "Mango", UOM: "kg"},
		{Code: "DUONG", Name: "Sugar", UOM: "kg"},
		{Code: "COT_ND", Name: "Tropical base", UOM: "kg"},
	} {
		require.NoError(t, s.SaveProduct(ctx, p))
	}
	require.NoError(t, s.SaveFormula(ctx, production.Formula{
		Code: "CT_COT_ND", Name: "Tropical base", Kind: production.KindIntermediate,
		OutputProduct: "COT_ND", YieldFactor: dec("1"), DerivedUnitsPerOutput: dec("5"),
		PrimaryInputs: []string{"XOAI"},
		Additives:     []production.Additive{{Product: "DUONG", RatePerPost: dec("0.1")}},
	}))
	engine := inventory.NewEngine(s, s, inventory.WithAuditLog(s))
	wf := production.NewWorkflow(engine, s, s, production.WithAuditLog(s))
	_, err := engine.Receive(ctx, inventory.ReceiveInput{Key: mangoKey, Qty: dec("10"), UnitPrice: dec("2")})
	require.NoError(t, err)
	_, err = engine.Receive(ctx, inventory.ReceiveInput{Key: inventory.Key{Store: "216HS", Product: "DUONG"}, Qty: dec("1"), UnitPrice: dec("3")})
	require.NoError(t, err)

	run, err := wf.StartRun(ctx, production.StartInput{
		Store: "216HS", FormulaCode: "CT_COT_ND",
		PrimaryInputs: map[string]decimal.Decimal{"XOAI": dec("10")},
		PostQty:       dec("10"),
	})

	require.NoError(t, err)
	assert.True(t, run.UnitCost.Equal(dec("2.3")))
	assert.True(t, run.DerivedUnits.Equal(dec("50")))
	stored, err := s.GetRun(ctx, run.BatchID)
	require.NoError(t, err)
	assert.Equal(t, production.StatusFinished, stored.Status)
	assert.True(t, stored.MaterialCost.Equal(dec("23")))
}

// =============================================================================
// DIALECT
// =============================================================================

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT a FROM t WHERE b = ? AND c IN (?, ?)"

	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, q, MySQL.Rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)", Postgres.Rebind(q))
}

func TestDialect_Upsert(t *testing.T) {
	assert.Equal(t,
		"INSERT INTO products (code, name, uom) VALUES (?, ?, ?) ON CONFLICT (code) DO UPDATE SET name = excluded.name, uom = excluded.uom",
		SQLite.Upsert("products", "code", []string{"name", "uom"}))
	assert.Equal(t,
		"INSERT INTO products (code, name, uom) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE name = VALUES(name), uom = VALUES(uom)",
		MySQL.Upsert("products", "code", []string{"name", "uom"}))
}

func TestDialect_For(t *testing.T) {
	for name, want := range map[string]string{
		"sqlite": "sqlite", "SQLite3": "sqlite", "postgres": "postgres", "pgx": "postgres", "mysql": "mysql",
	} {
		d, err := DialectFor(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, d.Name)
	}
	_, err := DialectFor("oracle")
	assert.Error(t, err)
}

func TestDialect_SchemaPlacesIndexes(t *testing.T) {
	sqlite := SQLite.schema()
	mysql := MySQL.schema()

	assert.Len(t, sqlite, 8, "five tables plus three CREATE INDEX")
	assert.Len(t, mysql, 5, "indexes inline")
	assert.Contains(t, mysql[1], "INDEX idx_ledger_run (run_id)")
	assert.Contains(t, sqlite[1], "UNIQUE (store_code, product_code, seq)")
}

func TestDialect_SQLiteUniqueViolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insert := "INSERT INTO products (code, name, uom, category) VALUES ('X', 'x', 'kg', '')"
	_, err := s.db.ExecContext(ctx, insert)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, insert)

	require.Error(t, err)
	assert.True(t, s.Dialect().IsUniqueViolation(err))
	assert.False(t, s.Dialect().IsUniqueViolation(errors.New("boom")))
	assert.False(t, s.Dialect().IsUniqueViolation(nil))
}

func TestStore_Reset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveProduct(ctx, inventory.Product{Code: "XOAI", Name: "Mango", UOM: "kg"}))
	require.NoError(t, s.Append(ctx, entryAt(1, "1", "")))

	require.NoError(t, s.Reset(ctx))

	products, err := s.ListProducts(ctx)
	require.NoError(t, err)
	assert.Empty(t, products)
	_, ok, err := s.Latest(ctx, mangoKey)
	require.NoError(t, err)
	assert.False(t, ok)
}
