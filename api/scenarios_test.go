/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario sets up the expected state:
	- Products and formulas are created
	- Opening stock lands in both stores at the listed prices
	- Production runs consume inputs and leave the expected open runs
	- Loading again starts from a clean database
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stockroom/inventory"
)

func TestScenario_Catalog(t *testing.T) {
	// GIVEN: the catalog scenario
	s := setupTestServer(t)
	ctx := context.Background()

	// WHEN: loading it
	require.NoError(t, s.handler.LoadScenarioByID(ctx, "catalog"))

	// THEN: products and formulas exist, no stock moved
	products, err := s.store.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, products, len(demoProducts))

	formulas, err := s.store.ListFormulas(ctx)
	require.NoError(t, err)
	require.Len(t, formulas, 2)
	assert.Equal(t, "CT_COT_ND", formulas[0].Code)
	assert.Equal(t, []string{"XOAI", "CAM", "OI"}, formulas[0].PrimaryInputs)
	assertDec(t, "5", formulas[0].DerivedUnitsPerOutput, "cups per kg")

	report, err := s.handler.Engine.StockReport(ctx, StoreHoSen)
	require.NoError(t, err)
	assert.Empty(t, report.Lines)
}

func TestScenario_OpeningStock(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.handler.LoadScenarioByID(ctx, "opening-stock"))

	for store, lines := range openingStock {
		report, err := s.handler.Engine.StockReport(ctx, store)
		require.NoError(t, err)
		assert.Len(t, report.Lines, len(lines), store)
		for _, line := range lines {
			state, err := s.handler.Engine.LatestState(ctx, inventory.Key{Store: store, Product: line.product})
			require.NoError(t, err)
			assertDec(t, line.qty, state.Stock, store+"/"+line.product+" stock")
			assertDec(t, line.price, state.AvgCost, store+"/"+line.product+" avg")
		}
	}
}

func TestScenario_ProductionDay(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.handler.LoadScenarioByID(ctx, "production-day"))

	// Base run finished: 10 kg of base, 50 cups.
	base, err := s.handler.Engine.LatestState(ctx, inventory.Key{Store: StoreHoSen, Product: "COT_ND"})
	require.NoError(t, err)
	assertDec(t, "10", base.Stock, "base stock")
	assertDec(t, "50", base.DerivedUnits, "base cups")

	// Jam run still open, its inputs already consumed.
	open, err := s.handler.Workflow.OpenRuns(ctx, StoreHoSen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "CT_MUT_ND", open[0].FormulaCode)

	mango, err := s.handler.Engine.LatestState(ctx, inventory.Key{Store: StoreHoSen, Product: "XOAI"})
	require.NoError(t, err)
	assertDec(t, "29", mango.Stock, "mango left") // 40 - 6 - 5

	sugar, err := s.handler.Engine.LatestState(ctx, inventory.Key{Store: StoreHoSen, Product: "DUONG"})
	require.NoError(t, err)
	assertDec(t, "89", sugar.Stock, "sugar left") // 100 - 7 - 4
}

func TestScenario_ReloadStartsClean(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.handler.LoadScenarioByID(ctx, "production-day"))
	require.NoError(t, s.handler.LoadScenarioByID(ctx, "production-day"))

	open, err := s.handler.Workflow.OpenRuns(ctx, StoreHoSen)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	mango, err := s.handler.Engine.LatestState(ctx, inventory.Key{Store: StoreHoSen, Product: "XOAI"})
	require.NoError(t, err)
	assertDec(t, "29", mango.Stock, "mango left")
}

func TestScenarioEndpoints(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, "GET", "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rec), len(scenarios))

	rec = s.do(t, "GET", "/api/scenarios/current", nil)
	assert.Equal(t, "null\n", rec.Body.String())

	rec = s.do(t, "POST", "/api/scenarios/load", map[string]any{"scenario_id": "opening-stock"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, "GET", "/api/scenarios/current", nil)
	assert.Equal(t, "opening-stock", decodeBody[ScenarioDTO](t, rec).ID)

	rec = s.do(t, "POST", "/api/scenarios/load", map[string]any{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, "POST", "/api/scenarios/load", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, "POST", "/api/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, "GET", "/api/stores/216HS/stock", nil)
	assert.Empty(t, decodeBody[StockReportDTO](t, rec).Lines)
}
