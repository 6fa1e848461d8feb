/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with a realistic
  juice-bar catalog: fruits, additives, a tropical base and a jam, two
  stores, opening stock and a couple of production runs.

AVAILABLE SCENARIOS:
  catalog:          Products and formulas only, empty ledgers
  opening-stock:    Catalog + opening receipts in both stores
  production-day:   Opening stock + one finished base run and one open
                    jam run in 216HS

HOW SCENARIOS WORK:
  1. Reset database (clear all data)
  2. Save products
  3. Save formulas via the factory (legacy JSON field names on purpose)
  4. Receive opening stock through the engine
  5. Start/complete runs through the workflow

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "production-day"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/formula.go: Formula JSON definitions
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stockroom/inventory"
	"github.com/warp/stockroom/production"
)

// Demo store codes.
const (
	StoreHoSen = "216HS"
	StoreAeon  = "AEON"
)

const scenarioActor = "scenario-loader"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "catalog",
		Name:        "Catalog",
		Description: "Fruits, additives, tropical base and jam formulas; no stock",
	},
	{
		ID:          "opening-stock",
		Name:        "Opening Stock",
		Description: "Catalog plus opening receipts in 216HS and AEON",
	},
	{
		ID:          "production-day",
		Name:        "Production Day",
		Description: "Opening stock, one finished tropical base run and one open jam run",
	},
}

var demoProducts = []inventory.Product{
	{Code: "CAM", Name: "Cam", UOM: "kg", Category: "FRUIT"},
	{Code: "XOAI", Name: "Xoai", UOM: "kg", Category: "FRUIT"},
	{Code: "OI", Name: "Oi", UOM: "kg", Category: "FRUIT"},
	{Code: "DUONG", Name: "Duong", UOM: "kg", Category: "ADDITIVE"},
	{Code: "SOTND", Name: "Sot Nhiet Doi", UOM: "l", Category: "ADDITIVE"},
	{Code: "COT_ND", Name: "Cot Nhiet Doi", UOM: "kg", Category: "BASE"},
	{Code: "MUT_ND", Name: "Mut Nhiet Doi", UOM: "kg", Category: "JAM"},
}

// Stored with the older field names; the factory maps them.
var demoFormulas = []string{
	`{
		"code": "CT_COT_ND",
		"name": "Cot Nhiet Doi",
		"kind": "COT",
		"output_product": "COT_ND",
		"output_uom": "kg",
		"yield_factor": 1.0,
		"cups_per_kg": 5.0,
		"fruits_csv": "XOAI,CAM,OI",
		"additives": [
			{"code": "DUONG", "qty_per_kg_sau": 0.7},
			{"code": "SOTND", "qty_per_kg_sau": 0.2}
		]
	}`,
	`{
		"code": "CT_MUT_ND",
		"name": "Mut Nhiet Doi",
		"kind": "finished",
		"output_product": "MUT_ND",
		"output_uom": "kg",
		"primary_inputs": ["XOAI", "OI"],
		"additives": [
			{"code": "DUONG", "rate_per_post": 0.5}
		]
	}`,
}

type openingLine struct {
	product string
	qty     string
	price   string
}

var openingStock = map[string][]openingLine{
	StoreHoSen: {
		{"CAM", "50", "22000"},
		{"XOAI", "40", "35000"},
		{"OI", "30", "18000"},
		{"DUONG", "100", "20000"},
		{"SOTND", "20", "65000"},
	},
	StoreAeon: {
		{"CAM", "20", "23000"},
		{"XOAI", "15", "36000"},
		{"DUONG", "40", "20500"},
		{"SOTND", "8", "65000"},
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("%w: %s", err, req.ScenarioID))
			return
		}
		h.writeDomainError(w, r, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

var errUnknownScenario = errors.New("unknown scenario")

// LoadScenarioByID resets the database and loads scenario id. Used by the
// HTTP handler and by the server's -seed flag.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "catalog":
		load = h.loadCatalogScenario
	case "opening-stock":
		load = h.loadOpeningStockScenario
	case "production-day":
		load = h.loadProductionDayScenario
	default:
		return errUnknownScenario
	}

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset database: %w", err)
	}
	if err := load(ctx); err != nil {
		return fmt.Errorf("load scenario %s: %w", id, err)
	}
	h.currentScenario = id
	h.log.WithField("scenario", id).Info("scenario loaded")
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadCatalogScenario(ctx context.Context) error {
	for _, p := range demoProducts {
		if err := h.Store.SaveProduct(ctx, p); err != nil {
			return err
		}
	}
	for _, js := range demoFormulas {
		f, err := h.FormulaFactory.ParseFormula(js)
		if err != nil {
			return err
		}
		if err := h.Store.SaveFormula(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadOpeningStockScenario(ctx context.Context) error {
	if err := h.loadCatalogScenario(ctx); err != nil {
		return err
	}
	openedAt := time.Now().Add(-24 * time.Hour).Truncate(time.Hour)
	for _, store := range []string{StoreHoSen, StoreAeon} {
		for _, line := range openingStock[store] {
			_, err := h.Engine.Receive(ctx, inventory.ReceiveInput{
				Key:       inventory.Key{Store: store, Product: line.product},
				Qty:       decimal.RequireFromString(line.qty),
				UnitPrice: decimal.RequireFromString(line.price),
				Reason:    "Opening stock",
				Actor:     scenarioActor,
				At:        openedAt,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) loadProductionDayScenario(ctx context.Context) error {
	if err := h.loadOpeningStockScenario(ctx); err != nil {
		return err
	}

	// Tropical base: 10 kg of fruit into 10 kg of base, finished at once.
	_, err := h.Workflow.StartRun(ctx, production.StartInput{
		Store:       StoreHoSen,
		FormulaCode: "CT_COT_ND",
		PrimaryInputs: map[string]decimal.Decimal{
			"XOAI": decimal.NewFromInt(6),
			"CAM":  decimal.NewFromInt(4),
		},
		PostQty:  decimal.NewFromInt(10),
		Operator: scenarioActor,
		Note:     "Morning batch",
	})
	if err != nil {
		return err
	}

	// Jam: cooked down, output weighed later.
	_, err = h.Workflow.StartRun(ctx, production.StartInput{
		Store:       StoreHoSen,
		FormulaCode: "CT_MUT_ND",
		PrimaryInputs: map[string]decimal.Decimal{
			"XOAI": decimal.NewFromInt(5),
			"OI":   decimal.NewFromInt(5),
		},
		PostQty:  decimal.NewFromInt(8),
		Operator: scenarioActor,
		Note:     "Awaiting weigh-in",
	})
	return err
}
