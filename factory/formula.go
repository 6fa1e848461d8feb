/*
Package factory provides JSON to Go formula conversion.

PURPOSE:
  Converts JSON formula definitions into production.Formula values. Kitchen
  managers define recipes in JSON (admin UI, seed files, the database) and
  the factory builds validated Go structs from them.

JSON SCHEMA:
  {
    "code": "CT_COT_ND",
    "name": "Tropical base",
    "kind": "intermediate",
    "output_product": "COT_ND",
    "output_uom": "kg",
    "yield_factor": 1,
    "derived_units_per_output": 5,
    "primary_inputs": ["XOAI", "OI"],
    "additives": [
      {"code": "DUONG", "rate_per_post": 0.7},
      {"code": "SOTND", "qty_per_kg_sau": 0.2}
    ],
    "note": ""
  }

COMPATIBILITY:
  Older recipe files use a few different names, all accepted on input:
  - additives[].qty_per_kg_sau     for additives[].rate_per_post
  - cups_per_kg                    for derived_units_per_output
  - fruits_csv ("XOAI,OI")         for primary_inputs
  - kind "COT"/"CỐT"               for intermediate
  - kind "MUT"/"MỨT"               for finished
  Numbers may be JSON numbers or decimal strings.

USAGE:
  factory := NewFormulaFactory()
  formula, err := factory.ParseFormula(jsonString)
  err = formulaStore.SaveFormula(ctx, formula)

SEE ALSO:
  - production/formula.go: Formula type definition
  - api/scenarios.go: seed formulas
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/stockroom/production"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// FormulaJSON is the JSON representation of a formula.
type FormulaJSON struct {
	Code                  string           `json:"code"`
	Name                  string           `json:"name"`
	Kind                  string           `json:"kind"`
	OutputProduct         string           `json:"output_product"`
	OutputUOM             string           `json:"output_uom,omitempty"`
	YieldFactor           *decimal.Decimal `json:"yield_factor,omitempty"`
	DerivedUnitsPerOutput *decimal.Decimal `json:"derived_units_per_output,omitempty"`
	CupsPerKg             *decimal.Decimal `json:"cups_per_kg,omitempty"` // legacy name
	PrimaryInputs         []string         `json:"primary_inputs,omitempty"`
	FruitsCSV             string           `json:"fruits_csv,omitempty"` // legacy name
	Additives             []AdditiveJSON   `json:"additives,omitempty"`
	Note                  string           `json:"note,omitempty"`
}

// AdditiveJSON represents one additive rate.
type AdditiveJSON struct {
	Code        string           `json:"code"`
	RatePerPost *decimal.Decimal `json:"rate_per_post,omitempty"`
	QtyPerKgSau *decimal.Decimal `json:"qty_per_kg_sau,omitempty"` // legacy name
}

// =============================================================================
// FORMULA FACTORY
// =============================================================================

// FormulaFactory converts JSON formulas to Go structs.
type FormulaFactory struct{}

// NewFormulaFactory creates a new formula factory.
func NewFormulaFactory() *FormulaFactory {
	return &FormulaFactory{}
}

// ParseFormula parses a JSON object into a validated Formula.
func (f *FormulaFactory) ParseFormula(jsonStr string) (production.Formula, error) {
	var fj FormulaJSON
	if err := json.Unmarshal([]byte(jsonStr), &fj); err != nil {
		return production.Formula{}, fmt.Errorf("failed to parse formula JSON: %w", err)
	}
	return f.FromJSON(fj)
}

// ParseFormulas parses a JSON array of formulas. It stops at the first
// invalid one.
func (f *FormulaFactory) ParseFormulas(jsonStr string) ([]production.Formula, error) {
	var list []FormulaJSON
	if err := json.Unmarshal([]byte(jsonStr), &list); err != nil {
		return nil, fmt.Errorf("failed to parse formula list JSON: %w", err)
	}
	formulas := make([]production.Formula, 0, len(list))
	for i, fj := range list {
		formula, err := f.FromJSON(fj)
		if err != nil {
			return nil, fmt.Errorf("formula %d: %w", i, err)
		}
		formulas = append(formulas, formula)
	}
	return formulas, nil
}

// FromJSON converts FormulaJSON to a validated production.Formula.
func (f *FormulaFactory) FromJSON(fj FormulaJSON) (production.Formula, error) {
	kind, err := parseKind(fj.Kind)
	if err != nil {
		return production.Formula{}, err
	}

	formula := production.Formula{
		Code:          normalizeCode(fj.Code),
		Name:          strings.TrimSpace(fj.Name),
		Kind:          kind,
		OutputProduct: normalizeCode(fj.OutputProduct),
		OutputUOM:     strings.TrimSpace(fj.OutputUOM),
		YieldFactor:   decimal.NewFromInt(1),
		Note:          fj.Note,
	}
	if formula.OutputUOM == "" {
		formula.OutputUOM = "kg"
	}
	if fj.YieldFactor != nil {
		formula.YieldFactor = *fj.YieldFactor
	}
	formula.DerivedUnitsPerOutput = firstSet(fj.DerivedUnitsPerOutput, fj.CupsPerKg)

	inputs := fj.PrimaryInputs
	if len(inputs) == 0 && fj.FruitsCSV != "" {
		inputs = strings.Split(fj.FruitsCSV, ",")
	}
	for _, code := range inputs {
		if c := normalizeCode(code); c != "" {
			formula.PrimaryInputs = append(formula.PrimaryInputs, c)
		}
	}

	for _, aj := range fj.Additives {
		code := normalizeCode(aj.Code)
		if code == "" {
			continue
		}
		formula.Additives = append(formula.Additives, production.Additive{
			Product:     code,
			RatePerPost: firstSet(aj.RatePerPost, aj.QtyPerKgSau),
		})
	}

	if err := formula.Validate(); err != nil {
		return production.Formula{}, err
	}
	return formula, nil
}

// ToJSON converts a Formula to FormulaJSON using the current field names.
func (f *FormulaFactory) ToJSON(formula production.Formula) FormulaJSON {
	yield := formula.Yield()
	units := formula.DerivedUnitsPerOutput
	fj := FormulaJSON{
		Code:                  formula.Code,
		Name:                  formula.Name,
		Kind:                  string(formula.Kind),
		OutputProduct:         formula.OutputProduct,
		OutputUOM:             formula.OutputUOM,
		YieldFactor:           &yield,
		DerivedUnitsPerOutput: &units,
		PrimaryInputs:         formula.PrimaryInputs,
		Note:                  formula.Note,
	}
	for _, a := range formula.Additives {
		rate := a.RatePerPost
		fj.Additives = append(fj.Additives, AdditiveJSON{Code: a.Product, RatePerPost: &rate})
	}
	return fj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseKind(s string) (production.Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INTERMEDIATE", "COT", "CỐT":
		return production.KindIntermediate, nil
	case "FINISHED", "MUT", "MỨT":
		return production.KindFinished, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", production.ErrInvalidFormula, s)
	}
}

func normalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func firstSet(values ...*decimal.Decimal) decimal.Decimal {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return decimal.Zero
}
