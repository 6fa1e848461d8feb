/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger and production models from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Catalog:     ProductDTO, CreateProductRequest
  Ledger:      StateDTO, EntryDTO, StockReportDTO, StockLineDTO
  Movements:   ReceiveRequest, IssueRequest, CountRequest
  Production:  StartRunRequest, CompleteRunRequest, RunDTO, PreviewDTO
               (formulas travel as factory.FormulaJSON)
  Audit:       AuditDTO
  Scenarios:   ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request types carry go-playground/validator tags. Decimal fields are
  validated through a custom type func (see newValidator), so gt/gte work
  on them like on floats. Domain rules (formula inputs, stock levels) stay
  in the engine and workflow.

DECIMALS:
  Quantities and money are shopspring decimals. They serialize as JSON
  strings ("2.3") and accept either strings or numbers on input.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/formula.go: FormulaJSON type
*/
package api

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/stockroom/inventory"
	"github.com/warp/stockroom/production"
)

// =============================================================================
// CATALOG
// =============================================================================

// ProductDTO represents a product in API responses.
type ProductDTO struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	UOM      string `json:"uom"`
	Category string `json:"category,omitempty"`
}

// CreateProductRequest creates or replaces a product.
type CreateProductRequest struct {
	Code     string `json:"code" validate:"required,max=64"`
	Name     string `json:"name" validate:"required,max=200"`
	UOM      string `json:"uom" validate:"required,max=16"`
	Category string `json:"category" validate:"max=64"`
}

func toProductDTO(p inventory.Product) ProductDTO {
	return ProductDTO{Code: p.Code, Name: p.Name, UOM: p.UOM, Category: p.Category}
}

// =============================================================================
// LEDGER
// =============================================================================

// StateDTO is the latest position of one product in one store.
type StateDTO struct {
	Store        string          `json:"store"`
	Product      string          `json:"product"`
	Seq          int64           `json:"seq"`
	Stock        decimal.Decimal `json:"stock"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	OnHandValue  decimal.Decimal `json:"onhand_value"`
	DerivedUnits decimal.Decimal `json:"derived_units"`
}

func toStateDTO(key inventory.Key, s inventory.State) StateDTO {
	return StateDTO{
		Store:        key.Store,
		Product:      key.Product,
		Seq:          s.Seq,
		Stock:        s.Stock,
		AvgCost:      s.AvgCost,
		OnHandValue:  s.OnHandValue,
		DerivedUnits: s.DerivedUnits,
	}
}

// EntryDTO is one ledger line.
type EntryDTO struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	Store       string          `json:"store"`
	Product     string          `json:"product"`
	ProductName string          `json:"product_name"`
	UOM         string          `json:"uom"`
	Kind        string          `json:"kind"`
	At          string          `json:"at"`
	RecordedAt  string          `json:"recorded_at"`
	QtyIn       decimal.Decimal `json:"qty_in"`
	PriceIn     decimal.Decimal `json:"price_in"`
	QtyOut      decimal.Decimal `json:"qty_out"`
	Reason      string          `json:"reason"`
	Actor       string          `json:"actor"`
	RunID       string          `json:"run_id,omitempty"`

	StockAfter   decimal.Decimal `json:"stock_after"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	OnHandValue  decimal.Decimal `json:"onhand_value"`
	DerivedUnits decimal.Decimal `json:"derived_units"`
}

func toEntryDTO(e inventory.Entry) EntryDTO {
	return EntryDTO{
		ID:           e.ID,
		Seq:          e.Seq,
		Store:        e.Store,
		Product:      e.Product,
		ProductName:  e.ProductName,
		UOM:          e.UOM,
		Kind:         string(e.Kind()),
		At:           e.At.Format(time.RFC3339),
		RecordedAt:   e.RecordedAt.Format(time.RFC3339),
		QtyIn:        e.QtyIn,
		PriceIn:      e.PriceIn,
		QtyOut:       e.QtyOut,
		Reason:       e.Reason,
		Actor:        e.Actor,
		RunID:        e.RunID,
		StockAfter:   e.StockAfter,
		AvgCost:      e.AvgCost,
		OnHandValue:  e.OnHandValue,
		DerivedUnits: e.DerivedUnits,
	}
}

func toEntryDTOs(entries []inventory.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

// StockLineDTO is one row of the stock report.
type StockLineDTO struct {
	Product      string          `json:"product"`
	ProductName  string          `json:"product_name"`
	UOM          string          `json:"uom"`
	Stock        decimal.Decimal `json:"stock"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	OnHandValue  decimal.Decimal `json:"onhand_value"`
	DerivedUnits decimal.Decimal `json:"derived_units"`
	LastMovedAt  string          `json:"last_moved_at"`
}

// StockReportDTO is the stock position of a whole store.
type StockReportDTO struct {
	Store      string          `json:"store"`
	Lines      []StockLineDTO  `json:"lines"`
	TotalValue decimal.Decimal `json:"total_value"`
}

func toStockReportDTO(r inventory.StockReport) StockReportDTO {
	dto := StockReportDTO{Store: r.Store, Lines: []StockLineDTO{}, TotalValue: r.TotalValue}
	for _, l := range r.Lines {
		dto.Lines = append(dto.Lines, StockLineDTO{
			Product:      l.Product,
			ProductName:  l.ProductName,
			UOM:          l.UOM,
			Stock:        l.State.Stock,
			AvgCost:      l.State.AvgCost,
			OnHandValue:  l.State.OnHandValue,
			DerivedUnits: l.State.DerivedUnits,
			LastMovedAt:  l.LastMovedAt.Format(time.RFC3339),
		})
	}
	return dto
}

// =============================================================================
// MOVEMENTS
// =============================================================================

// ReceiveRequest records a receipt of Qty at UnitPrice.
type ReceiveRequest struct {
	Product      string          `json:"product" validate:"required,max=64"`
	Qty          decimal.Decimal `json:"qty" validate:"gt=0"`
	UnitPrice    decimal.Decimal `json:"unit_price" validate:"gte=0"`
	DerivedUnits decimal.Decimal `json:"derived_units" validate:"gte=0"`
	Reason       string          `json:"reason" validate:"max=500"`
	At           *time.Time      `json:"at,omitempty"`
}

// IssueRequest records an issue of Qty.
type IssueRequest struct {
	Product string          `json:"product" validate:"required,max=64"`
	Qty     decimal.Decimal `json:"qty" validate:"gt=0"`
	Reason  string          `json:"reason" validate:"max=500"`
	At      *time.Time      `json:"at,omitempty"`
}

// CountRequest reconciles the ledger to a physical count.
type CountRequest struct {
	Product string          `json:"product" validate:"required,max=64"`
	Actual  decimal.Decimal `json:"actual" validate:"gte=0"`
	Reason  string          `json:"reason" validate:"max=500"`
	At      *time.Time      `json:"at,omitempty"`
}

// =============================================================================
// PRODUCTION
// =============================================================================

// PreviewDTO lists the additives a post-process quantity needs.
type PreviewDTO struct {
	Formula   string                     `json:"formula"`
	PostQty   decimal.Decimal            `json:"post_qty"`
	Additives map[string]decimal.Decimal `json:"additives"`
}

// StartRunRequest starts a production run in the store from the URL.
type StartRunRequest struct {
	Formula       string                     `json:"formula" validate:"required,max=64"`
	PrimaryInputs map[string]decimal.Decimal `json:"primary_inputs"`
	PostQty       decimal.Decimal            `json:"post_qty" validate:"gt=0"`
	Note          string                     `json:"note" validate:"max=500"`
	BatchID       string                     `json:"batch_id" validate:"max=64"`
}

// CompleteRunRequest records the measured output of a two-phase run.
type CompleteRunRequest struct {
	OutputQty decimal.Decimal `json:"output_qty" validate:"gt=0"`
}

// RunDTO represents a production run in API responses.
type RunDTO struct {
	BatchID       string                     `json:"batch_id"`
	Store         string                     `json:"store"`
	Formula       string                     `json:"formula"`
	FormulaName   string                     `json:"formula_name"`
	Kind          string                     `json:"kind"`
	Status        string                     `json:"status"`
	PrimaryInputs map[string]decimal.Decimal `json:"primary_inputs"`
	PostQty       decimal.Decimal            `json:"post_qty"`
	Additives     map[string]decimal.Decimal `json:"additives"`
	OutputQty     decimal.Decimal            `json:"output_qty"`
	DerivedUnits  decimal.Decimal            `json:"derived_units"`
	UnitCost      decimal.Decimal            `json:"unit_cost"`
	MaterialCost  decimal.Decimal            `json:"material_cost"`
	Operator      string                     `json:"operator"`
	Note          string                     `json:"note,omitempty"`
	StartedAt     string                     `json:"started_at"`
	FinishedAt    *string                    `json:"finished_at,omitempty"`
}

func toRunDTO(r production.Run) RunDTO {
	dto := RunDTO{
		BatchID:       r.BatchID,
		Store:         r.Store,
		Formula:       r.FormulaCode,
		FormulaName:   r.FormulaName,
		Kind:          string(r.Kind),
		Status:        string(r.Status),
		PrimaryInputs: r.PrimaryInputs,
		PostQty:       r.PostQty,
		Additives:     r.Additives,
		OutputQty:     r.OutputQty,
		DerivedUnits:  r.DerivedUnits,
		UnitCost:      r.UnitCost,
		MaterialCost:  r.MaterialCost,
		Operator:      r.Operator,
		Note:          r.Note,
		StartedAt:     r.StartedAt.Format(time.RFC3339),
	}
	if r.FinishedAt != nil {
		s := r.FinishedAt.Format(time.RFC3339)
		dto.FinishedAt = &s
	}
	return dto
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditDTO is one audit log line.
type AuditDTO struct {
	ID        string            `json:"id"`
	Timestamp string            `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Store     string            `json:"store"`
	Subject   string            `json:"subject"`
	Detail    map[string]string `json:"detail,omitempty"`
}

func toAuditDTO(a inventory.AuditEntry) AuditDTO {
	return AuditDTO{
		ID:        a.ID,
		Timestamp: a.Timestamp.Format(time.RFC3339),
		Actor:     a.Actor,
		Action:    string(a.Action),
		Store:     a.Store,
		Subject:   a.Subject,
		Detail:    a.Detail,
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// VALIDATION
// =============================================================================

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// validationFields maps each failing field to the tag it failed.
func validationFields(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return fields
}
