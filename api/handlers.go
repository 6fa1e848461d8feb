/*
handlers.go - HTTP API handlers for the stock ledger and production

PURPOSE:
  Exposes the ledger engine and production workflow via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Catalog:
    GET    /api/products                                List products
    POST   /api/products                                Create/replace product

  Ledger (per store):
    GET    /api/stores/{store}/stock                    Stock report
    GET    /api/stores/{store}/products/{product}       Latest state
    GET    /api/stores/{store}/products/{product}/history?limit=
    POST   /api/stores/{store}/receipts                 Receive
    POST   /api/stores/{store}/issues                   Issue
    POST   /api/stores/{store}/counts                   Reconcile (204 if no-op)

  Production:
    GET    /api/formulas                                List formulas
    POST   /api/formulas                                Create/replace formula
    GET    /api/formulas/{code}                         Get formula
    GET    /api/formulas/{code}/preview?post_qty=       Additive preview
    POST   /api/stores/{store}/runs                     Start run
    GET    /api/stores/{store}/runs/open                Open runs
    GET    /api/runs/{batch}                            Get run
    POST   /api/runs/{batch}/complete                   Complete run

  Audit:
    GET    /api/audit?store=&actor=&action=&limit=

ARCHITECTURE:
  Handler holds all dependencies:
  - Store: catalog, formulas, audit log (SQL)
  - Engine: every ledger read and write
  - Workflow: production runs

ACTOR:
  Authentication happens upstream. The acting user arrives in the X-Actor
  header and is recorded on entries, runs and audit lines as-is.

CODES:
  Store, product and formula codes are trimmed and upper-cased on the way
  in, so "xoai " and "XOAI" address the same ledger.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid quantities, unknown formula inputs
  - 404: Product, formula or run not found
  - 409: Insufficient stock, concurrent modification, duplicate batch,
         run already finished
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/stockroom/config"
	"github.com/warp/stockroom/factory"
	"github.com/warp/stockroom/inventory"
	"github.com/warp/stockroom/production"
	"github.com/warp/stockroom/store/sqlstore"
)

// ActorHeader carries the authenticated user name.
const ActorHeader = "X-Actor"

const maxAuditLimit = 1000

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store          *sqlstore.Store
	Engine         *inventory.Engine
	Workflow       *production.Workflow
	FormulaFactory *factory.FormulaFactory

	validate *validator.Validate
	log      logrus.FieldLogger

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a handler over an already wired engine and workflow.
func NewHandler(store *sqlstore.Store, engine *inventory.Engine, workflow *production.Workflow, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Store:          store,
		Engine:         engine,
		Workflow:       workflow,
		FormulaFactory: factory.NewFormulaFactory(),
		validate:       newValidator(),
		log:            log,
	}
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// ListProducts returns the product master.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Store.ListProducts(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list products", err)
		return
	}
	dtos := make([]ProductDTO, len(products))
	for i, p := range products {
		dtos[i] = toProductDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateProduct inserts or replaces a product.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := inventory.Product{
		Code:     normalizeCode(req.Code),
		Name:     strings.TrimSpace(req.Name),
		UOM:      strings.TrimSpace(req.UOM),
		Category: strings.TrimSpace(req.Category),
	}
	if err := h.Store.SaveProduct(r.Context(), p); err != nil {
		h.writeDomainError(w, r, "Failed to save product", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(p))
}

// =============================================================================
// LEDGER READS
// =============================================================================

// GetStockReport returns the latest position of every product in a store.
func (h *Handler) GetStockReport(w http.ResponseWriter, r *http.Request) {
	store := normalizeCode(chi.URLParam(r, "store"))
	report, err := h.Engine.StockReport(r.Context(), store)
	if err != nil {
		h.writeDomainError(w, r, "Failed to build stock report", err)
		return
	}
	writeJSON(w, http.StatusOK, toStockReportDTO(report))
}

// GetState returns the latest state of one product in a store. A product
// that never moved reports the zero state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	key, ok := h.productKey(w, r)
	if !ok {
		return
	}
	state, err := h.Engine.LatestState(r.Context(), key)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load state", err)
		return
	}
	writeJSON(w, http.StatusOK, toStateDTO(key, state))
}

// GetHistory returns ledger entries for one product, newest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := h.productKey(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", inventory.DefaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	entries, err := h.Engine.History(r.Context(), key, limit)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load history", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// productKey resolves {store}/{product} and checks the product exists.
func (h *Handler) productKey(w http.ResponseWriter, r *http.Request) (inventory.Key, bool) {
	key := inventory.Key{
		Store:   normalizeCode(chi.URLParam(r, "store")),
		Product: normalizeCode(chi.URLParam(r, "product")),
	}
	if _, err := h.Store.Product(r.Context(), key.Product); err != nil {
		h.writeDomainError(w, r, "Unknown product", err)
		return inventory.Key{}, false
	}
	return key, true
}

// =============================================================================
// LEDGER MUTATIONS
// =============================================================================

// Receive records a receipt into a store.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	var req ReceiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.Engine.Receive(r.Context(), inventory.ReceiveInput{
		Key:          h.key(r, req.Product),
		Qty:          req.Qty,
		UnitPrice:    req.UnitPrice,
		DerivedUnits: req.DerivedUnits,
		Reason:       strings.TrimSpace(req.Reason),
		Actor:        actor(r),
		At:           timeOrZero(req.At),
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to receive stock", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// Issue records an issue out of a store.
func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.Engine.Issue(r.Context(), inventory.IssueInput{
		Key:    h.key(r, req.Product),
		Qty:    req.Qty,
		Reason: strings.TrimSpace(req.Reason),
		Actor:  actor(r),
		At:     timeOrZero(req.At),
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to issue stock", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// Count reconciles the ledger to a physical count. Returns 204 when the
// count matches the book.
func (h *Handler) Count(w http.ResponseWriter, r *http.Request) {
	var req CountRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.Engine.Reconcile(r.Context(), inventory.ReconcileInput{
		Key:    h.key(r, req.Product),
		Actual: req.Actual,
		Reason: strings.TrimSpace(req.Reason),
		Actor:  actor(r),
		At:     timeOrZero(req.At),
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to reconcile stock", err)
		return
	}
	if entry == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

func (h *Handler) key(r *http.Request, product string) inventory.Key {
	return inventory.Key{
		Store:   normalizeCode(chi.URLParam(r, "store")),
		Product: normalizeCode(product),
	}
}

// =============================================================================
// FORMULA HANDLERS
// =============================================================================

// ListFormulas returns every formula in its JSON form.
func (h *Handler) ListFormulas(w http.ResponseWriter, r *http.Request) {
	formulas, err := h.Store.ListFormulas(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list formulas", err)
		return
	}
	dtos := make([]factory.FormulaJSON, len(formulas))
	for i, f := range formulas {
		dtos[i] = h.FormulaFactory.ToJSON(f)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetFormula returns one formula.
func (h *Handler) GetFormula(w http.ResponseWriter, r *http.Request) {
	f, err := h.Store.Formula(r.Context(), normalizeCode(chi.URLParam(r, "code")))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get formula", err)
		return
	}
	writeJSON(w, http.StatusOK, h.FormulaFactory.ToJSON(f))
}

// CreateFormula accepts a formula in factory JSON (older field names
// included) and stores it.
func (h *Handler) CreateFormula(w http.ResponseWriter, r *http.Request) {
	var fj factory.FormulaJSON
	if err := json.NewDecoder(r.Body).Decode(&fj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	f, err := h.FormulaFactory.FromJSON(fj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid formula", err)
		return
	}
	if err := h.Store.SaveFormula(r.Context(), f); err != nil {
		h.writeDomainError(w, r, "Failed to save formula", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.FormulaFactory.ToJSON(f))
}

// PreviewFormula returns the additives needed for ?post_qty= of output.
func (h *Handler) PreviewFormula(w http.ResponseWriter, r *http.Request) {
	code := normalizeCode(chi.URLParam(r, "code"))
	post, err := decimal.NewFromString(r.URL.Query().Get("post_qty"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid post_qty", err)
		return
	}
	additives, err := h.Workflow.Preview(r.Context(), code, post)
	if err != nil {
		h.writeDomainError(w, r, "Failed to preview formula", err)
		return
	}
	writeJSON(w, http.StatusOK, PreviewDTO{Formula: code, PostQty: post, Additives: additives})
}

// =============================================================================
// PRODUCTION RUN HANDLERS
// =============================================================================

// StartRun starts a production run. Intermediate formulas finish in the same
// call; finished-product formulas stay open until CompleteRun.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if !h.decode(w, r, &req) {
		return
	}
	inputs := make(map[string]decimal.Decimal, len(req.PrimaryInputs))
	for code, qty := range req.PrimaryInputs {
		inputs[normalizeCode(code)] = qty
	}

	run, err := h.Workflow.StartRun(r.Context(), production.StartInput{
		Store:         normalizeCode(chi.URLParam(r, "store")),
		FormulaCode:   normalizeCode(req.Formula),
		PrimaryInputs: inputs,
		PostQty:       req.PostQty,
		Operator:      actor(r),
		Note:          strings.TrimSpace(req.Note),
		BatchID:       strings.TrimSpace(req.BatchID),
	})
	if err != nil {
		if run.BatchID != "" {
			// Consumption stopped part way; the run stays open for follow-up.
			h.log.WithError(err).WithField("batch", run.BatchID).Warn("production run left open after failure")
		}
		h.writeDomainError(w, r, "Failed to start production run", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRunDTO(run))
}

// ListOpenRuns returns the in-progress runs of a store.
func (h *Handler) ListOpenRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Workflow.OpenRuns(r.Context(), normalizeCode(chi.URLParam(r, "store")))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list open runs", err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRun returns one production run.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Workflow.Run(r.Context(), chi.URLParam(r, "batch"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get production run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// CompleteRun records the measured output of an open run.
func (h *Handler) CompleteRun(w http.ResponseWriter, r *http.Request) {
	var req CompleteRunRequest
	if !h.decode(w, r, &req) {
		return
	}
	run, err := h.Workflow.CompleteRun(r.Context(), production.CompleteInput{
		BatchID:   chi.URLParam(r, "batch"),
		OutputQty: req.OutputQty,
		Operator:  actor(r),
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to complete production run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// =============================================================================
// AUDIT
// =============================================================================

// ListAudit returns audit log lines, newest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	q := r.URL.Query()
	filter := inventory.AuditFilter{
		Store: normalizeCode(q.Get("store")),
		Actor: strings.TrimSpace(q.Get("actor")),
		Limit: limit,
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, inventory.AuditAction(strings.TrimSpace(a)))
	}

	entries, err := h.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, "Failed to query audit log", err)
		return
	}
	dtos := make([]AuditDTO, len(entries))
	for i, a := range entries {
		dtos[i] = toAuditDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN
// =============================================================================

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ResetDatabase clears all data (dev only).
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. It writes the 400 itself and
// reports false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Details: err.Error(),
			Fields:  validationFields(err),
		})
		return false
	}
	return true
}

// writeDomainError maps ledger and production errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	var short *inventory.InsufficientStockError
	switch {
	case errors.As(err, &short):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   message,
			Details: err.Error(),
			Fields: map[string]string{
				"available": short.Available.String(),
				"requested": short.Requested.String(),
				"shortfall": short.Shortfall().String(),
			},
		})
	case production.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case production.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case production.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		config.LogError(h.log, "api", r.Method+" "+r.URL.Path, message,
			map[string]string{"request_id": middleware.GetReqID(r.Context())}, err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func normalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return "anonymous"
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return def, nil
	}
	return n, nil
}
