/*
workflow.go - Production runs over the stock ledger

PURPOSE:
  Workflow consumes materials through the ledger, costs the run from the
  entries it wrote, and receives the output product at that unit cost.

START (StartRun):
  1. Resolve the formula, validate quantities and inputs, map input codes to
     the formula's spelling, and look up every product the run will touch
  2. Record the run as in_progress (so every issue can carry the batch id)
  3. Issue each primary input with qty > 0, sorted by code
  4. Issue each additive requirement > 0, sorted by code
  5. intermediate: cost + receive output + finish the run
     finished:     leave the run open for CompleteRun

COMPLETE (CompleteRun):
  Under a lock on the batch id: load the open run, cost it, receive the
  realized output, mark the run finished (compare-and-set on status).
  Only finished-goods runs take a measured output. An intermediate run can
  be completed only when its output receipt is already on the ledger (its
  start wrote the receipt, then failed to mark the run finished).

OUTPUT RECEIPT:
  A run has at most one output receipt. Finishing first looks for a receipt
  tagged with the batch; if one exists it is reused, and its quantity and
  price win over the caller's. Retrying a completion whose FinishRun failed
  therefore never receives the output twice.

COSTING:
  Every ledger entry the run writes is tagged with its batch id. Material
  cost is the sum of QtyOut*AvgCost over the tagged entries, each at the
  average in effect when that issue was written. Two runs of the same
  formula in the same store never see each other's issues.

PARTIAL FAILURE:
  A run touches several ledger keys and is not one transaction. If an issue
  fails part-way, the issues already written stay, the run stays open, and
  the error is returned. The operator sees the partially consumed batch in
  the open-runs list.

SEE ALSO:
  - formula.go: AdditiveRequirements
  - inventory/ledger.go: Engine (the Ledger implementation)
*/
package production

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/stockroom/inventory"
)

// Ledger is the part of inventory.Engine the workflow drives.
type Ledger interface {
	Product(ctx context.Context, code string) (inventory.Product, error)
	Issue(ctx context.Context, in inventory.IssueInput) (inventory.Entry, error)
	Receive(ctx context.Context, in inventory.ReceiveInput) (inventory.Entry, error)
	EntriesByRun(ctx context.Context, runID string) ([]inventory.Entry, error)
}

// Run lifecycle events reported to a RunRecorder.
const (
	EventStarted  = "started"
	EventFinished = "finished"
)

// RunRecorder receives one observation per run start or completion.
type RunRecorder interface {
	ObserveRun(event string, kind Kind, err error)
}

type nopRunRecorder struct{}

func (nopRunRecorder) ObserveRun(string, Kind, error) {}

// =============================================================================
// WORKFLOW
// =============================================================================

// Workflow runs formulas against the ledger.
type Workflow struct {
	ledger   Ledger
	formulas Formulas
	runs     RunStore
	locker   inventory.KeyLocker
	audit    inventory.AuditLog
	recorder RunRecorder
	log      logrus.FieldLogger
	now      func() time.Time
	batchID  func(formula string, at time.Time) string
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLocker sets the locker used to serialize completions of one batch.
func WithLocker(l inventory.KeyLocker) Option { return func(w *Workflow) { w.locker = l } }

func WithAuditLog(a inventory.AuditLog) Option { return func(w *Workflow) { w.audit = a } }

func WithRecorder(r RunRecorder) Option { return func(w *Workflow) { w.recorder = r } }

func WithLogger(l logrus.FieldLogger) Option { return func(w *Workflow) { w.log = l } }

func WithClock(now func() time.Time) Option { return func(w *Workflow) { w.now = now } }

// WithBatchIDs overrides batch id generation.
func WithBatchIDs(gen func(formula string, at time.Time) string) Option {
	return func(w *Workflow) { w.batchID = gen }
}

func NewWorkflow(ledger Ledger, formulas Formulas, runs RunStore, opts ...Option) *Workflow {
	w := &Workflow{
		ledger:   ledger,
		formulas: formulas,
		runs:     runs,
		locker:   inventory.NewLocalLocker(),
		recorder: nopRunRecorder{},
		log:      logrus.StandardLogger(),
		now:      time.Now,
		batchID:  NewBatchID,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewBatchID returns <FORMULA>-<yyyymmdd>-<8 hex chars>.
func NewBatchID(formula string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", formula, at.UTC().Format("20060102"), strings.ToUpper(suffix))
}

// =============================================================================
// INPUTS
// =============================================================================

// StartInput describes a new run.
type StartInput struct {
	Store         string
	FormulaCode   string
	PrimaryInputs map[string]decimal.Decimal
	PostQty       decimal.Decimal
	Operator      string
	Note          string
	BatchID       string // optional; generated when empty
}

// CompleteInput finishes a two-phase run with its measured output.
type CompleteInput struct {
	BatchID   string
	OutputQty decimal.Decimal
	Operator  string
}

// =============================================================================
// READS
// =============================================================================

// Preview returns the additive quantities a run of postQty would consume.
func (w *Workflow) Preview(ctx context.Context, formulaCode string, postQty decimal.Decimal) (map[string]decimal.Decimal, error) {
	if postQty.IsNegative() {
		return nil, fmt.Errorf("%w: post qty must not be negative, got %s", inventory.ErrInvalidQuantity, postQty)
	}
	f, err := w.formulas.Formula(ctx, formulaCode)
	if err != nil {
		return nil, err
	}
	return AdditiveRequirements(f, postQty), nil
}

func (w *Workflow) Run(ctx context.Context, batchID string) (Run, error) {
	return w.runs.GetRun(ctx, batchID)
}

func (w *Workflow) OpenRuns(ctx context.Context, store string) ([]Run, error) {
	return w.runs.OpenRuns(ctx, store)
}

// MaterialCost sums the value issued by entries, each at its own average.
func MaterialCost(entries []inventory.Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.IssuedCost())
	}
	return total
}

// =============================================================================
// START
// =============================================================================

// StartRun consumes the run's materials and, for intermediate formulas,
// produces the output. It returns the run as stored after the last step
// that succeeded.
func (w *Workflow) StartRun(ctx context.Context, in StartInput) (Run, error) {
	run, err := w.startRun(ctx, in)
	w.recorder.ObserveRun(EventStarted, run.Kind, err)
	return run, err
}

func (w *Workflow) startRun(ctx context.Context, in StartInput) (Run, error) {
	f, err := w.formulas.Formula(ctx, in.FormulaCode)
	if err != nil {
		return Run{}, err
	}
	inputs, err := w.validateStart(f, in)
	if err != nil {
		return Run{Kind: f.Kind}, err
	}
	additives := AdditiveRequirements(f, in.PostQty)
	if err := w.resolveProducts(ctx, f, inputs, additives); err != nil {
		return Run{Kind: f.Kind}, err
	}

	now := w.now().UTC()
	batch := strings.TrimSpace(in.BatchID)
	if batch == "" {
		batch = w.batchID(f.Code, now)
	}
	run := Run{
		BatchID:       batch,
		Store:         in.Store,
		FormulaCode:   f.Code,
		FormulaName:   f.Name,
		Kind:          f.Kind,
		Status:        StatusInProgress,
		PrimaryInputs: inputs,
		PostQty:       in.PostQty,
		Additives:     additives,
		OutputQty:     decimal.Zero,
		DerivedUnits:  decimal.Zero,
		UnitCost:      decimal.Zero,
		MaterialCost:  decimal.Zero,
		Operator:      in.Operator,
		Note:          in.Note,
		StartedAt:     now,
	}
	if err := w.runs.CreateRun(ctx, run); err != nil {
		return Run{Kind: f.Kind}, fmt.Errorf("create run %s: %w", batch, err)
	}

	log := w.log.WithFields(logrus.Fields{"batch": batch, "formula": f.Code, "store": in.Store})

	inputReason := fmt.Sprintf("Production %s input", f.Code)
	for _, code := range sortedPositive(run.PrimaryInputs) {
		if err := w.consume(ctx, run, code, run.PrimaryInputs[code], inputReason); err != nil {
			log.WithError(err).Warn("run left in progress after failed input issue")
			return run, err
		}
	}
	additiveReason := fmt.Sprintf("Production %s additive", f.Code)
	for _, code := range sortedPositive(run.Additives) {
		if err := w.consume(ctx, run, code, run.Additives[code], additiveReason); err != nil {
			log.WithError(err).Warn("run left in progress after failed additive issue")
			return run, err
		}
	}

	w.recordAudit(ctx, inventory.AuditProductionStarted, run, map[string]string{
		"formula":  f.Code,
		"post_qty": run.PostQty.String(),
	})
	log.Info("production run started")

	if f.Kind != KindIntermediate {
		return run, nil
	}
	return w.finish(ctx, run, f, in.PostQty.Mul(f.Yield()), in.Operator)
}

// validateStart checks the request and returns the primary inputs keyed by
// the formula's own codes. Codes that differ only in case are summed.
func (w *Workflow) validateStart(f Formula, in StartInput) (map[string]decimal.Decimal, error) {
	if strings.TrimSpace(in.Store) == "" {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidRun)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if !in.PostQty.IsPositive() {
		return nil, fmt.Errorf("%w: post qty must be positive, got %s", inventory.ErrInvalidQuantity, in.PostQty)
	}
	inputs := make(map[string]decimal.Decimal, len(in.PrimaryInputs))
	for code, qty := range in.PrimaryInputs {
		if qty.IsNegative() {
			return nil, fmt.Errorf("%w: input %s must not be negative, got %s", inventory.ErrInvalidQuantity, code, qty)
		}
		canonical, ok := f.CanonicalInput(code)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not an input of %s", ErrUnknownInput, code, f.Code)
		}
		inputs[canonical] = inputs[canonical].Add(qty)
	}
	return inputs, nil
}

// resolveProducts looks up every product the run will write to, so a
// missing product fails the run before anything is recorded.
func (w *Workflow) resolveProducts(ctx context.Context, f Formula, inputs, additives map[string]decimal.Decimal) error {
	codes := append(sortedPositive(inputs), sortedPositive(additives)...)
	codes = append(codes, f.OutputProduct)
	for _, code := range codes {
		if _, err := w.ledger.Product(ctx, code); err != nil {
			return fmt.Errorf("formula %s: %w", f.Code, err)
		}
	}
	return nil
}

func (w *Workflow) consume(ctx context.Context, run Run, product string, qty decimal.Decimal, reason string) error {
	_, err := w.ledger.Issue(ctx, inventory.IssueInput{
		Key:    inventory.Key{Store: run.Store, Product: product},
		Qty:    qty,
		Reason: reason,
		Actor:  run.Operator,
		RunID:  run.BatchID,
	})
	if err != nil {
		return fmt.Errorf("run %s: issue %s: %w", run.BatchID, product, err)
	}
	return nil
}

// =============================================================================
// COMPLETE
// =============================================================================

// CompleteRun finishes an open two-phase run with the measured output.
func (w *Workflow) CompleteRun(ctx context.Context, in CompleteInput) (Run, error) {
	run, err := w.completeRun(ctx, in)
	w.recorder.ObserveRun(EventFinished, run.Kind, err)
	return run, err
}

func (w *Workflow) completeRun(ctx context.Context, in CompleteInput) (Run, error) {
	if !in.OutputQty.IsPositive() {
		return Run{}, fmt.Errorf("%w: output qty must be positive, got %s", inventory.ErrInvalidQuantity, in.OutputQty)
	}

	unlock, err := w.locker.Lock(ctx, "run/"+in.BatchID)
	if err != nil {
		return Run{}, fmt.Errorf("lock run %s: %w", in.BatchID, err)
	}
	defer unlock()

	run, err := w.runs.GetRun(ctx, in.BatchID)
	if err != nil {
		return Run{}, err
	}
	if !run.IsOpen() {
		return run, fmt.Errorf("%w: %s", ErrRunAlreadyFinished, run.BatchID)
	}
	f, err := w.formulas.Formula(ctx, run.FormulaCode)
	if err != nil {
		return run, err
	}
	if run.Kind != KindFinished {
		entries, err := w.ledger.EntriesByRun(ctx, run.BatchID)
		if err != nil {
			return run, fmt.Errorf("load entries of run %s: %w", run.BatchID, err)
		}
		if _, ok := outputReceipt(entries, run, f); !ok {
			return run, fmt.Errorf("%w: %s is a %s run and did not consume all its materials", ErrInvalidRun, run.BatchID, run.Kind)
		}
	}

	actor := in.Operator
	if actor == "" {
		actor = run.Operator
	}
	return w.finish(ctx, run, f, in.OutputQty, actor)
}

// finish costs the run, receives its output and marks it finished.
func (w *Workflow) finish(ctx context.Context, run Run, f Formula, output decimal.Decimal, actor string) (Run, error) {
	entries, err := w.ledger.EntriesByRun(ctx, run.BatchID)
	if err != nil {
		return run, fmt.Errorf("load entries of run %s: %w", run.BatchID, err)
	}
	cost := MaterialCost(entries)
	unitCost := decimal.Zero
	receipt, received := outputReceipt(entries, run, f)
	switch {
	case received:
		output, unitCost = receipt.QtyIn, receipt.PriceIn
	case output.IsPositive():
		unitCost = cost.Div(output)
	}
	units := output.Mul(f.DerivedUnitsPerOutput)

	if received {
		w.log.WithFields(logrus.Fields{"batch": run.BatchID, "entry": receipt.ID}).
			Info("output already received, finishing run")
	} else if output.IsPositive() {
		_, err = w.ledger.Receive(ctx, inventory.ReceiveInput{
			Key:          inventory.Key{Store: run.Store, Product: f.OutputProduct},
			Qty:          output,
			UnitPrice:    unitCost,
			DerivedUnits: units,
			Reason:       fmt.Sprintf("Production %s output", f.Code),
			Actor:        actor,
			RunID:        run.BatchID,
		})
		if err != nil {
			return run, fmt.Errorf("run %s: receive %s: %w", run.BatchID, f.OutputProduct, err)
		}
	}

	finished, err := w.runs.FinishRun(ctx, run.BatchID, RunResult{
		OutputQty:    output,
		DerivedUnits: units,
		UnitCost:     unitCost,
		MaterialCost: cost,
		FinishedAt:   w.now().UTC(),
	})
	if err != nil {
		return run, fmt.Errorf("finish run %s: %w", run.BatchID, err)
	}

	w.recordAudit(ctx, inventory.AuditProductionFinished, finished, map[string]string{
		"formula":       f.Code,
		"output_qty":    output.String(),
		"unit_cost":     unitCost.String(),
		"material_cost": cost.String(),
		"derived_units": units.String(),
	})
	w.log.WithFields(logrus.Fields{
		"batch":     run.BatchID,
		"formula":   f.Code,
		"output":    output.String(),
		"unit_cost": unitCost.String(),
	}).Info("production run finished")
	return finished, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (w *Workflow) recordAudit(ctx context.Context, action inventory.AuditAction, run Run, detail map[string]string) {
	if w.audit == nil {
		return
	}
	err := w.audit.AppendAudit(ctx, inventory.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: w.now().UTC(),
		Actor:     run.Operator,
		Action:    action,
		Store:     run.Store,
		Subject:   run.BatchID,
		Detail:    detail,
	})
	if err != nil {
		w.log.WithError(err).WithField("batch", run.BatchID).Warn("audit append failed")
	}
}

// outputReceipt returns the receipt of the run's output product, if the
// ledger already has one.
func outputReceipt(entries []inventory.Entry, run Run, f Formula) (inventory.Entry, bool) {
	for _, e := range entries {
		if e.Store == run.Store && e.Product == f.OutputProduct && e.QtyIn.IsPositive() {
			return e, true
		}
	}
	return inventory.Entry{}, false
}

// sortedPositive returns the codes with a positive quantity, sorted.
func sortedPositive(m map[string]decimal.Decimal) []string {
	codes := make([]string, 0, len(m))
	for code, qty := range m {
		if qty.IsPositive() {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}
