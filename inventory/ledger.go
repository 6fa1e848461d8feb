/*
ledger.go - The stock ledger engine

PURPOSE:
  Engine is the only writer of ledger entries. It exposes three mutations
  (Receive, Issue, Reconcile) and one read (LatestState), plus the history
  and stock-report reads used by reporting screens.

WRITE PATH (every mutation):
  1. Validate quantities                       -> ErrInvalidQuantity
  2. Look up the product                       -> ErrProductNotFound
  3. Lock the (store, product) key             (KeyLocker)
  4. Read the latest entry for the key
  5. Compute the new snapshot                  -> ErrInsufficientStock
  6. Append with Seq = latest.Seq + 1          -> ErrConcurrentModification
  7. Unlock (on every path)
  8. Audit + metrics (best effort, after commit)

  Steps 4-6 never interleave with another writer on the same key: the lock
  keeps in-process writers apart and the store's append-if-latest contract
  catches anyone the lock cannot see (another process, a misconfigured lock).

FORMULAS:
  Receive:   S' = S + q      V' = V + q*p      A' = V'/S'     C' = C + c
  Issue:     S' = S - q      V' = V - q*A      A' = A         C' = max(0, C - q*C/S)
  Reconcile: d = actual - S; |d| < eps -> no entry; d > 0 -> receive d at A;
             d < 0 -> issue -d

NO IN-MEMORY STATE:
  The engine keeps nothing between calls. Every operation starts from the
  latest persisted entry.

SEE ALSO:
  - types.go: applyReceipt / applyIssue
  - store.go: Store contract
  - production/workflow.go: the main non-UI caller
*/
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	DefaultHistoryLimit = 200

	reasonReceive   = "Stock receipt"
	reasonIssue     = "Stock issue"
	reasonCountGain = "Stock count (+)"
	reasonCountLoss = "Stock count (-)"
)

// Recorder receives one observation per engine mutation.
type Recorder interface {
	ObserveMovement(kind MovementKind, store string, took time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveMovement(MovementKind, string, time.Duration, error) {}

// =============================================================================
// ENGINE
// =============================================================================

// Engine reads and writes the stock ledger.
type Engine struct {
	store    Store
	products Products
	locker   KeyLocker
	audit    AuditLog
	recorder Recorder
	log      logrus.FieldLogger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker replaces the default in-process LocalLocker.
func WithLocker(l KeyLocker) Option { return func(e *Engine) { e.locker = l } }

// WithAuditLog records every committed movement in the audit log.
func WithAuditLog(a AuditLog) Option { return func(e *Engine) { e.audit = a } }

func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an engine over store, resolving products through products.
func NewEngine(store Store, products Products, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		products: products,
		locker:   NewLocalLocker(),
		recorder: nopRecorder{},
		log:      logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// INPUTS
// =============================================================================

// ReceiveInput describes a receipt.
type ReceiveInput struct {
	Key          Key
	Qty          decimal.Decimal
	UnitPrice    decimal.Decimal
	DerivedUnits decimal.Decimal // added to the running derived-unit count
	Reason       string
	Actor        string
	At           time.Time // zero = now
	RunID        string
}

// IssueInput describes an issue.
type IssueInput struct {
	Key    Key
	Qty    decimal.Decimal
	Reason string
	Actor  string
	At     time.Time
	RunID  string
}

// ReconcileInput describes a physical count.
type ReconcileInput struct {
	Key    Key
	Actual decimal.Decimal
	Reason string
	Actor  string
	At     time.Time
}

// =============================================================================
// READS
// =============================================================================

// LatestState returns the snapshot of the newest entry for key, or the zero
// state if the key has no entries.
func (e *Engine) LatestState(ctx context.Context, key Key) (State, error) {
	latest, ok, err := e.store.Latest(ctx, key)
	if err != nil {
		return State{}, fmt.Errorf("load latest %s: %w", key, err)
	}
	if !ok {
		return State{}, nil
	}
	return latest.State(), nil
}

// History returns up to limit entries for key, newest first.
// limit <= 0 uses DefaultHistoryLimit.
func (e *Engine) History(ctx context.Context, key Key, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return e.store.History(ctx, key, limit)
}

// EntriesByRun returns the entries tagged with a production run.
func (e *Engine) EntriesByRun(ctx context.Context, runID string) ([]Entry, error) {
	return e.store.EntriesByRun(ctx, runID)
}

// Product looks code up in the catalog the engine writes against.
func (e *Engine) Product(ctx context.Context, code string) (Product, error) {
	return e.products.Product(ctx, code)
}

// StockReport returns the latest position of every product in store, sorted
// by product name, with the total on-hand value.
func (e *Engine) StockReport(ctx context.Context, store string) (StockReport, error) {
	entries, err := e.store.LatestByStore(ctx, store)
	if err != nil {
		return StockReport{}, fmt.Errorf("load stock for %s: %w", store, err)
	}

	report := StockReport{Store: store, TotalValue: decimal.Zero}
	for _, en := range entries {
		report.Lines = append(report.Lines, StockLine{
			Product:     en.Product,
			ProductName: en.ProductName,
			UOM:         en.UOM,
			State:       en.State(),
			LastMovedAt: en.At,
		})
		report.TotalValue = report.TotalValue.Add(en.OnHandValue)
	}
	sort.Slice(report.Lines, func(i, j int) bool {
		if report.Lines[i].ProductName != report.Lines[j].ProductName {
			return report.Lines[i].ProductName < report.Lines[j].ProductName
		}
		return report.Lines[i].Product < report.Lines[j].Product
	})
	return report, nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Receive adds qty at unitPrice to the key and recomputes the average cost.
func (e *Engine) Receive(ctx context.Context, in ReceiveInput) (Entry, error) {
	start := e.now()
	entry, err := e.receive(ctx, in)
	e.recorder.ObserveMovement(MovementReceive, in.Key.Store, e.now().Sub(start), err)
	if err != nil {
		return Entry{}, err
	}
	e.afterCommit(ctx, AuditReceive, entry)
	return entry, nil
}

func (e *Engine) receive(ctx context.Context, in ReceiveInput) (Entry, error) {
	if !in.Qty.IsPositive() {
		return Entry{}, invalidQuantity("receive qty", in.Qty)
	}
	if in.UnitPrice.IsNegative() {
		return Entry{}, fmt.Errorf("%w: unit price must not be negative, got %s", ErrInvalidQuantity, in.UnitPrice)
	}
	if in.DerivedUnits.IsNegative() {
		return Entry{}, fmt.Errorf("%w: derived units must not be negative, got %s", ErrInvalidQuantity, in.DerivedUnits)
	}
	return e.mutate(ctx, in.Key, func(prev State) (Entry, error) {
		return e.receiptEntry(prev, in), nil
	})
}

// Issue removes qty from the key at the current average cost.
// Fails with *InsufficientStockError if qty exceeds the stock on hand.
func (e *Engine) Issue(ctx context.Context, in IssueInput) (Entry, error) {
	start := e.now()
	entry, err := e.issue(ctx, in)
	e.recorder.ObserveMovement(MovementIssue, in.Key.Store, e.now().Sub(start), err)
	if err != nil {
		return Entry{}, err
	}
	e.afterCommit(ctx, AuditIssue, entry)
	return entry, nil
}

func (e *Engine) issue(ctx context.Context, in IssueInput) (Entry, error) {
	if !in.Qty.IsPositive() {
		return Entry{}, invalidQuantity("issue qty", in.Qty)
	}
	return e.mutate(ctx, in.Key, func(prev State) (Entry, error) {
		return e.issueEntry(prev, in)
	})
}

// Reconcile brings the key's stock to actual by writing one receipt (at the
// current average, so the average does not move) or one issue. Returns nil
// and writes nothing when stock already matches within Epsilon.
func (e *Engine) Reconcile(ctx context.Context, in ReconcileInput) (*Entry, error) {
	start := e.now()
	entry, err := e.reconcile(ctx, in)
	e.recorder.ObserveMovement(MovementReconcile, in.Key.Store, e.now().Sub(start), err)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		e.afterCommit(ctx, AuditReconcile, *entry)
	}
	return entry, nil
}

var errNoChange = errors.New("no change")

func (e *Engine) reconcile(ctx context.Context, in ReconcileInput) (*Entry, error) {
	if in.Actual.IsNegative() {
		return nil, fmt.Errorf("%w: counted quantity must not be negative, got %s", ErrInvalidQuantity, in.Actual)
	}
	entry, err := e.mutate(ctx, in.Key, func(prev State) (Entry, error) {
		delta := in.Actual.Sub(prev.Stock)
		switch {
		case delta.Abs().LessThan(Epsilon):
			return Entry{}, errNoChange
		case delta.IsPositive():
			return e.receiptEntry(prev, ReceiveInput{
				Key:       in.Key,
				Qty:       delta,
				UnitPrice: prev.AvgCost,
				Reason:    defaultReason(in.Reason, reasonCountGain),
				Actor:     in.Actor,
				At:        in.At,
			}), nil
		default:
			return e.issueEntry(prev, IssueInput{
				Key:    in.Key,
				Qty:    delta.Neg(),
				Reason: defaultReason(in.Reason, reasonCountLoss),
				Actor:  in.Actor,
				At:     in.At,
			})
		}
	})
	if errors.Is(err, errNoChange) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// mutate runs one read-latest-then-append cycle under the key lock.
// build receives the previous state and returns the movement fields of the
// new entry; mutate fills identity, product and timestamps.
func (e *Engine) mutate(ctx context.Context, key Key, build func(prev State) (Entry, error)) (Entry, error) {
	product, err := e.products.Product(ctx, key.Product)
	if err != nil {
		return Entry{}, err
	}

	unlock, err := e.locker.Lock(ctx, key.String())
	if err != nil {
		return Entry{}, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	prev, err := e.LatestState(ctx, key)
	if err != nil {
		return Entry{}, err
	}

	entry, err := build(prev)
	if err != nil {
		return Entry{}, err
	}

	now := e.now().UTC()
	entry.ID = uuid.NewString()
	entry.Seq = prev.Seq + 1
	entry.Store = key.Store
	entry.Product = key.Product
	entry.ProductName = product.Name
	entry.UOM = product.UOM
	entry.RecordedAt = now
	if entry.At.IsZero() {
		entry.At = now
	} else {
		entry.At = entry.At.UTC()
	}

	if err := e.store.Append(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("append %s seq %d: %w", key, entry.Seq, err)
	}
	return entry, nil
}

func (e *Engine) receiptEntry(prev State, in ReceiveInput) Entry {
	next := applyReceipt(prev, in.Qty, in.UnitPrice, in.DerivedUnits)
	return Entry{
		At:           in.At,
		QtyIn:        in.Qty,
		PriceIn:      in.UnitPrice,
		QtyOut:       decimal.Zero,
		Reason:       defaultReason(in.Reason, reasonReceive),
		Actor:        in.Actor,
		RunID:        in.RunID,
		StockAfter:   next.Stock,
		AvgCost:      next.AvgCost,
		OnHandValue:  next.OnHandValue,
		DerivedUnits: next.DerivedUnits,
	}
}

func (e *Engine) issueEntry(prev State, in IssueInput) (Entry, error) {
	if in.Qty.GreaterThan(prev.Stock.Add(Epsilon)) {
		return Entry{}, &InsufficientStockError{Key: in.Key, Available: prev.Stock, Requested: in.Qty}
	}
	next := applyIssue(prev, in.Qty)
	return Entry{
		At:           in.At,
		QtyIn:        decimal.Zero,
		PriceIn:      decimal.Zero,
		QtyOut:       in.Qty,
		Reason:       defaultReason(in.Reason, reasonIssue),
		Actor:        in.Actor,
		RunID:        in.RunID,
		StockAfter:   next.Stock,
		AvgCost:      next.AvgCost,
		OnHandValue:  next.OnHandValue,
		DerivedUnits: next.DerivedUnits,
	}, nil
}

// afterCommit logs and audits a committed entry. Failures here are logged;
// the movement itself is already durable.
func (e *Engine) afterCommit(ctx context.Context, action AuditAction, en Entry) {
	fields := logrus.Fields{
		"store":   en.Store,
		"product": en.Product,
		"seq":     en.Seq,
		"qty_in":  en.QtyIn.String(),
		"qty_out": en.QtyOut.String(),
		"stock":   en.StockAfter.String(),
		"avg":     en.AvgCost.String(),
	}
	if en.RunID != "" {
		fields["run_id"] = en.RunID
	}
	e.log.WithFields(fields).Debug("ledger entry appended")

	if e.audit == nil {
		return
	}
	detail := map[string]string{
		"entry_id": en.ID,
		"qty_in":   en.QtyIn.String(),
		"price_in": en.PriceIn.String(),
		"qty_out":  en.QtyOut.String(),
		"reason":   en.Reason,
	}
	if en.RunID != "" {
		detail["run_id"] = en.RunID
	}
	err := e.audit.AppendAudit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: en.RecordedAt,
		Actor:     en.Actor,
		Action:    action,
		Store:     en.Store,
		Subject:   en.Product,
		Detail:    detail,
	})
	if err != nil {
		e.log.WithFields(fields).WithError(err).Warn("audit append failed")
	}
}

func defaultReason(reason, fallback string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fallback
	}
	return reason
}
