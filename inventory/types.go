/*
Package inventory provides the weighted-average-cost stock ledger.

PURPOSE:
  Every stock movement for a (store, product) pair is recorded as an
  immutable Entry. Each entry carries the state AFTER the movement
  (stock, average cost, on-hand value, derived units) so the latest state
  is always a single read, never a replay.

KEY CONCEPTS IN THIS FILE (types.go):
  - Key: the (store, product) partition of the ledger
  - Entry: one immutable movement plus its post-movement snapshot
  - State: the snapshot fields of the latest entry
  - Product: reference data captured onto each entry

COSTING:
  Weighted average. A receipt blends the incoming lot into the on-hand
  value and recomputes the average. An issue draws value down at the
  current average and leaves the average untouched.

DERIVED UNITS:
  Some products carry a secondary count (servings, "cups") that is
  distributed homogeneously over the physical quantity. Receipts add to it,
  issues remove it proportionally.

SEE ALSO:
  - ledger.go: Engine (Receive, Issue, Reconcile, LatestState)
  - store.go: persistence interfaces
  - errors.go: error taxonomy
*/
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// Epsilon is the tolerance used when comparing stock quantities.
// Quantities within Epsilon of each other are treated as equal.
var Epsilon = decimal.New(1, -9)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// Key partitions the ledger. Entries for one key form a totally ordered
// sequence.
type Key struct {
	Store   string
	Product string
}

func (k Key) String() string { return k.Store + "/" + k.Product }

// =============================================================================
// PRODUCT - reference data
// =============================================================================

// Product is a stock-keeping unit as seen by the ledger.
type Product struct {
	Code     string
	Name     string
	UOM      string
	Category string
}

// =============================================================================
// ENTRY - immutable movement with snapshot
// =============================================================================

// MovementKind names the kind of movement an entry records.
type MovementKind string

const (
	MovementReceive   MovementKind = "receive"
	MovementIssue     MovementKind = "issue"
	MovementReconcile MovementKind = "reconcile"
)

// Entry is one ledger line. Once appended it is never modified.
type Entry struct {
	ID  string
	Seq int64 // per-key, 1-based

	Store   string
	Product string

	At         time.Time // event time, may be backdated
	RecordedAt time.Time // append time

	// Movement. Exactly one side is non-zero.
	QtyIn   decimal.Decimal
	PriceIn decimal.Decimal
	QtyOut  decimal.Decimal

	Reason string
	Actor  string
	RunID  string // production run this movement belongs to, if any

	// Snapshot after this entry.
	StockAfter   decimal.Decimal
	AvgCost      decimal.Decimal
	OnHandValue  decimal.Decimal
	DerivedUnits decimal.Decimal

	// Denormalized at write time.
	ProductName string
	UOM         string
}

// Key returns the ledger partition this entry belongs to.
func (e Entry) Key() Key { return Key{Store: e.Store, Product: e.Product} }

// State returns the snapshot recorded on this entry.
func (e Entry) State() State {
	return State{
		Seq:          e.Seq,
		Stock:        e.StockAfter,
		AvgCost:      e.AvgCost,
		OnHandValue:  e.OnHandValue,
		DerivedUnits: e.DerivedUnits,
	}
}

// Kind reports whether the entry is a receipt or an issue.
func (e Entry) Kind() MovementKind {
	if e.QtyOut.IsPositive() {
		return MovementIssue
	}
	return MovementReceive
}

// IssuedCost is the value drawn out of stock by this entry, at the average
// cost in effect when it was written.
func (e Entry) IssuedCost() decimal.Decimal {
	return e.QtyOut.Mul(e.AvgCost)
}

// =============================================================================
// STATE - latest snapshot for a key
// =============================================================================

// State is the running position of a key. The zero value is the state of a
// key with no entries.
type State struct {
	Seq          int64 // sequence of the entry this state was read from; 0 if none
	Stock        decimal.Decimal
	AvgCost      decimal.Decimal
	OnHandValue  decimal.Decimal
	DerivedUnits decimal.Decimal
}

// IsEmpty reports whether no entry has been written for the key yet.
func (s State) IsEmpty() bool { return s.Seq == 0 }

// applyReceipt returns the state after receiving qty at unitPrice.
func applyReceipt(s State, qty, unitPrice, units decimal.Decimal) State {
	stock := s.Stock.Add(qty)
	value := s.OnHandValue.Add(qty.Mul(unitPrice))
	avg := decimal.Zero
	if stock.IsPositive() {
		avg = value.Div(stock)
	}
	return State{
		Seq:          s.Seq + 1,
		Stock:        stock,
		AvgCost:      avg,
		OnHandValue:  value,
		DerivedUnits: s.DerivedUnits.Add(units),
	}
}

// applyIssue returns the state after issuing qty. The caller has already
// checked qty against the available stock.
func applyIssue(s State, qty decimal.Decimal) State {
	removed := decimal.Zero
	if s.Stock.IsPositive() && s.DerivedUnits.IsPositive() {
		removed = qty.Mul(s.DerivedUnits.Div(s.Stock))
	}
	units := decimal.Max(decimal.Zero, s.DerivedUnits.Sub(removed))

	stock := s.Stock.Sub(qty)
	value := s.OnHandValue.Sub(qty.Mul(s.AvgCost))
	if stock.LessThanOrEqual(Epsilon) {
		// Fully drained: drop rounding residue so an empty key holds no value.
		stock = decimal.Zero
		value = decimal.Zero
		units = decimal.Zero
	}
	return State{
		Seq:          s.Seq + 1,
		Stock:        stock,
		AvgCost:      s.AvgCost,
		OnHandValue:  value,
		DerivedUnits: units,
	}
}

// =============================================================================
// STOCK REPORT
// =============================================================================

// StockLine is the latest position of one product in a store.
type StockLine struct {
	Product     string
	ProductName string
	UOM         string
	State       State
	LastMovedAt time.Time
}

// StockReport lists the latest position of every product a store has moved.
type StockReport struct {
	Store      string
	Lines      []StockLine
	TotalValue decimal.Decimal
}
