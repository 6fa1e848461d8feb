package production

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
)

// Run is one execution of a formula.
type Run struct {
	BatchID     string
	Store       string
	FormulaCode string
	FormulaName string
	Kind        Kind
	Status      Status

	PrimaryInputs map[string]decimal.Decimal // as supplied by the operator
	PostQty       decimal.Decimal
	Additives     map[string]decimal.Decimal // computed from the formula

	OutputQty    decimal.Decimal
	DerivedUnits decimal.Decimal
	UnitCost     decimal.Decimal
	MaterialCost decimal.Decimal

	Operator   string
	Note       string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// IsOpen reports whether the run still awaits completion.
func (r Run) IsOpen() bool { return r.Status == StatusInProgress }

// RunResult is what completion writes onto a run.
type RunResult struct {
	OutputQty    decimal.Decimal
	DerivedUnits decimal.Decimal
	UnitCost     decimal.Decimal
	MaterialCost decimal.Decimal
	FinishedAt   time.Time
}

// RunStore persists production runs.
type RunStore interface {
	// CreateRun stores a new run. Returns ErrDuplicateBatch if the batch id
	// is taken.
	CreateRun(ctx context.Context, run Run) error

	// GetRun returns the run with batchID, open or finished. Returns
	// ErrRunNotFound if none exists.
	GetRun(ctx context.Context, batchID string) (Run, error)

	// FinishRun moves an in-progress run to finished and records result.
	// The transition happens at most once: a run that is already finished
	// yields ErrRunAlreadyFinished, a missing one ErrRunNotFound.
	FinishRun(ctx context.Context, batchID string, result RunResult) (Run, error)

	// OpenRuns returns the in-progress runs of a store, oldest first.
	OpenRuns(ctx context.Context, store string) ([]Run, error)
}

// Formulas looks up formula definitions. Returns ErrFormulaNotFound when the
// code is unknown.
type Formulas interface {
	Formula(ctx context.Context, code string) (Formula, error)
}
