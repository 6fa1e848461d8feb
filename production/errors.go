package production

import (
	"errors"
	"fmt"

	"github.com/warp/stockroom/inventory"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrFormulaNotFound is returned when a formula code is not defined.
	ErrFormulaNotFound = errors.New("formula not found")

	// ErrInvalidFormula is returned when a formula definition is unusable.
	ErrInvalidFormula = errors.New("invalid formula")

	// ErrInvalidRun is returned when a run request is missing required fields.
	ErrInvalidRun = errors.New("invalid production run")

	// ErrRunNotFound is returned when no in-progress run has the batch id.
	ErrRunNotFound = errors.New("production run not found")

	// ErrRunAlreadyFinished is returned when completing a run that already
	// finished. It matches ErrRunNotFound too: a finished run is not an open one.
	ErrRunAlreadyFinished = fmt.Errorf("%w: already finished", ErrRunNotFound)

	// ErrDuplicateBatch is returned when a batch id is already taken.
	ErrDuplicateBatch = errors.New("duplicate batch id")

	// ErrUnknownInput is returned when a primary input is not part of the formula.
	ErrUnknownInput = errors.New("input not part of formula")
)

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the caller's input,
// including ledger errors raised while consuming materials.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidFormula) ||
		errors.Is(err, ErrInvalidRun) ||
		errors.Is(err, ErrUnknownInput) ||
		inventory.IsClientError(err)
}

// IsNotFound returns true if the error indicates a missing formula, run or product.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFormulaNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		inventory.IsNotFound(err)
}

// IsConflict returns true if the error reports a clash with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateBatch) ||
		errors.Is(err, ErrRunAlreadyFinished) ||
		errors.Is(err, inventory.ErrInsufficientStock) ||
		inventory.IsRetryable(err)
}
