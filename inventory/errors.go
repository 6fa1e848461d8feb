/*
errors.go - Error taxonomy for the stock ledger

ERROR CATEGORIES:
  1. Input errors      - ErrInvalidQuantity
  2. Business rules    - ErrInsufficientStock (negative stock is never allowed)
  3. Reference lookups - ErrProductNotFound
  4. Concurrency       - ErrConcurrentModification (append-if-latest lost)

All errors are reported before anything is appended, or the append itself
fails atomically. Nothing in this package retries: a caller that receives
ErrConcurrentModification re-runs the whole operation from a fresh read.

USAGE:
  if errors.Is(err, inventory.ErrInsufficientStock) {
      var short *inventory.InsufficientStockError
      errors.As(err, &short)
      ...
  }
*/
package inventory

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidQuantity is returned when a quantity that must be positive is not.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrInsufficientStock is returned when an issue would drive stock below zero.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrProductNotFound is returned when a product code is not in the catalog.
	ErrProductNotFound = errors.New("product not found")

	// ErrConcurrentModification is returned when another writer appended to the
	// same key between our read of the latest entry and our append.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientStockError carries the numbers behind a rejected issue.
type InsufficientStockError struct {
	Key       Key
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %s, requested %s, shortfall %s",
		e.Key, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Shortfall is how much more stock the issue would have needed.
func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func invalidQuantity(field string, v decimal.Decimal) error {
	return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidQuantity, field, v)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if re-running the whole operation might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInsufficientStock)
}

// IsNotFound returns true if the error indicates a missing reference.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProductNotFound)
}
