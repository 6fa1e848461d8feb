/*
Package production turns formulas into ledger movements.

PURPOSE:
  A production run consumes raw materials (primary inputs chosen by the
  operator plus additives scaled from the formula) and produces an output
  product whose unit cost is the realized cost of what was consumed.

KEY CONCEPTS IN THIS FILE (formula.go):
  - Formula: the recipe (output, yield, derived-unit factor, additive rates)
  - Kind: intermediate (finished in the same call) or finished goods
    (two-phase: start now, complete with the measured output later)
  - AdditiveRequirements: the pure scaling rule used by both preview and
    the real run

POST QUANTITY:
  Every run is sized by one number, the post-processing quantity. Output
  (for intermediates) is post * yield; each additive is rate * post.

SEE ALSO:
  - run.go: Run, RunStore
  - workflow.go: StartRun, CompleteRun
*/
package production

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind selects how a formula's output is produced.
type Kind string

const (
	// KindIntermediate outputs post*yield in the same call that consumes
	// the materials.
	KindIntermediate Kind = "intermediate"

	// KindFinished leaves the run in progress until the realized output is
	// measured and CompleteRun is called.
	KindFinished Kind = "finished"
)

func (k Kind) Valid() bool { return k == KindIntermediate || k == KindFinished }

// Additive is a material consumed at a fixed rate per unit of post quantity.
type Additive struct {
	Product     string
	RatePerPost decimal.Decimal
}

// Formula is a production recipe.
type Formula struct {
	Code          string
	Name          string
	Kind          Kind
	OutputProduct string
	OutputUOM     string

	YieldFactor           decimal.Decimal // output per post unit; zero means 1
	DerivedUnitsPerOutput decimal.Decimal

	PrimaryInputs []string // product codes the operator may consume
	Additives     []Additive
	Note          string
}

// Yield returns the yield factor, defaulting to 1 when unset.
func (f Formula) Yield() decimal.Decimal {
	if f.YieldFactor.IsZero() {
		return decimal.NewFromInt(1)
	}
	return f.YieldFactor
}

// AcceptsInput reports whether code may be used as a primary input.
// A formula that lists no primary inputs accepts any.
func (f Formula) AcceptsInput(code string) bool {
	_, ok := f.CanonicalInput(code)
	return ok
}

// CanonicalInput returns the formula's own spelling of a primary input code.
// Matching ignores case and surrounding space. A formula that lists no
// primary inputs accepts any code, upper-cased.
func (f Formula) CanonicalInput(code string) (string, bool) {
	code = strings.TrimSpace(code)
	if len(f.PrimaryInputs) == 0 {
		return strings.ToUpper(code), code != ""
	}
	for _, c := range f.PrimaryInputs {
		if strings.EqualFold(strings.TrimSpace(c), code) {
			return strings.TrimSpace(c), true
		}
	}
	return "", false
}

// Validate checks the formula can be run.
func (f Formula) Validate() error {
	if strings.TrimSpace(f.Code) == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidFormula)
	}
	if !f.Kind.Valid() {
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidFormula, f.Code, f.Kind)
	}
	if strings.TrimSpace(f.OutputProduct) == "" {
		return fmt.Errorf("%w: %s: output product is required", ErrInvalidFormula, f.Code)
	}
	if f.YieldFactor.IsNegative() {
		return fmt.Errorf("%w: %s: yield factor must not be negative", ErrInvalidFormula, f.Code)
	}
	if f.DerivedUnitsPerOutput.IsNegative() {
		return fmt.Errorf("%w: %s: derived units per output must not be negative", ErrInvalidFormula, f.Code)
	}
	for _, a := range f.Additives {
		if a.RatePerPost.IsNegative() {
			return fmt.Errorf("%w: %s: additive %s has a negative rate", ErrInvalidFormula, f.Code, a.Product)
		}
	}
	return nil
}

// AdditiveRequirements returns rate*postQty for every additive, keyed by
// upper-cased product code. Additives with a blank code are skipped; a code
// listed twice keeps the last rate.
func AdditiveRequirements(f Formula, postQty decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(f.Additives))
	for _, a := range f.Additives {
		code := strings.ToUpper(strings.TrimSpace(a.Product))
		if code == "" {
			continue
		}
		out[code] = a.RatePerPost.Mul(postQty)
	}
	return out
}
