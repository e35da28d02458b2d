/*
Package generic provides the domain-agnostic core shared by every engine.

PURPOSE:
  The fee, timetable and promotion engines all follow one pattern:
  read documents, compute in memory, write documents, all inside one
  transaction of an external document store. This package defines that
  store contract, the error taxonomy, the append-only ledger entry and
  the small value types the engines share.

KEY CONCEPTS IN THIS FILE (types.go):
  - Scope: the explicit tenant context threaded through every call
  - Money helpers on top of decimal.Decimal

DESIGN PRINCIPLES:
  1. Explicit scope: no engine reads a "current branch" from globals
  2. Precision: money is decimal.Decimal, never float64
  3. Copy-on-write: values read from the store are never mutated in place

SEE ALSO:
  - store.go: DocStore / Tx contract
  - errors.go: error taxonomy
  - ledger.go: append-only ledger entries
*/
package generic

import (
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCOPE - Already-authorized caller context
// =============================================================================

// Scope identifies who is calling and which tenant the call is bound to.
// The authorization gate builds it; engines only read it.
type Scope struct {
	UID      string
	SchoolID string
	BranchID string
}

// Validate reports a missing tenant binding.
func (s Scope) Validate() error {
	if s.SchoolID == "" {
		return NewValidationError("schoolId", "school scope is required")
	}
	if s.BranchID == "" {
		return NewValidationError("branchId", "branch scope is required")
	}
	return nil
}

// =============================================================================
// MONEY
// =============================================================================

// MustParseDecimal parses s, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Sum adds up amounts.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// ClampZero floors negative amounts at zero.
func ClampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// DocID joins key parts into a document id ("stu-1", "2024-25" -> "stu-1_2024-25").
func DocID(parts ...string) string {
	return strings.Join(parts, "_")
}
