/*
Package ledger provides the reconciliation core for counter-party balances.

PURPOSE:
  Money owed between the business and its counter-parties (clients,
  crushers, haulage contractors, suppliers, administration partners and
  employees) is never stored as a single number. It is derived on demand
  by folding the transaction store: deliveries, payments, adjustments,
  capital injections, withdrawals and opening balances.

KEY CONCEPTS IN THIS FILE (types.go):
  - Kind: tagged enum of counter-party kinds
  - Money / Quantity rounding: 2 and 3 decimal places, applied at storage
  - DateRange: inclusive time window used by statements and the recycle bin

DESIGN PRINCIPLES:
  1. Derived, never cached: every read re-folds committed rows
  2. Precision: decimal.Decimal everywhere, rounded only when a row is written
  3. Corrections are new adjustment rows, not edits to history

SEE ALSO:
  - entities.go: Persisted row types
  - balance.go: Fold rules per counter-party kind
  - store.go: Persistence interfaces
*/
package ledger

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// KIND - Counter-party tagged union
// =============================================================================

// Kind identifies which family of counter-party a row belongs to.
// The zero value is invalid so that a missing kind never folds silently.
type Kind uint8

const (
	KindClient Kind = iota + 1
	KindContractor
	KindCrusher
	KindSupplier
	KindAdministration
	KindEmployee

	numKinds = iota + 1
)

var kindNames = [numKinds]string{
	KindClient:         "client",
	KindContractor:     "contractor",
	KindCrusher:        "crusher",
	KindSupplier:       "supplier",
	KindAdministration: "administration",
	KindEmployee:       "employee",
}

// Kinds lists every valid kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindClient, KindContractor, KindCrusher, KindSupplier, KindAdministration, KindEmployee}
}

// CounterPartyKinds lists the kinds folded by the generic balance calculator.
// Employees are handled by the payroll package.
func CounterPartyKinds() []Kind {
	return []Kind{KindClient, KindContractor, KindCrusher, KindSupplier, KindAdministration}
}

func (k Kind) Valid() bool { return k > 0 && int(k) < numKinds }

// IsCounterParty reports whether k is stored in the counter-party collection.
func (k Kind) IsCounterParty() bool { return k.Valid() && k != KindEmployee }

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
	return kindNames[k]
}

// ParseKind converts a stored or transported name back to a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return 0, &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown counter-party kind %q", s)}
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("ledger: invalid kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Value stores the kind by name so the database stays readable.
func (k Kind) Value() (driver.Value, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("ledger: invalid kind %d", uint8(k))
	}
	return k.String(), nil
}

func (k *Kind) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return k.UnmarshalText([]byte(v))
	case []byte:
		return k.UnmarshalText(v)
	default:
		return fmt.Errorf("ledger: cannot scan %T into Kind", src)
	}
}

// =============================================================================
// MONEY AND QUANTITY ROUNDING
// =============================================================================

const (
	MoneyPlaces    int32 = 2
	QuantityPlaces int32 = 3
)

// Money rounds a monetary amount to storage precision.
// Call it when a row is written, never inside a fold.
func Money(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyPlaces) }

// Quantity rounds a volume to storage precision.
func Quantity(d decimal.Decimal) decimal.Decimal { return d.Round(QuantityPlaces) }

// MustDecimal parses s or returns zero. Intended for literals in tests and seeds.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Sum adds values without intermediate rounding.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// =============================================================================
// DATE RANGE
// =============================================================================

// DateRange is an inclusive window. A zero bound is open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

func (r DateRange) IsOpen() bool { return r.From.IsZero() && r.To.IsZero() }

// Validate rejects ranges whose end precedes their start.
func (r DateRange) Validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return &ValidationError{Field: "to", Message: "date range end precedes start"}
	}
	return nil
}
