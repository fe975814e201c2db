/*
balance.go - Balance fold per counter-party kind

PURPOSE:
  Computes what the business owes a counter-party, or is owed by it, by
  folding every non-deleted row that references the party. Nothing is
  cached: two concurrent reads each fold committed rows independently.

FORMULA:
  balance = opening + accrued + Σ adjustments − Σ payments

FOLD RULES:
  Kind            opening source      accrued                          balance > 0 means
  client          flat scalar         Σ delivery.total_value           client owes business
  contractor      per-project rows    Σ delivery.contractor_total_charge business owes contractor
  crusher         per-project rows    Σ delivery.crusher_total_cost    business owes crusher
  supplier        per-project rows    Σ delivery.supplier_total_cost   business owes supplier
  administration  flat scalar         Σ injections − Σ withdrawals     business owes partner

  Crushers, contractors and suppliers ignore the legacy flat scalar even
  when it is set. Clients and administration entities ignore per-project
  rows. This mirrors how historical balances were reported; do not unify
  without product sign-off.

SIGN OF ADJUSTMENTS:
  Uniform across kinds: a positive adjustment moves the balance up, i.e.
  more owed to the party (or, for clients, more owed by the client).

SEE ALSO:
  - statement.go: same fold, row by row, with running totals
  - payroll package: employees use an inverted sign convention
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// FOLD RULES
// =============================================================================

// OpeningSource says where a kind's opening balance comes from.
type OpeningSource uint8

const (
	OpeningFlat OpeningSource = iota + 1
	OpeningRows
)

// FoldRule describes how one counter-party kind folds its rows.
type FoldRule struct {
	Opening OpeningSource
	// Delivered extracts the accrued amount of one delivery. Nil when
	// deliveries do not accrue for the kind.
	Delivered func(Delivery) decimal.Decimal
	// Capital makes injections minus withdrawals the accrued amount.
	Capital bool
	// Receivable is true when a positive balance means the party owes the business.
	Receivable bool
}

// foldRules is indexed by Kind. KindEmployee has no entry: payroll owns it.
var foldRules = [numKinds]*FoldRule{
	KindClient: {
		Opening:    OpeningFlat,
		Delivered:  func(d Delivery) decimal.Decimal { return d.TotalValue },
		Receivable: true,
	},
	KindContractor: {
		Opening:   OpeningRows,
		Delivered: func(d Delivery) decimal.Decimal { return d.ContractorTotalCharge },
	},
	KindCrusher: {
		Opening:   OpeningRows,
		Delivered: func(d Delivery) decimal.Decimal { return d.CrusherTotalCost },
	},
	KindSupplier: {
		Opening:   OpeningRows,
		Delivered: func(d Delivery) decimal.Decimal { return d.SupplierTotalCost },
	},
	KindAdministration: {
		Opening: OpeningFlat,
		Capital: true,
	},
}

// RuleFor returns the fold rule of a counter-party kind.
func RuleFor(k Kind) (FoldRule, error) {
	if !k.IsCounterParty() || foldRules[k] == nil {
		return FoldRule{}, &ValidationError{Field: "kind", Message: fmt.Sprintf("no balance fold for %s", k)}
	}
	return *foldRules[k], nil
}

// =============================================================================
// BALANCE
// =============================================================================

// Status summarises the sign of a balance.
type Status string

const (
	StatusReceivable Status = "receivable" // the party owes the business
	StatusPayable    Status = "payable"    // the business owes the party
	StatusSettled    Status = "settled"
)

// Balance is the result of ComputeBalance.
type Balance struct {
	Kind     Kind            `json:"kind"`
	PartyID  string          `json:"party_id"`
	Opening  decimal.Decimal `json:"opening"`
	Accrued  decimal.Decimal `json:"accrued"`
	Paid     decimal.Decimal `json:"paid"`
	Adjusted decimal.Decimal `json:"adjusted"`
	Balance  decimal.Decimal `json:"balance"`
	Status   Status          `json:"status"`
	Label    string          `json:"sign_label"`
}

// Sources are the raw rows a fold consumes.
type Sources struct {
	Deliveries  []Delivery
	Payments    []Payment
	Adjustments []Adjustment
	OpeningRows []OpeningBalanceEntry
	Injections  []CapitalMovement
	Withdrawals []CapitalMovement
}

// Fold applies a rule to a party's rows. Soft-deleted rows are skipped even
// if the caller passes them in.
func Fold(kind Kind, party CounterParty, src Sources) (Balance, error) {
	rule, err := RuleFor(kind)
	if err != nil {
		return Balance{}, err
	}

	b := Balance{
		Kind:     kind,
		PartyID:  party.ID,
		Opening:  decimal.Zero,
		Accrued:  decimal.Zero,
		Paid:     decimal.Zero,
		Adjusted: decimal.Zero,
	}

	switch rule.Opening {
	case OpeningFlat:
		b.Opening = party.OpeningBalance
	case OpeningRows:
		for _, o := range src.OpeningRows {
			if !o.IsDeleted() {
				b.Opening = b.Opening.Add(o.Amount)
			}
		}
	}

	if rule.Delivered != nil {
		for _, d := range src.Deliveries {
			if !d.IsDeleted() {
				b.Accrued = b.Accrued.Add(rule.Delivered(d))
			}
		}
	}
	if rule.Capital {
		for _, c := range src.Injections {
			if !c.IsDeleted() {
				b.Accrued = b.Accrued.Add(c.Amount)
			}
		}
		for _, c := range src.Withdrawals {
			if !c.IsDeleted() {
				b.Accrued = b.Accrued.Sub(c.Amount)
			}
		}
	}

	for _, p := range src.Payments {
		if !p.IsDeleted() {
			b.Paid = b.Paid.Add(p.Amount)
		}
	}
	for _, a := range src.Adjustments {
		if !a.IsDeleted() {
			b.Adjusted = b.Adjusted.Add(a.Amount)
		}
	}

	b.Balance = b.Opening.Add(b.Accrued).Add(b.Adjusted).Sub(b.Paid)
	b.Status, b.Label = describe(kind, rule, b.Balance)
	return b, nil
}

func describe(kind Kind, rule FoldRule, balance decimal.Decimal) (Status, string) {
	party := kind.String()
	if kind == KindAdministration {
		party = "partner"
	}
	switch {
	case balance.IsZero():
		return StatusSettled, "settled"
	case balance.IsPositive() == rule.Receivable:
		return StatusReceivable, party + " owes business"
	default:
		return StatusPayable, "business owes " + party
	}
}

// =============================================================================
// CALCULATOR - Loads rows and folds them
// =============================================================================

// BalanceStore is the read side the calculator needs.
type BalanceStore interface {
	CounterParty(ctx context.Context, id string) (CounterParty, error)
	Deliveries(ctx context.Context, f Filter) ([]Delivery, error)
	Payments(ctx context.Context, f Filter) ([]Payment, error)
	Adjustments(ctx context.Context, f Filter) ([]Adjustment, error)
	OpeningBalances(ctx context.Context, f Filter) ([]OpeningBalanceEntry, error)
	CapitalMovements(ctx context.Context, dir Direction, f Filter) ([]CapitalMovement, error)
}

// Calculator computes counter-party balances.
type Calculator struct {
	Store BalanceStore
}

func NewCalculator(store BalanceStore) *Calculator {
	return &Calculator{Store: store}
}

// ComputeBalance folds every non-deleted row referencing the party.
// A soft-deleted party is reported as not found.
func (c *Calculator) ComputeBalance(ctx context.Context, partyID string, kind Kind) (Balance, error) {
	party, err := c.activeParty(ctx, partyID, kind)
	if err != nil {
		return Balance{}, err
	}
	src, err := c.load(ctx, kind, partyID, DateRange{})
	if err != nil {
		return Balance{}, err
	}
	return Fold(kind, party, src)
}

func (c *Calculator) activeParty(ctx context.Context, partyID string, kind Kind) (CounterParty, error) {
	if _, err := RuleFor(kind); err != nil {
		return CounterParty{}, err
	}
	ref := EntityRef{Type: EntityTypeFor(kind), ID: partyID}
	party, err := c.Store.CounterParty(ctx, partyID)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return CounterParty{}, &NotFoundError{Ref: ref}
		}
		return CounterParty{}, err
	}
	if party.Kind != kind {
		return CounterParty{}, &NotFoundError{Ref: ref, Reason: "registered as " + party.Kind.String()}
	}
	if party.IsDeleted() {
		return CounterParty{}, &NotFoundError{Ref: ref, Reason: "soft-deleted"}
	}
	return party, nil
}

// load fetches only the collections the kind's rule consumes, concurrently.
func (c *Calculator) load(ctx context.Context, kind Kind, partyID string, r DateRange) (Sources, error) {
	rule, err := RuleFor(kind)
	if err != nil {
		return Sources{}, err
	}
	f := Filter{Kind: kind, PartyID: partyID, Range: r}

	var src Sources
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		src.Payments, err = c.Store.Payments(gctx, f)
		return err
	})
	g.Go(func() (err error) {
		src.Adjustments, err = c.Store.Adjustments(gctx, f)
		return err
	})
	if rule.Delivered != nil {
		g.Go(func() (err error) {
			src.Deliveries, err = c.Store.Deliveries(gctx, f)
			return err
		})
	}
	if rule.Opening == OpeningRows {
		g.Go(func() (err error) {
			src.OpeningRows, err = c.Store.OpeningBalances(gctx, f)
			return err
		})
	}
	if rule.Capital {
		g.Go(func() (err error) {
			src.Injections, err = c.Store.CapitalMovements(gctx, DirectionInjection, f)
			return err
		})
		g.Go(func() (err error) {
			src.Withdrawals, err = c.Store.CapitalMovements(gctx, DirectionWithdrawal, f)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Sources{}, fmt.Errorf("load %s/%s: %w", kind, partyID, err)
	}
	return src, nil
}
