package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one statement line. Amount is the signed effect on the balance
// under the kind's convention; Running is the balance after the line.
type Entry struct {
	At          time.Time       `json:"at"`
	Ref         EntityRef       `json:"ref"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Running     decimal.Decimal `json:"running"`
}

// Statement lists a party's rows in a window. BroughtForward folds the flat
// opening balance and every row dated before the window.
type Statement struct {
	Kind           Kind            `json:"kind"`
	PartyID        string          `json:"party_id"`
	Range          DateRange       `json:"-"`
	BroughtForward decimal.Decimal `json:"brought_forward"`
	Entries        []Entry         `json:"entries"`
	Closing        decimal.Decimal `json:"closing"`
}

// ListTransactions builds the statement of a counter-party. With an open
// range, Closing equals ComputeBalance(...).Balance.
func (c *Calculator) ListTransactions(ctx context.Context, partyID string, kind Kind, r DateRange) (Statement, error) {
	if err := r.Validate(); err != nil {
		return Statement{}, err
	}
	party, err := c.activeParty(ctx, partyID, kind)
	if err != nil {
		return Statement{}, err
	}
	rule, _ := RuleFor(kind)
	// Rows before the window feed BroughtForward, so load everything.
	src, err := c.load(ctx, kind, partyID, DateRange{})
	if err != nil {
		return Statement{}, err
	}

	st := Statement{Kind: kind, PartyID: partyID, Range: r, BroughtForward: decimal.Zero}
	if rule.Opening == OpeningFlat {
		st.BroughtForward = party.OpeningBalance
	}

	entries := Entries(kind, src)
	running := st.BroughtForward
	for _, e := range entries {
		if !r.From.IsZero() && e.At.Before(r.From) {
			st.BroughtForward = st.BroughtForward.Add(e.Amount)
			running = st.BroughtForward
			continue
		}
		if !r.To.IsZero() && e.At.After(r.To) {
			continue
		}
		running = running.Add(e.Amount)
		e.Running = running
		st.Entries = append(st.Entries, e)
	}
	st.Closing = running
	return st, nil
}

// Entries turns a party's rows into chronologically ordered statement lines
// without running totals. Soft-deleted rows are skipped.
func Entries(kind Kind, src Sources) []Entry {
	rule, err := RuleFor(kind)
	if err != nil {
		return nil
	}

	var out []Entry
	if rule.Opening == OpeningRows {
		for _, o := range src.OpeningRows {
			if o.IsDeleted() {
				continue
			}
			desc := "opening balance"
			if o.ProjectID != "" {
				desc = fmt.Sprintf("opening balance (project %s)", o.ProjectID)
			}
			out = append(out, Entry{At: o.CreatedAt, Ref: o.Ref(), Description: desc, Amount: o.Amount})
		}
	}
	if rule.Delivered != nil {
		for _, d := range src.Deliveries {
			if d.IsDeleted() {
				continue
			}
			out = append(out, Entry{
				At:          d.DeliveredAt,
				Ref:         d.Ref(),
				Description: fmt.Sprintf("delivery %s %s m³", d.Material, d.NetQuantity.StringFixed(QuantityPlaces)),
				Amount:      rule.Delivered(d),
			})
		}
	}
	if rule.Capital {
		for _, m := range src.Injections {
			if !m.IsDeleted() {
				out = append(out, Entry{At: m.At, Ref: m.Ref(), Description: "capital injection", Amount: m.Amount})
			}
		}
		for _, m := range src.Withdrawals {
			if !m.IsDeleted() {
				out = append(out, Entry{At: m.At, Ref: m.Ref(), Description: "withdrawal", Amount: m.Amount.Neg()})
			}
		}
	}
	for _, p := range src.Payments {
		if !p.IsDeleted() {
			out = append(out, Entry{At: p.PaidAt, Ref: p.Ref(), Description: "payment (" + string(p.Method) + ")", Amount: p.Amount.Neg()})
		}
	}
	for _, a := range src.Adjustments {
		if !a.IsDeleted() {
			out = append(out, Entry{At: a.CreatedAt, Ref: a.Ref(), Description: "adjustment: " + a.Reason, Amount: a.Amount})
		}
	}

	SortEntries(out)
	return out
}

// SortEntries orders lines by time, then by reference for a stable result.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].At.Equal(entries[j].At) {
			return entries[i].At.Before(entries[j].At)
		}
		return entries[i].Ref.String() < entries[j].Ref.String()
	})
}
