package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/warp/quarry-ledger/audit"
	"github.com/warp/quarry-ledger/ledger"
)

// RegisterCounterParty validates and stores a client, crusher, contractor,
// supplier or administration entity.
func (e *Engine) RegisterCounterParty(ctx context.Context, actor audit.Actor, cp ledger.CounterParty) (ledger.CounterParty, error) {
	if err := validateCounterParty(&cp); err != nil {
		return ledger.CounterParty{}, err
	}
	cp.ID = orNewID(cp.ID)
	cp.CreatedAt = e.now().UTC()
	cp.DeletedAt = nil
	if err := e.store.InsertCounterParty(ctx, cp); err != nil {
		return ledger.CounterParty{}, err
	}

	e.metrics.mutation(string(ledger.EntityTypeFor(cp.Kind)), string(ledger.AuditCreate))
	if _, err := e.trail.Append(ctx, actor, ledger.AuditCreate, cp.Ref(), nil, cp); err != nil {
		return cp, err
	}
	return cp, nil
}

// RegisterEmployee stores an employee. A zero salary is accepted here;
// payroll then reports the employee as invalid until it is corrected.
func (e *Engine) RegisterEmployee(ctx context.Context, actor audit.Actor, emp ledger.Employee) (ledger.Employee, error) {
	emp.Name = strings.TrimSpace(emp.Name)
	switch {
	case emp.Name == "":
		return ledger.Employee{}, &ledger.ValidationError{Field: "name", Message: "is required"}
	case emp.BasicSalary.IsNegative():
		return ledger.Employee{}, &ledger.ValidationError{Field: "basic_salary", Message: "must not be negative"}
	case emp.EndDate != nil && !emp.StartDate.IsZero() && emp.EndDate.Before(emp.StartDate):
		return ledger.Employee{}, &ledger.ValidationError{Field: "end_date", Message: "is before start_date"}
	}
	switch emp.Status {
	case "":
		emp.Status = ledger.EmploymentActive
	case ledger.EmploymentActive, ledger.EmploymentSuspended, ledger.EmploymentTerminated:
	default:
		return ledger.Employee{}, &ledger.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", emp.Status)}
	}

	now := e.now().UTC()
	emp.ID = orNewID(emp.ID)
	emp.BasicSalary = ledger.Money(emp.BasicSalary)
	emp.StartDate = orNow(emp.StartDate, now)
	if emp.EndDate != nil {
		end := emp.EndDate.UTC()
		emp.EndDate = &end
	}
	emp.CreatedAt = now
	emp.DeletedAt = nil
	if err := e.store.InsertEmployee(ctx, emp); err != nil {
		return ledger.Employee{}, err
	}

	if emp.BasicSalary.IsZero() {
		e.log.WithField("employee_id", emp.ID).Warn("employee registered without a salary")
	}
	e.metrics.mutation(string(ledger.EntityEmployee), string(ledger.AuditCreate))
	if _, err := e.trail.Append(ctx, actor, ledger.AuditCreate, emp.Ref(), nil, emp); err != nil {
		return emp, err
	}
	return emp, nil
}

// CounterParty returns an active counter-party of the given kind.
func (e *Engine) CounterParty(ctx context.Context, id string, kind ledger.Kind) (ledger.CounterParty, error) {
	if err := e.requireParty(ctx, kind, id); err != nil {
		return ledger.CounterParty{}, err
	}
	return e.store.CounterParty(ctx, id)
}

// Employee returns an active employee.
func (e *Engine) Employee(ctx context.Context, id string) (ledger.Employee, error) {
	if err := e.requireParty(ctx, ledger.KindEmployee, id); err != nil {
		return ledger.Employee{}, err
	}
	return e.store.Employee(ctx, id)
}

func validateCounterParty(cp *ledger.CounterParty) error {
	cp.Name = strings.TrimSpace(cp.Name)
	if !cp.Kind.IsCounterParty() {
		return &ledger.ValidationError{Field: "kind", Message: "must be a counter-party kind"}
	}
	if cp.Name == "" {
		return &ledger.ValidationError{Field: "name", Message: "is required"}
	}
	cp.OpeningBalance = ledger.Money(cp.OpeningBalance)

	switch cp.Kind {
	case ledger.KindCrusher, ledger.KindSupplier:
		seen := make(map[string]bool, len(cp.Prices))
		prices := make([]ledger.MaterialPrice, len(cp.Prices))
		for i, p := range cp.Prices {
			field := fmt.Sprintf("prices[%d]", i)
			material := strings.TrimSpace(p.Material)
			switch {
			case material == "":
				return &ledger.ValidationError{Field: field + ".material", Message: "is required"}
			case seen[material]:
				return &ledger.ValidationError{Field: field + ".material", Message: fmt.Sprintf("%q listed twice", material)}
			case p.Price.IsNegative():
				return &ledger.ValidationError{Field: field + ".price", Message: "must not be negative"}
			}
			seen[material] = true
			prices[i] = ledger.MaterialPrice{Material: material, Price: ledger.Money(p.Price)}
		}
		cp.Prices = prices
	default:
		if len(cp.Prices) > 0 {
			return &ledger.ValidationError{Field: "prices", Message: "only crushers and suppliers carry a price list"}
		}
	}

	switch {
	case cp.Kind != ledger.KindAdministration && cp.PartnerType != "":
		return &ledger.ValidationError{Field: "partner_type", Message: "only administration entities have a partner type"}
	case cp.Kind == ledger.KindAdministration && cp.PartnerType == "":
		cp.PartnerType = ledger.PartnerTypePartner
	case cp.Kind == ledger.KindAdministration &&
		cp.PartnerType != ledger.PartnerTypePartner && cp.PartnerType != ledger.PartnerTypeFunder:
		return &ledger.ValidationError{Field: "partner_type", Message: fmt.Sprintf("unknown partner type %q", cp.PartnerType)}
	}
	return nil
}
