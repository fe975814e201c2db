/*
errors.go - Error taxonomy for the reconciliation core

ERROR CATEGORIES:
  ValidationError          malformed or missing input, surfaced verbatim
  NotFoundError            missing row, or soft-deleted where an active row was expected
  ConflictError            duplicate unique key
  InvariantViolationError  mutation of an immutable field or of the audit log (fatal)
  ReferentialGuardError    permanent delete blocked by referencing rows

  An invalid payroll calculation is NOT an error. It is reported as
  payroll.Result{Valid: false, Reason: ...} with a neutral balance.

USAGE:
  Every structured error unwraps to a sentinel, so callers can branch with
  errors.Is and still read the details with errors.As:

    var guard *ledger.ReferentialGuardError
    if errors.As(err, &guard) {
        fmt.Println(guard.Blocking)
    }
*/
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrInvariantViolation     = errors.New("invariant violation")
	ErrReferentialGuard       = errors.New("referenced by other rows")
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError identifies the missing row.
type NotFoundError struct {
	Ref    EntityRef
	Reason string // optional, e.g. "soft-deleted"
}

func (e *NotFoundError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s not found: %s", e.Ref, e.Reason)
	}
	return fmt.Sprintf("%s not found", e.Ref)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports a duplicate unique key.
type ConflictError struct {
	Entity EntityType
	Key    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Entity, e.Key)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvariantViolationError is fatal at the point of occurrence: it is always
// surfaced and never silently corrected.
type InvariantViolationError struct {
	Ref    EntityRef
	Field  string
	Reason string
}

func (e *InvariantViolationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invariant violation on %s.%s: %s", e.Ref, e.Field, e.Reason)
	}
	return fmt.Sprintf("invariant violation on %s: %s", e.Ref, e.Reason)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// Relation names a collection that can reference another row.
type Relation string

const (
	RelationDeliveries        Relation = "deliveries"
	RelationPayments          Relation = "payments"
	RelationAdjustments       Relation = "adjustments"
	RelationAttendance        Relation = "attendance"
	RelationCapitalInjections Relation = "capital_injections"
	RelationWithdrawals       Relation = "withdrawals"
	RelationOpeningBalances   Relation = "opening_balances"
)

// ReferentialGuardError enumerates every relation blocking a permanent delete.
type ReferentialGuardError struct {
	Ref      EntityRef
	Blocking map[Relation]int
}

func (e *ReferentialGuardError) Error() string {
	names := make([]string, 0, len(e.Blocking))
	for rel, n := range e.Blocking {
		names = append(names, fmt.Sprintf("%s (%d)", rel, n))
	}
	sort.Strings(names)
	return fmt.Sprintf("cannot permanently delete %s: referenced by %s", e.Ref, strings.Join(names, ", "))
}

func (e *ReferentialGuardError) Unwrap() error { return ErrReferentialGuard }

// Relations returns the blocking relation names in stable order.
func (e *ReferentialGuardError) Relations() []Relation {
	out := make([]Relation, 0, len(e.Blocking))
	for rel := range e.Blocking {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports errors caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrReferentialGuard)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsFatal reports invariant violations.
func IsFatal(err error) bool { return errors.Is(err, ErrInvariantViolation) }

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool { return errors.Is(err, ErrConcurrentModification) }
