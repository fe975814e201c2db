/*
Package audit records who changed what and coordinates the recycle bin.

TRAIL:
  Every create, update, delete, restore and permanent delete produces one
  ledger.AuditEntry with JSON snapshots of the row before and after (null
  where it does not apply, e.g. no "before" on create). Refused attempts
  are recorded with action "blocked" and a reason.

  Entries are write-once. The Trail only appends; stores reject any update
  or delete of an entry with ledger.InvariantViolationError.

BIN:
  SoftDelete stamps deleted_at, Restore clears it, PermanentDelete purges a
  row once nothing references it. Each step is audited.

ORDERING:
  The row is mutated first and the entry appended second. If the append
  fails the error is logged and returned, and the mutation stands.
*/
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/quarry-ledger/ledger"
)

// Actor is whoever triggered a mutation.
type Actor struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// System is used when no human actor is known (CLI, migrations).
var System = Actor{ID: "system", Role: "system"}

func (a Actor) orSystem() Actor {
	if a.ID == "" {
		a.ID = System.ID
		if a.Role == "" {
			a.Role = System.Role
		}
	}
	return a
}

var validActions = map[ledger.AuditAction]bool{
	ledger.AuditCreate:          true,
	ledger.AuditUpdate:          true,
	ledger.AuditDelete:          true,
	ledger.AuditRestore:         true,
	ledger.AuditPermanentDelete: true,
	ledger.AuditBlocked:         true,
}

// ParseAction validates a transported action name.
func ParseAction(s string) (ledger.AuditAction, error) {
	a := ledger.AuditAction(s)
	if !validActions[a] {
		return "", &ledger.ValidationError{Field: "action", Message: fmt.Sprintf("unknown audit action %q", s)}
	}
	return a, nil
}

// =============================================================================
// TRAIL
// =============================================================================

// Trail appends audit entries.
type Trail struct {
	store ledger.AuditStore
	log   logrus.FieldLogger
	now   func() time.Time
	newID func() string
}

func NewTrail(store ledger.AuditStore, log logrus.FieldLogger) *Trail {
	return &Trail{store: store, log: orDiscard(log), now: time.Now, newID: uuid.NewString}
}

// Append writes one entry. before and after are marshalled to JSON; nil
// stays null.
func (t *Trail) Append(ctx context.Context, actor Actor, action ledger.AuditAction, ref ledger.EntityRef, before, after any) (ledger.AuditEntry, error) {
	return t.append(ctx, actor, action, ref, before, after, "")
}

// UnsavedID is the entity id of a blocked create whose payload carried no id.
const UnsavedID = "new"

// Blocked records a refused attempt. The attempted action is kept in
// new_values so the log can be filtered on it. A refused create may not
// have an id yet; it is logged under UnsavedID.
func (t *Trail) Blocked(ctx context.Context, actor Actor, attempted ledger.AuditAction, ref ledger.EntityRef, reason string) (ledger.AuditEntry, error) {
	if ref.ID == "" {
		ref.ID = UnsavedID
	}
	return t.append(ctx, actor, ledger.AuditBlocked, ref, nil, map[string]string{"attempted": string(attempted)}, reason)
}

// Query returns matching entries, newest first.
func (t *Trail) Query(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	if err := f.Range.Validate(); err != nil {
		return nil, err
	}
	return t.store.AuditEntries(ctx, f)
}

func (t *Trail) append(ctx context.Context, actor Actor, action ledger.AuditAction, ref ledger.EntityRef, before, after any, reason string) (ledger.AuditEntry, error) {
	if !validActions[action] {
		return ledger.AuditEntry{}, &ledger.ValidationError{Field: "action", Message: fmt.Sprintf("unknown audit action %q", action)}
	}
	if _, err := ledger.ParseEntityType(string(ref.Type)); err != nil {
		return ledger.AuditEntry{}, err
	}
	if ref.ID == "" {
		return ledger.AuditEntry{}, &ledger.ValidationError{Field: "entity_id", Message: "is required"}
	}
	oldValues, err := snapshot(before)
	if err != nil {
		return ledger.AuditEntry{}, err
	}
	newValues, err := snapshot(after)
	if err != nil {
		return ledger.AuditEntry{}, err
	}

	actor = actor.orSystem()
	e := ledger.AuditEntry{
		ID:         t.newID(),
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: ref.Type,
		EntityID:   ref.ID,
		OldValues:  oldValues,
		NewValues:  newValues,
		Reason:     reason,
		IP:         actor.IP,
		UserAgent:  actor.UserAgent,
		CreatedAt:  t.now().UTC(),
	}
	if err := t.store.AppendAudit(ctx, e); err != nil {
		t.log.WithError(err).WithFields(logrus.Fields{
			"action": action,
			"entity": ref.String(),
			"actor":  actor.ID,
		}).Error("audit append failed")
		return ledger.AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	return e, nil
}

func snapshot(v any) (json.RawMessage, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(s) == 0 {
			return nil, nil
		}
		if !json.Valid(s) {
			return nil, &ledger.ValidationError{Field: "values", Message: "snapshot is not valid JSON"}
		}
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return b, nil
}

func orDiscard(log logrus.FieldLogger) logrus.FieldLogger {
	if log != nil {
		return log
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
