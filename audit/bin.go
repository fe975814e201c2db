package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/quarry-ledger/ledger"
)

// Bin coordinates soft delete, restore and permanent delete.
type Bin struct {
	store ledger.RecycleStore
	trail *Trail
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewBin(store ledger.RecycleStore, trail *Trail, log logrus.FieldLogger) *Bin {
	return &Bin{store: store, trail: trail, log: orDiscard(log), now: time.Now}
}

func immutable(ref ledger.EntityRef) error {
	return &ledger.InvariantViolationError{Ref: ref, Reason: "audit log entries are immutable"}
}

// SoftDelete hides a row from folds and listings. It stays addressable
// by id for Restore.
func (b *Bin) SoftDelete(ctx context.Context, actor Actor, ref ledger.EntityRef) (ledger.Record, error) {
	if ref.Type == ledger.EntityAuditLog {
		return nil, immutable(ref)
	}
	before, err := b.store.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if before.IsDeleted() {
		return nil, &ledger.ConflictError{Entity: ref.Type, Key: ref.ID + " is already in the recycle bin"}
	}

	at := b.now().UTC()
	if err := b.store.SetDeleted(ctx, ref, &at); err != nil {
		return nil, err
	}
	after, err := b.store.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if _, err := b.trail.Append(ctx, actor, ledger.AuditDelete, ref, before, after); err != nil {
		return after, err
	}
	return after, nil
}

// Restore clears the deletion flag. The audit entry keeps the pre-restore
// snapshot as old_values.
func (b *Bin) Restore(ctx context.Context, actor Actor, ref ledger.EntityRef) (ledger.Record, error) {
	if ref.Type == ledger.EntityAuditLog {
		return nil, immutable(ref)
	}
	before, err := b.store.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !before.IsDeleted() {
		return nil, &ledger.NotFoundError{Ref: ref, Reason: "not in recycle bin"}
	}

	if err := b.store.SetDeleted(ctx, ref, nil); err != nil {
		return nil, err
	}
	after, err := b.store.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if _, err := b.trail.Append(ctx, actor, ledger.AuditRestore, ref, before, after); err != nil {
		return after, err
	}
	return after, nil
}

// PermanentDelete purges a row. It fails with ReferentialGuardError, and
// records a blocked attempt, while any row (deleted or not) references it.
func (b *Bin) PermanentDelete(ctx context.Context, actor Actor, ref ledger.EntityRef) error {
	if ref.Type == ledger.EntityAuditLog {
		return immutable(ref)
	}
	before, err := b.store.Lookup(ctx, ref)
	if err != nil {
		return err
	}

	counts, err := b.store.References(ctx, ref)
	if err != nil {
		return err
	}
	blocking := make(map[ledger.Relation]int)
	for rel, n := range counts {
		if n > 0 {
			blocking[rel] = n
		}
	}
	if len(blocking) > 0 {
		guard := &ledger.ReferentialGuardError{Ref: ref, Blocking: blocking}
		b.log.WithFields(logrus.Fields{
			"entity":   ref.String(),
			"actor":    actor.orSystem().ID,
			"blocking": guard.Relations(),
		}).Warn("permanent delete blocked")
		if _, err := b.trail.Blocked(ctx, actor, ledger.AuditPermanentDelete, ref, guard.Error()); err != nil {
			return err
		}
		return guard
	}

	if err := b.store.Purge(ctx, ref); err != nil {
		return err
	}
	_, err = b.trail.Append(ctx, actor, ledger.AuditPermanentDelete, ref, before, nil)
	return err
}

// ListDeleted lists the recycle bin for one entity type, filtered on the
// deletion timestamp.
func (b *Bin) ListDeleted(ctx context.Context, t ledger.EntityType, r ledger.DateRange) ([]ledger.Record, error) {
	if _, err := ledger.ParseEntityType(string(t)); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return b.store.ListDeleted(ctx, t, r)
}
