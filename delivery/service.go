package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/quarry-ledger/ledger"
)

// Draft is a delivery as submitted for creation. The material price is not
// part of it: the service resolves it from the source's price list.
type Draft struct {
	ID                       string
	ClientID                 string
	CrusherID                string
	SupplierID               string
	ContractorID             string
	Material                 string
	VoucherNumber            string
	CarVolume                decimal.Decimal
	DiscountVolume           decimal.Decimal
	PricePerMeter            decimal.Decimal
	ContractorChargePerMeter decimal.Decimal
	DeliveredAt              time.Time
}

// Patch lists the fields an update may change. Nil fields are kept.
// The crusher, supplier, client and material are fixed at creation.
type Patch struct {
	ContractorID             *string
	VoucherNumber            *string
	CarVolume                *decimal.Decimal
	DiscountVolume           *decimal.Decimal
	PricePerMeter            *decimal.Decimal
	ContractorChargePerMeter *decimal.Decimal
	DeliveredAt              *time.Time

	// MaterialPriceAtTime is accepted so callers can round-trip a full row,
	// but it is always discarded.
	MaterialPriceAtTime *decimal.Decimal

	// ExpectedVersion, when non-zero, must match the stored row.
	ExpectedVersion int
}

// Store is the slice of ledger.Store deliveries need.
type Store interface {
	CounterParty(ctx context.Context, id string) (ledger.CounterParty, error)
	InsertDelivery(ctx context.Context, d ledger.Delivery) error
	UpdateDelivery(ctx context.Context, id string, mutate func(*ledger.Delivery) error) (ledger.Delivery, error)
}

// Service creates and updates deliveries under the price lock.
type Service struct {
	store Store
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewService(store Store, log logrus.FieldLogger) *Service {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Service{store: store, log: log, now: time.Now}
}

// =============================================================================
// CREATE
// =============================================================================

// Create resolves the locked price, computes derived fields and stores the row.
func (s *Service) Create(ctx context.Context, in Draft) (ledger.Delivery, error) {
	if in.ClientID == "" {
		return ledger.Delivery{}, &ledger.ValidationError{Field: "client_id", Message: "is required"}
	}
	if in.Material == "" {
		return ledger.Delivery{}, &ledger.ValidationError{Field: "material", Message: "is required"}
	}
	if in.CrusherID != "" && in.SupplierID != "" {
		return ledger.Delivery{}, &ledger.ValidationError{Field: "supplier_id", Message: "a delivery is sourced from a crusher or a supplier, not both"}
	}
	if _, err := s.party(ctx, in.ClientID, ledger.KindClient); err != nil {
		return ledger.Delivery{}, err
	}
	if in.ContractorID != "" {
		if _, err := s.party(ctx, in.ContractorID, ledger.KindContractor); err != nil {
			return ledger.Delivery{}, err
		}
	}

	price := decimal.Zero
	if sourceID, kind := source(in); sourceID != "" {
		src, err := s.party(ctx, sourceID, kind)
		if err != nil {
			return ledger.Delivery{}, err
		}
		if price, err = ResolvePrice(src, in.Material); err != nil {
			return ledger.Delivery{}, err
		}
	}

	now := s.now().UTC()
	d := ledger.Delivery{
		ID:                       in.ID,
		ClientID:                 in.ClientID,
		CrusherID:                in.CrusherID,
		SupplierID:               in.SupplierID,
		ContractorID:             in.ContractorID,
		Material:                 in.Material,
		VoucherNumber:            in.VoucherNumber,
		CarVolume:                in.CarVolume,
		DiscountVolume:           in.DiscountVolume,
		PricePerMeter:            in.PricePerMeter,
		MaterialPriceAtTime:      price,
		ContractorChargePerMeter: in.ContractorChargePerMeter,
		DeliveredAt:              in.DeliveredAt.UTC(),
		Version:                  1,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = now
	}
	if err := Recompute(&d); err != nil {
		return ledger.Delivery{}, err
	}
	if err := s.store.InsertDelivery(ctx, d); err != nil {
		return ledger.Delivery{}, fmt.Errorf("insert delivery: %w", err)
	}
	return d, nil
}

func source(in Draft) (string, ledger.Kind) {
	if in.CrusherID != "" {
		return in.CrusherID, ledger.KindCrusher
	}
	return in.SupplierID, ledger.KindSupplier
}

func (s *Service) party(ctx context.Context, id string, kind ledger.Kind) (ledger.CounterParty, error) {
	ref := ledger.EntityRef{Type: ledger.EntityTypeFor(kind), ID: id}
	cp, err := s.store.CounterParty(ctx, id)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return ledger.CounterParty{}, &ledger.NotFoundError{Ref: ref}
	case err != nil:
		return ledger.CounterParty{}, err
	case cp.Kind != kind:
		return ledger.CounterParty{}, &ledger.NotFoundError{Ref: ref, Reason: "registered as " + cp.Kind.String()}
	case cp.IsDeleted():
		return ledger.CounterParty{}, &ledger.NotFoundError{Ref: ref, Reason: "soft-deleted"}
	}
	return cp, nil
}

// =============================================================================
// UPDATE
// =============================================================================

// Update applies a patch as one atomic read-modify-write on the stored row.
// The stored MaterialPriceAtTime is re-applied whatever the patch says, and
// the derived fields are recomputed from it.
func (s *Service) Update(ctx context.Context, id string, p Patch) (ledger.Delivery, error) {
	if p.ContractorID != nil && *p.ContractorID != "" {
		if _, err := s.party(ctx, *p.ContractorID, ledger.KindContractor); err != nil {
			return ledger.Delivery{}, err
		}
	}

	updated, err := s.store.UpdateDelivery(ctx, id, func(d *ledger.Delivery) error {
		if d.IsDeleted() {
			return &ledger.NotFoundError{Ref: d.Ref(), Reason: "soft-deleted"}
		}
		if p.ExpectedVersion != 0 && p.ExpectedVersion != d.Version {
			return fmt.Errorf("delivery %s at version %d, expected %d: %w",
				d.ID, d.Version, p.ExpectedVersion, ledger.ErrConcurrentModification)
		}
		locked := d.MaterialPriceAtTime
		if p.MaterialPriceAtTime != nil && !p.MaterialPriceAtTime.Equal(locked) {
			s.log.WithFields(logrus.Fields{
				"delivery_id":  d.ID,
				"locked_price": locked.String(),
				"discarded":    p.MaterialPriceAtTime.String(),
			}).Info("discarding material price override on delivery update")
		}

		apply(d, p)
		d.MaterialPriceAtTime = locked
		d.UpdatedAt = s.now().UTC()
		return Recompute(d)
	})
	if err != nil {
		return ledger.Delivery{}, err
	}
	return updated, nil
}

func apply(d *ledger.Delivery, p Patch) {
	if p.ContractorID != nil {
		d.ContractorID = *p.ContractorID
	}
	if p.VoucherNumber != nil {
		d.VoucherNumber = *p.VoucherNumber
	}
	if p.CarVolume != nil {
		d.CarVolume = *p.CarVolume
	}
	if p.DiscountVolume != nil {
		d.DiscountVolume = *p.DiscountVolume
	}
	if p.PricePerMeter != nil {
		d.PricePerMeter = *p.PricePerMeter
	}
	if p.ContractorChargePerMeter != nil {
		d.ContractorChargePerMeter = *p.ContractorChargePerMeter
	}
	if p.DeliveredAt != nil {
		d.DeliveredAt = p.DeliveredAt.UTC()
	}
}
