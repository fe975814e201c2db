package delivery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/quarry-ledger/delivery"
	"github.com/warp/quarry-ledger/ledger"
	"github.com/warp/quarry-ledger/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal { return ledger.MustDecimal(s) }

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func seed(t *testing.T) *memory.Memory {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	for _, cp := range []ledger.CounterParty{
		{ID: "cli-1", Kind: ledger.KindClient, Name: "Nile Towers"},
		{ID: "con-1", Kind: ledger.KindContractor, Name: "Fast Haul"},
		{ID: "cru-1", Kind: ledger.KindCrusher, Name: "North Crusher", Prices: []ledger.MaterialPrice{
			{Material: "gravel", Price: dec("20")},
			{Material: "sand", Price: dec("12.5")},
		}},
		{ID: "sup-1", Kind: ledger.KindSupplier, Name: "Delta Sand", Prices: []ledger.MaterialPrice{
			{Material: "sand", Price: dec("15")},
		}},
	} {
		require.NoError(t, store.InsertCounterParty(ctx, cp))
	}
	return store
}

func gravelDraft() delivery.Draft {
	return delivery.Draft{
		ClientID:                 "cli-1",
		CrusherID:                "cru-1",
		ContractorID:             "con-1",
		Material:                 "gravel",
		VoucherNumber:            "V-100",
		CarVolume:                dec("12"),
		DiscountVolume:           dec("2"),
		PricePerMeter:            dec("50"),
		ContractorChargePerMeter: dec("30"),
		DeliveredAt:              time.Date(2024, time.March, 3, 9, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// RECOMPUTE
// =============================================================================

func TestRecompute_DerivedFields(t *testing.T) {
	// GIVEN: 12 m³ with 2 m³ discount, crusher-sourced at a locked 20/m³
	d := ledger.Delivery{
		CrusherID: "cru-1", ContractorID: "con-1",
		CarVolume: dec("12"), DiscountVolume: dec("2"),
		PricePerMeter: dec("50"), MaterialPriceAtTime: dec("20"), ContractorChargePerMeter: dec("30"),
		SupplierTotalCost: dec("999"),
	}

	// WHEN: Recomputing
	require.NoError(t, delivery.Recompute(&d))

	// THEN: Every derived field follows the inputs
	assert.True(t, d.NetQuantity.Equal(dec("10")))
	assert.True(t, d.TotalValue.Equal(dec("500")))
	assert.True(t, d.CrusherTotalCost.Equal(dec("200")))
	assert.True(t, d.SupplierTotalCost.IsZero(), "supplier cost must be zeroed on a crusher delivery")
	assert.True(t, d.ContractorTotalCharge.Equal(dec("300")))
}

func TestRecompute_RoundsQuantityAndMoney(t *testing.T) {
	d := ledger.Delivery{
		SupplierID: "sup-1",
		CarVolume:  dec("10.12345"), DiscountVolume: dec("0.0001"),
		PricePerMeter: dec("33.333"), MaterialPriceAtTime: dec("7.777"),
	}

	require.NoError(t, delivery.Recompute(&d))

	assert.Equal(t, "10.123", d.NetQuantity.StringFixed(3))
	assert.Equal(t, int32(-3), d.NetQuantity.Exponent())
	assert.True(t, d.TotalValue.Equal(dec("337.43")), d.TotalValue.String())
	assert.True(t, d.SupplierTotalCost.Equal(dec("78.73")), d.SupplierTotalCost.String())
	assert.True(t, d.CrusherTotalCost.IsZero())
}

func TestRecompute_RejectsBadInputs(t *testing.T) {
	tests := []struct {
		name  string
		d     ledger.Delivery
		field string
	}{
		{"zero volume", ledger.Delivery{CarVolume: dec("0")}, "car_volume"},
		{"discount exceeds volume", ledger.Delivery{CarVolume: dec("5"), DiscountVolume: dec("6")}, "discount_volume"},
		{"negative rate", ledger.Delivery{CarVolume: dec("5"), PricePerMeter: dec("-1")}, "price_per_meter"},
		{"both sources", ledger.Delivery{CrusherID: "c", SupplierID: "s", CarVolume: dec("5")}, "supplier_id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var vErr *ledger.ValidationError
			require.ErrorAs(t, delivery.Recompute(&tc.d), &vErr)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_LocksPriceFromCrusherList(t *testing.T) {
	// GIVEN: A crusher selling gravel at 20
	store := seed(t)
	svc := delivery.NewService(store, nil)

	// WHEN: Creating a delivery
	d, err := svc.Create(context.Background(), gravelDraft())
	require.NoError(t, err)

	// THEN: The price is captured and costs are derived
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, 1, d.Version)
	assert.True(t, d.MaterialPriceAtTime.Equal(dec("20")))
	assert.True(t, d.CrusherTotalCost.Equal(dec("200")))
	assert.True(t, d.SupplierTotalCost.IsZero())

	stored, err := store.Delivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, d, stored)
}

func TestCreate_SupplierSourcedZeroesCrusherCost(t *testing.T) {
	store := seed(t)
	svc := delivery.NewService(store, nil)
	draft := gravelDraft()
	draft.CrusherID, draft.SupplierID, draft.Material = "", "sup-1", "sand"

	d, err := svc.Create(context.Background(), draft)
	require.NoError(t, err)

	assert.True(t, d.SupplierTotalCost.Equal(dec("150")))
	assert.True(t, d.CrusherTotalCost.IsZero())
}

func TestCreate_Validation(t *testing.T) {
	store := seed(t)
	svc := delivery.NewService(store, nil)
	ctx := context.Background()

	t.Run("client required", func(t *testing.T) {
		draft := gravelDraft()
		draft.ClientID = ""
		_, err := svc.Create(ctx, draft)
		assert.ErrorIs(t, err, ledger.ErrValidation)
	})
	t.Run("crusher xor supplier", func(t *testing.T) {
		draft := gravelDraft()
		draft.SupplierID = "sup-1"
		_, err := svc.Create(ctx, draft)
		assert.ErrorIs(t, err, ledger.ErrValidation)
	})
	t.Run("material not on price list", func(t *testing.T) {
		draft := gravelDraft()
		draft.Material = "marble"
		_, err := svc.Create(ctx, draft)
		var vErr *ledger.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "material", vErr.Field)
	})
	t.Run("client id of another kind", func(t *testing.T) {
		draft := gravelDraft()
		draft.ClientID = "con-1"
		_, err := svc.Create(ctx, draft)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
	t.Run("duplicate voucher", func(t *testing.T) {
		_, err := svc.Create(ctx, gravelDraft())
		require.NoError(t, err)
		_, err = svc.Create(ctx, gravelDraft())
		assert.ErrorIs(t, err, ledger.ErrConflict)
	})
}

// =============================================================================
// UPDATE - Price lock
// =============================================================================

func TestUpdate_KeepsLockedPriceWhenPayloadSuppliesAnother(t *testing.T) {
	// GIVEN: A delivery locked at 20, then the crusher raises gravel to 35
	store := seed(t)
	svc := delivery.NewService(store, nil)
	ctx := context.Background()
	d, err := svc.Create(ctx, gravelDraft())
	require.NoError(t, err)

	// WHEN: Updating volume and sending a different price
	updated, err := svc.Update(ctx, d.ID, delivery.Patch{
		CarVolume:           decp("22"),
		MaterialPriceAtTime: decp("35"),
	})
	require.NoError(t, err)

	// THEN: Price unchanged, costs recomputed from the locked price
	assert.True(t, updated.MaterialPriceAtTime.Equal(dec("20")))
	assert.True(t, updated.NetQuantity.Equal(dec("20")))
	assert.True(t, updated.CrusherTotalCost.Equal(dec("400")))
	assert.True(t, updated.TotalValue.Equal(dec("1000")))
	assert.True(t, updated.SupplierTotalCost.IsZero())
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, d.CreatedAt, updated.CreatedAt)
}

func TestUpdate_StoreRejectsPriceChange(t *testing.T) {
	// GIVEN: A stored delivery
	store := seed(t)
	svc := delivery.NewService(store, nil)
	ctx := context.Background()
	d, err := svc.Create(ctx, gravelDraft())
	require.NoError(t, err)

	// WHEN: Bypassing the service and mutating the price directly
	_, err = store.UpdateDelivery(ctx, d.ID, func(row *ledger.Delivery) error {
		row.MaterialPriceAtTime = dec("1")
		return nil
	})

	// THEN: The store refuses
	var inv *ledger.InvariantViolationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "material_price_at_time", inv.Field)
}

func TestUpdate_VersionMismatchIsRetryable(t *testing.T) {
	store := seed(t)
	svc := delivery.NewService(store, nil)
	ctx := context.Background()
	d, err := svc.Create(ctx, gravelDraft())
	require.NoError(t, err)

	_, err = svc.Update(ctx, d.ID, delivery.Patch{PricePerMeter: decp("55"), ExpectedVersion: 1})
	require.NoError(t, err)
	_, err = svc.Update(ctx, d.ID, delivery.Patch{PricePerMeter: decp("60"), ExpectedVersion: 1})

	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.True(t, ledger.IsRetryable(err))
}

func TestUpdate_SoftDeletedIsNotFound(t *testing.T) {
	store := seed(t)
	svc := delivery.NewService(store, nil)
	ctx := context.Background()
	d, err := svc.Create(ctx, gravelDraft())
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, store.SetDeleted(ctx, d.Ref(), &now))

	_, err = svc.Update(ctx, d.ID, delivery.Patch{CarVolume: decp("5")})

	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestUpdate_ConcurrentUpdatesNeverLosePriceLock(t *testing.T) {
	// GIVEN: One delivery updated from many goroutines
	store := seed(t)
	svc := delivery.NewService(store, nil)
	ctx := context.Background()
	d, err := svc.Create(ctx, gravelDraft())
	require.NoError(t, err)

	// WHEN: Each update sends a bogus price
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Update(ctx, d.ID, delivery.Patch{CarVolume: decp("12"), MaterialPriceAtTime: decp("99")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// THEN: Every write applied, the price never moved
	final, err := store.Delivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 21, final.Version)
	assert.True(t, final.MaterialPriceAtTime.Equal(dec("20")))
	assert.True(t, final.CrusherTotalCost.Equal(dec("200")))
}
