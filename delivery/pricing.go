/*
Package delivery records truck deliveries and enforces the historical
price lock.

PRICE LOCK:
  MaterialPriceAtTime is resolved once, at creation, from the current price
  list of the crusher or supplier the material came from. Every later write
  re-applies the stored price; an incoming price is discarded. Both the
  memory and SQLite stores reject a write that changes it.

RECOMPUTE ON WRITE:
  Derived fields are cached in the row and recomputed on every save:

    net_quantity            = car_volume − discount_volume        (3 dp)
    total_value             = net_quantity × price_per_meter      (2 dp)
    crusher_total_cost      = net_quantity × material_price_at_time  (crusher-sourced only)
    supplier_total_cost     = net_quantity × material_price_at_time  (supplier-sourced only)
    contractor_total_charge = net_quantity × contractor_charge_per_meter

  Crusher and supplier cost are mutually exclusive: the other one is zeroed.
*/
package delivery

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/quarry-ledger/ledger"
)

// ResolvePrice looks up the current price of a material on a crusher or
// supplier price list.
func ResolvePrice(source ledger.CounterParty, material string) (decimal.Decimal, error) {
	if source.Kind != ledger.KindCrusher && source.Kind != ledger.KindSupplier {
		return decimal.Zero, &ledger.ValidationError{
			Field:   "source",
			Message: fmt.Sprintf("%s %s does not sell material", source.Kind, source.ID),
		}
	}
	price, ok := source.PriceFor(material)
	if !ok {
		return decimal.Zero, &ledger.ValidationError{
			Field:   "material",
			Message: fmt.Sprintf("%q is not on the price list of %s %s", material, source.Kind, source.ID),
		}
	}
	return price, nil
}

// Recompute validates the mutable inputs of d and refreshes every derived
// field from them and the locked price.
func Recompute(d *ledger.Delivery) error {
	if d.CrusherID != "" && d.SupplierID != "" {
		return &ledger.ValidationError{Field: "supplier_id", Message: "a delivery is sourced from a crusher or a supplier, not both"}
	}
	if !d.CarVolume.IsPositive() {
		return &ledger.ValidationError{Field: "car_volume", Message: "must be positive"}
	}
	for field, v := range map[string]decimal.Decimal{
		"discount_volume":             d.DiscountVolume,
		"price_per_meter":             d.PricePerMeter,
		"contractor_charge_per_meter": d.ContractorChargePerMeter,
		"material_price_at_time":      d.MaterialPriceAtTime,
	} {
		if v.IsNegative() {
			return &ledger.ValidationError{Field: field, Message: "must not be negative"}
		}
	}
	if d.DiscountVolume.GreaterThan(d.CarVolume) {
		return &ledger.ValidationError{Field: "discount_volume", Message: "exceeds car_volume"}
	}

	d.CarVolume = ledger.Quantity(d.CarVolume)
	d.DiscountVolume = ledger.Quantity(d.DiscountVolume)
	d.NetQuantity = ledger.Quantity(d.CarVolume.Sub(d.DiscountVolume))
	d.TotalValue = ledger.Money(d.NetQuantity.Mul(d.PricePerMeter))

	cost := ledger.Money(d.NetQuantity.Mul(d.MaterialPriceAtTime))
	d.CrusherTotalCost, d.SupplierTotalCost = decimal.Zero, decimal.Zero
	switch {
	case d.CrusherID != "":
		d.CrusherTotalCost = cost
	case d.SupplierID != "":
		d.SupplierTotalCost = cost
	}

	d.ContractorTotalCharge = decimal.Zero
	if d.ContractorID != "" {
		d.ContractorTotalCharge = ledger.Money(d.NetQuantity.Mul(d.ContractorChargePerMeter))
	}
	return nil
}
