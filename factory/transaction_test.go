package factory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/quarry-ledger/ledger"
)

func requireValidation(t *testing.T, err error, field string) {
	t.Helper()
	var ve *ledger.ValidationError
	require.True(t, errors.As(err, &ve), "want ValidationError, got %v", err)
	assert.Equal(t, field, ve.Field)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("capital_injection")
	require.NoError(t, err)
	assert.Equal(t, KindCapitalInjection, k)
	assert.Equal(t, ledger.EntityCapitalInjection, k.EntityType())
	assert.False(t, k.Updatable())
	assert.True(t, KindDelivery.Updatable())

	_, err = ParseKind("refund")
	requireValidation(t, err, "kind")
}

func TestParseTransaction_Delivery(t *testing.T) {
	// GIVEN: a delivery payload that also carries a price
	payload := []byte(`{
		"client_id": "cli-1",
		"crusher_id": "cru-1",
		"material": "sand",
		"car_volume": 20,
		"discount_volume": "2.5",
		"price_per_meter": "30",
		"material_price_at_time": 99,
		"delivered_at": "2024-03-05"
	}`)

	// WHEN: it is parsed
	tx, err := New().ParseTransaction(KindDelivery, payload)
	require.NoError(t, err)

	// THEN: the draft carries the volumes and no price
	require.NotNil(t, tx.Delivery)
	assert.Equal(t, "cru-1", tx.Delivery.CrusherID)
	assert.True(t, ledger.MustDecimal("2.5").Equal(tx.Delivery.DiscountVolume))
	assert.Equal(t, time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC), tx.Delivery.DeliveredAt)
	assert.Nil(t, tx.Payment)
}

func TestParseTransaction_Rejects(t *testing.T) {
	f := New()
	tests := []struct {
		name    string
		kind    Kind
		payload string
		field   string
	}{
		{"delivery without client", KindDelivery, `{"material":"sand","car_volume":1}`, "client_id"},
		{"delivery from both sources", KindDelivery, `{"client_id":"c","crusher_id":"a","supplier_id":"b","material":"sand","car_volume":1}`, "crusher_id"},
		{"delivery with zero volume", KindDelivery, `{"client_id":"c","material":"sand","car_volume":0}`, "car_volume"},
		{"delivery with negative rate", KindDelivery, `{"client_id":"c","material":"sand","car_volume":1,"price_per_meter":-1}`, "price_per_meter"},
		{"payment with unknown kind", KindPayment, `{"kind":"bank","party_id":"p","amount":1}`, "kind"},
		{"payment without amount", KindPayment, `{"kind":"client","party_id":"p"}`, "amount"},
		{"payment with negative amount", KindPayment, `{"kind":"client","party_id":"p","amount":"-5"}`, "amount"},
		{"payment with unknown method", KindPayment, `{"kind":"client","party_id":"p","amount":5,"method":"crypto"}`, "method"},
		{"adjustment of zero", KindAdjustment, `{"kind":"client","party_id":"p","amount":0,"reason":"x"}`, "amount"},
		{"adjustment without reason", KindAdjustment, `{"kind":"client","party_id":"p","amount":5}`, "reason"},
		{"adjustment of administration", KindAdjustment, `{"kind":"administration","party_id":"p","amount":5,"reason":"x"}`, "kind"},
		{"attendance without end", KindAttendance, `{"employee_id":"e","period_start":"2024-03-01","attendance_days":3}`, "period_end"},
		{"attendance with negative days", KindAttendance, `{"employee_id":"e","period_start":"2024-03-01","period_end":"2024-03-30","absence_days":-1}`, "absence_days"},
		{"injection without project", KindCapitalInjection, `{"administration_id":"a","amount":100}`, "project_id"},
		{"positive opening without project", KindOpeningBalance, `{"kind":"supplier","party_id":"s","amount":100}`, "project_id"},
		{"opening for employee", KindOpeningBalance, `{"kind":"employee","party_id":"e","amount":-5}`, "kind"},
		{"opening row for client", KindOpeningBalance, `{"kind":"client","party_id":"c","project_id":"p","amount":50}`, "kind"},
		{"opening row for administration", KindOpeningBalance, `{"kind":"administration","party_id":"a","amount":-50}`, "kind"},
		{"payment rounding to zero", KindPayment, `{"kind":"client","party_id":"p","amount":"0.001"}`, "amount"},
		{"adjustment rounding to zero", KindAdjustment, `{"kind":"client","party_id":"p","amount":"-0.004","reason":"x"}`, "amount"},
		{"injection rounding to zero", KindCapitalInjection, `{"administration_id":"a","project_id":"p","amount":"0.002"}`, "amount"},
		{"unknown field", KindPayment, `{"kind":"client","party_id":"p","amount":5,"amout":6}`, ""},
		{"unknown kind", Kind("refund"), `{}`, "kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseTransaction(tt.kind, []byte(tt.payload))
			requireValidation(t, err, tt.field)
		})
	}
}

func TestParseTransaction_Defaults(t *testing.T) {
	f := New()

	t.Run("payment method defaults to cash and amount is rounded", func(t *testing.T) {
		tx, err := f.ParseTransaction(KindPayment, []byte(`{"kind":"crusher","party_id":"cru-1","amount":"10.005"}`))
		require.NoError(t, err)
		assert.Equal(t, ledger.MethodCash, tx.Payment.Method)
		assert.Equal(t, ledger.KindCrusher, tx.Payment.Kind)
		assert.Equal(t, "10.01", tx.Payment.Amount.StringFixed(2))
	})

	t.Run("withdrawal direction follows kind", func(t *testing.T) {
		tx, err := f.ParseTransaction(KindWithdrawal, []byte(`{"administration_id":"adm-1","project_id":"cli-1","amount":50,"at":"2024-03-01T12:00:00+02:00"}`))
		require.NoError(t, err)
		assert.Equal(t, ledger.DirectionWithdrawal, tx.Capital.Direction)
		assert.Equal(t, time.UTC, tx.Capital.At.Location())
		assert.Equal(t, 10, tx.Capital.At.Hour())
	})

	t.Run("negative opening needs no project", func(t *testing.T) {
		tx, err := f.ParseTransaction(KindOpeningBalance, []byte(`{"kind":"contractor","party_id":"con-1","amount":"-75"}`))
		require.NoError(t, err)
		assert.True(t, ledger.MustDecimal("-75").Equal(tx.Opening.Amount))
	})

	t.Run("attendance keeps which day count was sent", func(t *testing.T) {
		tx, err := f.ParseTransaction(KindAttendance, []byte(`{"employee_id":"emp-1","period_start":"2024-03-01","period_end":"2024-03-30","absence_days":4}`))
		require.NoError(t, err)
		require.NotNil(t, tx.Attendance.AbsenceDays)
		assert.Equal(t, 4, *tx.Attendance.AbsenceDays)
		assert.Nil(t, tx.Attendance.AttendanceDays)
	})
}

func TestParseUpdate(t *testing.T) {
	f := New()

	t.Run("delivery patch keeps the price override for logging", func(t *testing.T) {
		up, err := f.ParseUpdate(KindDelivery, []byte(`{"car_volume":25,"material_price_at_time":35,"version":3}`))
		require.NoError(t, err)
		require.NotNil(t, up.Delivery)
		assert.True(t, ledger.MustDecimal("25").Equal(*up.Delivery.CarVolume))
		assert.True(t, ledger.MustDecimal("35").Equal(*up.Delivery.MaterialPriceAtTime))
		assert.Equal(t, 3, up.Delivery.ExpectedVersion)
		assert.Nil(t, up.Delivery.DiscountVolume)
	})

	t.Run("payment patch applies only sent fields", func(t *testing.T) {
		up, err := f.ParseUpdate(KindPayment, []byte(`{"amount":"120.456","method":"cheque"}`))
		require.NoError(t, err)

		pay := ledger.Payment{Amount: ledger.MustDecimal("100"), Method: ledger.MethodCash, Note: "first"}
		up.Payment.Apply(&pay)
		assert.Equal(t, "120.46", pay.Amount.StringFixed(2))
		assert.Equal(t, ledger.MethodCheque, pay.Method)
		assert.Equal(t, "first", pay.Note)
	})

	t.Run("adjustment patch", func(t *testing.T) {
		up, err := f.ParseUpdate(KindAdjustment, []byte(`{"reason":"late fee waived"}`))
		require.NoError(t, err)
		adj := ledger.Adjustment{Amount: ledger.MustDecimal("-10"), Reason: "late fee"}
		up.Adjustment.Apply(&adj)
		assert.Equal(t, "late fee waived", adj.Reason)
		assert.True(t, ledger.MustDecimal("-10").Equal(adj.Amount))
	})

	t.Run("insert-only kinds", func(t *testing.T) {
		_, err := f.ParseUpdate(KindAttendance, []byte(`{}`))
		requireValidation(t, err, "kind")
	})

	t.Run("invalid patch value", func(t *testing.T) {
		_, err := f.ParseUpdate(KindPayment, []byte(`{"amount":0}`))
		requireValidation(t, err, "amount")
	})

	t.Run("patch amounts are checked after rounding", func(t *testing.T) {
		_, err := f.ParseUpdate(KindPayment, []byte(`{"amount":"0.004"}`))
		requireValidation(t, err, "amount")

		_, err = f.ParseUpdate(KindAdjustment, []byte(`{"amount":"0.001"}`))
		requireValidation(t, err, "amount")
	})
}
