package fees

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/school-ledger/generic"
)

// paidApril collects 1000 against an April due of 1000.
func paidApril(t *testing.T, h *harness) *CollectResult {
	t.Helper()
	return h.collect(t, CollectRequest{
		StudentID: "stu-1",
		SessionID: "2024-25",
		Months:    []MonthInput{month("2024-04", 1000)},
		Payment:   cash(1000),
	})
}

func refundReq(paymentID string, items map[string]int64) RefundRequest {
	req := RefundRequest{PaymentID: paymentID, StudentID: "stu-1", SessionID: "2024-25", Items: map[string]decimal.Decimal{}}
	total := decimal.Zero
	for p, v := range items {
		req.Items[p] = amt(v)
		total = total.Add(amt(v))
	}
	req.TotalRefund = total
	return req
}

func TestRefund_ReopensPaidPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paid := paidApril(t, h)

	// WHEN: 400 of a fully paid 1000 period is refunded
	res, err := h.refunder.Refund(ctx, testScope, refundReq(paid.PaymentID, map[string]int64{"2024-04": 400}))
	require.NoError(t, err)
	assert.Equal(t, paid.ReceiptNo, res.ReceiptNo)

	// THEN: paid 600, due 400, status due (not partial)
	d := h.due(t, "stu-1", "2024-25", "2024-04")
	requireAmount(t, 600, d.Paid)
	requireAmount(t, 400, d.Due)
	assert.Equal(t, StatusDue, d.Status)

	s := h.summary(t, "stu-1", "2024-25")
	assert.Equal(t, StatusDue, s.Months["2024-04"].Status)
	requireAmount(t, 600, s.Totals.TotalPaid)
	requireAmount(t, 400, s.Totals.TotalDue)
	requireTotalsConsistent(t, s)
}

func TestRefund_OneUnitStillReopens(t *testing.T) {
	h := newHarness(t)
	paid := paidApril(t, h)

	_, err := h.refunder.Refund(context.Background(), testScope, refundReq(paid.PaymentID, map[string]int64{"2024-04": 1}))
	require.NoError(t, err)
	assert.Equal(t, StatusDue, h.due(t, "stu-1", "2024-25", "2024-04").Status)
}

func TestRefund_RecordsDebitAndPaymentRefundedAmount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paid := paidApril(t, h)

	req := refundReq(paid.PaymentID, map[string]int64{"2024-04": 250})
	req.PayMode = "bank transfer"
	res, err := h.refunder.Refund(ctx, testScope, req)
	require.NoError(t, err)

	payment, err := h.reader.Payment(ctx, testScope, paid.PaymentID)
	require.NoError(t, err)
	requireAmount(t, 250, payment.RefundedAmount)
	requireAmount(t, 1000, payment.PaidAmount)

	var refund Refund
	found, err := h.store.Get(ctx, refundsCol(testScope.BranchID), res.RefundID, &refund)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, paid.ReceiptNo, refund.ReceiptNo)
	assert.Equal(t, "bank_transfer", refund.PayMode)

	date := generic.DayKey(testNow)
	db, err := h.reader.DayBook(ctx, testScope, date)
	require.NoError(t, err)
	requireAmount(t, 1000, db.Collections.Total)
	requireAmount(t, 250, db.Refunds.Total)
	requireAmount(t, 250, db.Refunds.ByMode["bank_transfer"])
	requireAmount(t, 750, db.Net)

	entries, err := h.reader.LedgerForDate(ctx, testScope, date)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var debit generic.LedgerEntry
	for _, e := range entries {
		if e.Direction == generic.Debit {
			debit = e
		}
	}
	assert.Equal(t, generic.EntryRefund, debit.Type)
	assert.Equal(t, paid.ReceiptNo, debit.ReceiptNo)
	assert.Equal(t, res.RefundID, debit.RefundID)
}

func TestRefund_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paid := paidApril(t, h)

	t.Run("unknown payment", func(t *testing.T) {
		_, err := h.refunder.Refund(ctx, testScope, refundReq("missing", map[string]int64{"2024-04": 10}))
		assert.True(t, generic.IsNotFound(err))
	})

	t.Run("zero-effect refund", func(t *testing.T) {
		req := refundReq(paid.PaymentID, map[string]int64{"2024-04": 0})
		req.TotalRefund = amt(10)
		_, err := h.refunder.Refund(ctx, testScope, req)
		assert.ErrorIs(t, err, generic.ErrValidation)
	})

	t.Run("total does not match items", func(t *testing.T) {
		req := refundReq(paid.PaymentID, map[string]int64{"2024-04": 100})
		req.TotalRefund = amt(90)
		_, err := h.refunder.Refund(ctx, testScope, req)
		var verr *generic.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "totalRefund", verr.Field)
	})

	t.Run("more than paid for the period", func(t *testing.T) {
		_, err := h.refunder.Refund(ctx, testScope, refundReq(paid.PaymentID, map[string]int64{"2024-04": 1001}))
		assert.ErrorIs(t, err, generic.ErrValidation)
	})

	t.Run("period never billed", func(t *testing.T) {
		_, err := h.refunder.Refund(ctx, testScope, refundReq(paid.PaymentID, map[string]int64{"2024-09": 10}))
		assert.ErrorIs(t, err, generic.ErrState)
	})

	t.Run("payment of another student", func(t *testing.T) {
		req := refundReq(paid.PaymentID, map[string]int64{"2024-04": 10})
		req.StudentID = "stu-2"
		_, err := h.refunder.Refund(ctx, testScope, req)
		assert.ErrorIs(t, err, generic.ErrValidation)
	})

	// Nothing above may have changed the period.
	requireAmount(t, 1000, h.due(t, "stu-1", "2024-25", "2024-04").Paid)
}

func TestRefund_CannotExceedRefundableCash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// GIVEN: 600 paid by one receipt, 400 by another, for the same month
	first := h.collect(t, CollectRequest{StudentID: "stu-1", SessionID: "2024-25", Months: []MonthInput{month("2024-04", 1000)}, Payment: cash(600)})
	h.collect(t, CollectRequest{StudentID: "stu-1", SessionID: "2024-25", Months: []MonthInput{month("2024-04", 1000)}, Payment: cash(400)})

	// WHEN: 500 then another 200 are refunded against the first receipt
	_, err := h.refunder.Refund(ctx, testScope, refundReq(first.PaymentID, map[string]int64{"2024-04": 500}))
	require.NoError(t, err)
	_, err = h.refunder.Refund(ctx, testScope, refundReq(first.PaymentID, map[string]int64{"2024-04": 200}))

	// THEN: the second one over-draws the receipt
	var verr *generic.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "refundable")
	s := h.summary(t, "stu-1", "2024-25")
	requireAmount(t, 500, s.Totals.TotalPaid)
	requireTotalsConsistent(t, s)
}

func TestRefund_MissingSummaryIsStateError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A payment without a summary can only come from outside the engine.
	require.NoError(t, h.store.Commit(ctx, []generic.Write{{
		Kind:       generic.WriteSet,
		Collection: paymentsCol(testScope.BranchID),
		ID:         "orphan",
		Value:      Payment{ID: "orphan", StudentID: "stu-1", SessionID: "2024-25", PaidAmount: amt(100), PayMode: "cash"},
	}}))

	_, err := h.refunder.Refund(ctx, testScope, refundReq("orphan", map[string]int64{"2024-04": 50}))
	assert.ErrorIs(t, err, generic.ErrState)
}
