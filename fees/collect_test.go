package fees

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/school-ledger/generic"
)

// =============================================================================
// ALLOCATION ORDER
// =============================================================================

func TestCollect_PartialPaymentOldestPeriodFirst(t *testing.T) {
	h := newHarness(t)

	// GIVEN: April and May owe 1000 each
	// WHEN: 1500 is paid (months submitted out of order)
	res := h.collect(t, CollectRequest{
		StudentID: "stu-1",
		SessionID: "2024-25",
		Months:    []MonthInput{month("2024-05", 1000), month("2024-04", 1000)},
		Payment:   cash(1500),
	})

	// THEN: April is paid, May is partial
	assert.Equal(t, "RCPT/MAIN/2024-25/000001", res.ReceiptNo)
	s := h.summary(t, "stu-1", "2024-25")
	requireAmount(t, 1000, s.Months["2024-04"].Paid)
	assert.Equal(t, StatusPaid, s.Months["2024-04"].Status)
	requireAmount(t, 500, s.Months["2024-05"].Paid)
	assert.Equal(t, StatusPartial, s.Months["2024-05"].Status)
	requireAmount(t, 1500, s.Totals.TotalPaid)
	requireAmount(t, 500, s.Totals.TotalDue)
	requireTotalsConsistent(t, s)

	may := h.due(t, "stu-1", "2024-25", "2024-05")
	requireAmount(t, 500, may.Due)
	assert.Equal(t, StatusPartial, may.Status)

	months := res.Allocations.Months()
	require.Len(t, months, 2)
	assert.Equal(t, "2024-04", months[0].Period)
	assert.Equal(t, "2024-05", months[1].Period)
}

func TestCollect_FlexibleItemsSettledFirst(t *testing.T) {
	h := newHarness(t)

	// GIVEN: a 300 fine plus April/May at 1000 each
	// WHEN: 800 is paid
	res := h.collect(t, CollectRequest{
		StudentID:     "stu-1",
		SessionID:     "2024-25",
		Months:        []MonthInput{month("2024-04", 1000), month("2024-05", 1000)},
		FlexibleItems: []FlexibleItem{{ID: "fine-1", Label: "Library fine", Amount: amt(300)}},
		Payment:       cash(800),
	})

	// THEN: the fine is fully paid, April gets the remaining 500, May nothing
	require.Len(t, res.Allocations, 2)
	flex, ok := res.Allocations[0].(FlexibleAllocation)
	require.True(t, ok, "first line must be the flexible item")
	requireAmount(t, 300, flex.Amount)

	s := h.summary(t, "stu-1", "2024-25")
	require.Len(t, s.Flexible, 1)
	assert.Equal(t, res.ReceiptNo, s.Flexible[0].ReceiptNo)
	requireAmount(t, 500, s.Months["2024-04"].Paid)
	requireAmount(t, 0, s.Months["2024-05"].Paid)
	assert.Equal(t, StatusDue, s.Months["2024-05"].Status)
	requireTotalsConsistent(t, s)
}

func TestCollect_InsufficientForFlexibleRejected(t *testing.T) {
	h := newHarness(t)

	// GIVEN: a 300 flexible item and 2000 of months, WHEN: only 250 is paid
	_, err := h.collector.Collect(context.Background(), testScope, CollectRequest{
		StudentID:     "stu-1",
		SessionID:     "2024-25",
		Months:        []MonthInput{month("2024-04", 1000), month("2024-05", 1000)},
		FlexibleItems: []FlexibleItem{{ID: "fine-1", Label: "Fine", Amount: amt(300)}},
		Payment:       cash(250),
	})

	// THEN: rejected before anything is written
	require.Error(t, err)
	assert.True(t, generic.IsClientError(err))
	var verr *generic.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "must clear flexible fees first")

	_, err = h.reader.Summary(context.Background(), testScope, "stu-1", "2024-25")
	assert.True(t, generic.IsNotFound(err))
	db, err := h.reader.DayBook(context.Background(), testScope, generic.DayKey(testNow))
	require.NoError(t, err)
	assert.Zero(t, db.Transactions)
}

func TestCollect_ExistingMonthsKeepFrozenSnapshot(t *testing.T) {
	h := newHarness(t)
	breakdown := []HeadAmount{{HeadID: "tuition", HeadName: "Tuition", Amount: amt(1000)}}
	h.collect(t, CollectRequest{
		StudentID: "stu-1",
		SessionID: "2024-25",
		Months:    []MonthInput{{Key: "2024-04", Total: amt(1000), Breakdown: breakdown}},
		Payment:   cash(400),
	})

	// WHEN: a later payment submits a different total for the same month
	h.collect(t, CollectRequest{
		StudentID: "stu-1",
		SessionID: "2024-25",
		Months:    []MonthInput{month("2024-04", 5000)},
		Payment:   cash(600),
	})

	// THEN: the original total and snapshot are kept
	s := h.summary(t, "stu-1", "2024-25")
	requireAmount(t, 1000, s.Months["2024-04"].Total)
	requireAmount(t, 1000, s.Months["2024-04"].Paid)
	assert.Equal(t, StatusPaid, s.Months["2024-04"].Status)
	require.Len(t, s.Months["2024-04"].HeadsSnapshot, 1)
	assert.Equal(t, "Tuition", s.Months["2024-04"].HeadsSnapshot[0].HeadName)
	requireTotalsConsistent(t, s)
}

func TestCollect_OverpaymentRejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.collector.Collect(context.Background(), testScope, CollectRequest{
		StudentID: "stu-1",
		SessionID: "2024-25",
		Months:    []MonthInput{month("2024-04", 1000)},
		Payment:   cash(1200),
	})
	var verr *generic.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "exceeds outstanding balance")

	// The counter was never advanced.
	res := h.collect(t, CollectRequest{
		StudentID: "stu-1",
		SessionID: "2024-25",
		Months:    []MonthInput{month("2024-04", 1000)},
		Payment:   cash(1000),
	})
	assert.True(t, strings.HasSuffix(res.ReceiptNo, "/000001"))
}

func TestCollect_DiscountAppliedAfterCash(t *testing.T) {
	h := newHarness(t)

	// GIVEN: April/May at 1000, 10% discount on the 2000 pending
	res := h.collect(t, CollectRequest{
		StudentID: "stu-1",
		SessionID: "2024-25",
		Months:    []MonthInput{month("2024-04", 1000), month("2024-05", 1000)},
		Payment: PaymentInput{
			PaidAmount:    amt(1800),
			PayMode:       "upi",
			DiscountType:  DiscountPercent,
			DiscountValue: amt(10),
		},
	})

	// THEN: 1800 cash plus 200 discount settles both months
	requireAmount(t, 200, res.Discount)
	s := h.summary(t, "stu-1", "2024-25")
	assert.Equal(t, StatusPaid, s.Months["2024-04"].Status)
	assert.Equal(t, StatusPaid, s.Months["2024-05"].Status)
	requireAmount(t, 0, s.Totals.TotalDue)
	requireTotalsConsistent(t, s)

	// Discount is not cash.
	db, err := h.reader.DayBook(context.Background(), testScope, generic.DayKey(testNow))
	require.NoError(t, err)
	requireAmount(t, 1800, db.Collections.Total)
	requireAmount(t, 1800, db.Collections.ByMode["upi"])
}

func TestCollect_FlexibleItemCannotBePaidTwice(t *testing.T) {
	h := newHarness(t)
	req := CollectRequest{
		StudentID:     "stu-1",
		SessionID:     "2024-25",
		FlexibleItems: []FlexibleItem{{ID: "fine-1", Label: "Fine", Amount: amt(100)}},
		Payment:       cash(100),
	}
	h.collect(t, req)

	_, err := h.collector.Collect(context.Background(), testScope, req)
	assert.ErrorIs(t, err, generic.ErrConflict)
}

func TestCollect_ValidationErrors(t *testing.T) {
	h := newHarness(t)
	valid := CollectRequest{
		StudentID: "stu-1",
		SessionID: "2024-25",
		Months:    []MonthInput{month("2024-04", 1000)},
		Payment:   cash(100),
	}

	tests := []struct {
		name   string
		mutate func(r *CollectRequest)
		field  string
	}{
		{"missing student", func(r *CollectRequest) { r.StudentID = "" }, "studentId"},
		{"zero amount", func(r *CollectRequest) { r.Payment.PaidAmount = decimal.Zero }, "payment.paidAmount"},
		{"missing mode", func(r *CollectRequest) { r.Payment.PayMode = " " }, "payment.payType"},
		{"bad period", func(r *CollectRequest) { r.Months = []MonthInput{month("April", 1000)} }, "months.key"},
		{"duplicate period", func(r *CollectRequest) { r.Months = []MonthInput{month("2024-04", 1), month("2024-04", 1)} }, "months.key"},
		{"nothing to pay", func(r *CollectRequest) { r.Months = nil }, "months"},
		{"bad discount", func(r *CollectRequest) { r.Payment.DiscountType = "bogus" }, "payment.discountType"},
		{"percent over 100", func(r *CollectRequest) {
			r.Payment.DiscountType = DiscountPercent
			r.Payment.DiscountValue = amt(150)
		}, "payment.discountValue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			req.Payment = valid.Payment
			tt.mutate(&req)
			_, err := h.collector.Collect(context.Background(), testScope, req)
			var verr *generic.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCollect_UnknownBranchIsNotFound(t *testing.T) {
	h := newHarness(t)
	scope := testScope
	scope.BranchID = "nowhere"

	_, err := h.collector.Collect(context.Background(), scope, CollectRequest{
		StudentID: "stu-1",
		SessionID: "2024-25",
		Months:    []MonthInput{month("2024-04", 1000)},
		Payment:   cash(100),
	})
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// BOOKKEEPING
// =============================================================================

func TestCollect_WritesLedgerDayBookAndPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.collect(t, CollectRequest{
		StudentID: "stu-1",
		SessionID: "2024-25",
		Months:    []MonthInput{month("2024-04", 1000)},
		Payment:   PaymentInput{PaidAmount: amt(700), PayMode: "Cash", Remark: "first"},
	})
	h.collect(t, CollectRequest{
		StudentID: "stu-2",
		SessionID: "2024-25",
		Months:    []MonthInput{month("2024-04", 1000)},
		Payment:   PaymentInput{PaidAmount: amt(300), PayMode: "cheque"},
	})

	payment, err := h.reader.Payment(ctx, testScope, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, res.ReceiptNo, payment.ReceiptNo)
	assert.Equal(t, "cash", payment.PayMode)
	assert.Equal(t, testScope.UID, payment.CollectedBy)
	requireAmount(t, 0, payment.RefundedAmount)
	require.Len(t, payment.Items, 1)
	_, isMonth := payment.Items[0].(MonthAllocation)
	assert.True(t, isMonth)

	date := generic.DayKey(testNow)
	db, err := h.reader.DayBook(ctx, testScope, date)
	require.NoError(t, err)
	requireAmount(t, 1000, db.Collections.Total)
	requireAmount(t, 700, db.Collections.ByMode["cash"])
	requireAmount(t, 300, db.Collections.ByMode["cheque"])
	requireAmount(t, 1000, db.Net)
	assert.Equal(t, int64(2), db.Transactions)

	entries, err := h.reader.LedgerForDate(ctx, testScope, date)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, generic.Credit, entries[0].Direction)
	assert.Equal(t, generic.EntryPayment, entries[0].Type)
}

func TestCollect_IdempotencyKeyRejectsReplay(t *testing.T) {
	h := newHarness(t)
	req := CollectRequest{
		StudentID:      "stu-1",
		SessionID:      "2024-25",
		Months:         []MonthInput{month("2024-04", 1000)},
		Payment:        cash(500),
		IdempotencyKey: "counter-7-0001",
	}
	first := h.collect(t, req)
	assert.Equal(t, "counter-7-0001", first.PaymentID)

	_, err := h.collector.Collect(context.Background(), testScope, req)
	var dup *DuplicatePaymentError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ReceiptNo, dup.ReceiptNo)
	assert.Equal(t, generic.KindConflict, generic.KindOf(err))

	s := h.summary(t, "stu-1", "2024-25")
	requireAmount(t, 500, s.Totals.TotalPaid)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestCollect_ConcurrentReceiptsAreDistinctAndMonotonic(t *testing.T) {
	h := newHarness(t)
	const n = 25

	receipts := make([]string, n)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			res, err := h.collector.Collect(ctx, testScope, CollectRequest{
				StudentID: "stu-" + string(rune('a'+i%26)),
				SessionID: "2024-25",
				Months:    []MonthInput{month("2024-04", 100000)},
				Payment:   cash(10),
			})
			if err != nil {
				return err
			}
			receipts[i] = res.ReceiptNo
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[string]bool, n)
	for _, r := range receipts {
		assert.False(t, seen[r], "receipt %s issued twice", r)
		seen[r] = true
	}
	for i := 1; i <= n; i++ {
		assert.True(t, seen[fmt.Sprintf("RCPT/MAIN/2024-25/%06d", i)], "missing receipt %d", i)
	}

	var counter receiptCounter
	_, err := h.store.Get(context.Background(), countersCol(testScope.BranchID), receiptCounterID, &counter)
	require.NoError(t, err)
	assert.Equal(t, int64(n), counter.Value)
}

// =============================================================================
// ALLOCATION LINES
// =============================================================================

func TestAllocationLines_JSONKeepsVariants(t *testing.T) {
	lines := AllocationLines{
		FlexibleAllocation{ItemID: "fine-1", Label: "Fine", Amount: amt(300)},
		MonthAllocation{Period: "2024-04", Amount: amt(700), Discount: decimal.Zero, Status: StatusPartial},
	}
	data, err := json.Marshal(lines)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"flexible"`)
	assert.Contains(t, string(data), `"type":"month"`)

	var back AllocationLines
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back, 2)
	assert.Equal(t, KindFlexible, back[0].Kind())
	m, ok := back[1].(MonthAllocation)
	require.True(t, ok)
	assert.Equal(t, "2024-04", m.Period)
	requireAmount(t, 1000, back.CashTotal())

	assert.Error(t, json.Unmarshal([]byte(`[{"type":"mystery"}]`), &back))
}

func TestSessionSummary_CloneIsDeep(t *testing.T) {
	s := newSessionSummary("stu-1", "2024-25")
	s.Months["2024-04"] = MonthState{Total: amt(1000), HeadsSnapshot: []HeadAmount{{HeadID: "h"}}}

	c := s.Clone()
	m := c.Months["2024-04"]
	m.Paid = amt(1000)
	m.HeadsSnapshot[0].HeadID = "changed"
	c.Months["2024-04"] = m

	assert.True(t, s.Months["2024-04"].Paid.IsZero())
	assert.Equal(t, "h", s.Months["2024-04"].HeadsSnapshot[0].HeadID)
}
