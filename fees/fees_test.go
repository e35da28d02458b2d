package fees

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/school-ledger/generic"
	"github.com/warp/school-ledger/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2024, time.June, 10, 9, 30, 0, 0, time.UTC)

var testScope = generic.Scope{UID: "clerk-1", SchoolID: "school-1", BranchID: "branch-1"}

type harness struct {
	store     *store.Memory
	opts      Options
	collector *Collector
	refunder  *Refunder
	reader    *Reader
	catalog   *Catalog
	auditor   *DayBookAuditor
	sweeper   *OverdueSweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	var seq int64
	opts := Options{
		Clock: generic.FixedClock(testNow),
		NewID: func() string { return fmt.Sprintf("id-%04d", atomic.AddInt64(&seq, 1)) },
	}
	require.NoError(t, mem.Commit(context.Background(), []generic.Write{{
		Kind:       generic.WriteSet,
		Collection: branchesCol(),
		ID:         testScope.BranchID,
		Value:      Branch{ID: testScope.BranchID, SchoolID: testScope.SchoolID, Name: "Main", Code: "MAIN"},
	}}))
	return &harness{
		store:     mem,
		opts:      opts,
		collector: NewCollector(mem, opts),
		refunder:  NewRefunder(mem, opts),
		reader:    NewReader(mem, opts),
		catalog:   NewCatalog(mem, opts),
		auditor:   NewDayBookAuditor(mem, opts),
		sweeper:   NewOverdueSweeper(mem, opts),
	}
}

func amt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func month(key string, total int64) MonthInput {
	return MonthInput{Key: key, Total: amt(total)}
}

func cash(paid int64) PaymentInput {
	return PaymentInput{PaidAmount: amt(paid), PayMode: "cash"}
}

func (h *harness) collect(t *testing.T, req CollectRequest) *CollectResult {
	t.Helper()
	res, err := h.collector.Collect(context.Background(), testScope, req)
	require.NoError(t, err)
	return res
}

func (h *harness) summary(t *testing.T, studentID, sessionID string) SessionSummary {
	t.Helper()
	s, err := h.reader.Summary(context.Background(), testScope, studentID, sessionID)
	require.NoError(t, err)
	return s
}

func (h *harness) due(t *testing.T, studentID, sessionID, period string) Due {
	t.Helper()
	var d Due
	found, err := h.store.Get(context.Background(), duesCol(testScope.BranchID), dueID(studentID, sessionID, period), &d)
	require.NoError(t, err)
	require.True(t, found, "due %s missing", period)
	return d
}

// requireTotalsConsistent checks that the cached totals match the months.
func requireTotalsConsistent(t *testing.T, s SessionSummary) {
	t.Helper()
	fee, paid := decimal.Zero, decimal.Zero
	for _, m := range s.Months {
		fee = fee.Add(m.Total)
		paid = paid.Add(m.Paid)
	}
	require.True(t, s.Totals.TotalFee.Equal(fee), "totalFee %s != sum %s", s.Totals.TotalFee, fee)
	require.True(t, s.Totals.TotalPaid.Equal(paid), "totalPaid %s != sum %s", s.Totals.TotalPaid, paid)
	require.True(t, s.Totals.TotalDue.Equal(fee.Sub(paid)), "totalDue %s != %s", s.Totals.TotalDue, fee.Sub(paid))
}

func requireAmount(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, got.Equal(amt(want)), "want %d, got %s", want, got)
}
