package fees

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/school-ledger/generic"
)

// =============================================================================
// DAY-BOOK AUDIT - rebuild from the ledger and compare
// =============================================================================

// DayBookAuditor checks stored day-books against the ledger.
type DayBookAuditor struct {
	base
	reader *Reader
}

func NewDayBookAuditor(store generic.DocStore, opts Options) *DayBookAuditor {
	return &DayBookAuditor{base: newBase(store, opts), reader: NewReader(store, opts)}
}

// Verification is the outcome of comparing a stored day-book with a replay.
type Verification struct {
	Date        string   `json:"date"`
	Stored      DayBook  `json:"stored"`
	Replayed    DayBook  `json:"replayed"`
	Consistent  bool     `json:"consistent"`
	Differences []string `json:"differences,omitempty"`
}

// Replay rebuilds the day-book of date from ledger entries.
func (a *DayBookAuditor) Replay(ctx context.Context, scope generic.Scope, date string) (DayBook, error) {
	entries, err := a.reader.LedgerForDate(ctx, scope, date)
	if err != nil {
		return DayBook{}, err
	}
	db := DayBook{Date: date}
	for _, e := range entries {
		switch e.Direction {
		case generic.Credit:
			db.Collections.add(e.PayMode, e.Amount)
		case generic.Debit:
			db.Refunds.add(e.PayMode, e.Amount)
		}
		db.Net = db.Net.Add(e.Signed())
		db.Transactions++
	}
	return db, nil
}

// Verify compares the stored day-book of date with its replay.
func (a *DayBookAuditor) Verify(ctx context.Context, scope generic.Scope, date string) (Verification, error) {
	stored, err := a.reader.DayBook(ctx, scope, date)
	if err != nil {
		return Verification{}, err
	}
	replayed, err := a.Replay(ctx, scope, date)
	if err != nil {
		return Verification{}, err
	}

	v := Verification{Date: date, Stored: stored, Replayed: replayed}
	v.Differences = append(v.Differences, diffTotals("collections", stored.Collections, replayed.Collections)...)
	v.Differences = append(v.Differences, diffTotals("refunds", stored.Refunds, replayed.Refunds)...)
	if !stored.Net.Equal(replayed.Net) {
		v.Differences = append(v.Differences, fmt.Sprintf("net: stored %s, ledger %s", stored.Net, replayed.Net))
	}
	if expected := stored.Collections.Total.Sub(stored.Refunds.Total); !stored.Net.Equal(expected) {
		v.Differences = append(v.Differences, fmt.Sprintf("net: stored %s, collections minus refunds %s", stored.Net, expected))
	}
	if stored.Transactions != replayed.Transactions {
		v.Differences = append(v.Differences, fmt.Sprintf("transactions: stored %d, ledger %d", stored.Transactions, replayed.Transactions))
	}
	v.Consistent = len(v.Differences) == 0

	if !v.Consistent {
		a.log.WithFields(logrus.Fields{
			"branch":      scope.BranchID,
			"date":        date,
			"differences": v.Differences,
		}).Warn("day-book does not match ledger")
	}
	return v, nil
}

func diffTotals(side string, stored, replayed ModeTotals) []string {
	var out []string
	if !stored.Total.Equal(replayed.Total) {
		out = append(out, fmt.Sprintf("%s.total: stored %s, ledger %s", side, stored.Total, replayed.Total))
	}
	modes := make(map[string]bool)
	for m := range stored.ByMode {
		modes[m] = true
	}
	for m := range replayed.ByMode {
		modes[m] = true
	}
	keys := make([]string, 0, len(modes))
	for m := range modes {
		keys = append(keys, m)
	}
	sort.Strings(keys)
	for _, m := range keys {
		s, r := valueOrZero(stored.ByMode, m), valueOrZero(replayed.ByMode, m)
		if !s.Equal(r) {
			out = append(out, fmt.Sprintf("%s.byMode.%s: stored %s, ledger %s", side, m, s, r))
		}
	}
	return out
}

func valueOrZero(m map[string]decimal.Decimal, k string) decimal.Decimal {
	if v, ok := m[k]; ok {
		return v
	}
	return decimal.Zero
}
