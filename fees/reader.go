package fees

import (
	"context"

	"github.com/warp/school-ledger/generic"
)

// Reader serves read-only fee views.
type Reader struct {
	base
}

func NewReader(store generic.DocStore, opts Options) *Reader {
	return &Reader{base: newBase(store, opts)}
}

// Summary returns the student's session summary.
func (r *Reader) Summary(ctx context.Context, scope generic.Scope, studentID, sessionID string) (SessionSummary, error) {
	if err := scope.Validate(); err != nil {
		return SessionSummary{}, err
	}
	var s SessionSummary
	found, err := r.store.Get(ctx, summariesCol(scope.BranchID), summaryID(studentID, sessionID), &s)
	if err != nil {
		return SessionSummary{}, err
	}
	if !found {
		return SessionSummary{}, generic.NewNotFoundError("fee summary", summaryID(studentID, sessionID))
	}
	return s, nil
}

// Dues returns the student's dues for a session, oldest period first.
func (r *Reader) Dues(ctx context.Context, scope generic.Scope, studentID, sessionID string) ([]Due, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	docs, err := r.store.Find(ctx, duesCol(scope.BranchID),
		generic.Where("studentId", generic.OpEq, studentID).
			And("sessionId", generic.OpEq, sessionID).
			Order("period", false))
	if err != nil {
		return nil, err
	}
	return decodeAll[Due](docs)
}

// Payment returns one payment.
func (r *Reader) Payment(ctx context.Context, scope generic.Scope, paymentID string) (Payment, error) {
	if err := scope.Validate(); err != nil {
		return Payment{}, err
	}
	var p Payment
	found, err := r.store.Get(ctx, paymentsCol(scope.BranchID), paymentID, &p)
	if err != nil {
		return Payment{}, err
	}
	if !found {
		return Payment{}, generic.NewNotFoundError("payment", paymentID)
	}
	return p, nil
}

// Payments returns a student's payments for a session, oldest first.
func (r *Reader) Payments(ctx context.Context, scope generic.Scope, studentID, sessionID string) ([]Payment, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	docs, err := r.store.Find(ctx, paymentsCol(scope.BranchID),
		generic.Where("studentId", generic.OpEq, studentID).
			And("sessionId", generic.OpEq, sessionID).
			Order("receiptNo", false))
	if err != nil {
		return nil, err
	}
	return decodeAll[Payment](docs)
}

// DayBook returns the stored day-book for date. A day without activity
// yields an empty day-book.
func (r *Reader) DayBook(ctx context.Context, scope generic.Scope, date string) (DayBook, error) {
	if err := scope.Validate(); err != nil {
		return DayBook{}, err
	}
	if !generic.ValidDayKey(date) {
		return DayBook{}, generic.NewValidationError("date", "expected YYYY-MM-DD")
	}
	var db DayBook
	if _, err := r.store.Get(ctx, dayBookCol(scope.BranchID), date, &db); err != nil {
		return DayBook{}, err
	}
	db.Date = date
	return db, nil
}

// LedgerForDate returns the ledger entries of a day.
func (r *Reader) LedgerForDate(ctx context.Context, scope generic.Scope, date string) ([]generic.LedgerEntry, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if !generic.ValidDayKey(date) {
		return nil, generic.NewValidationError("date", "expected YYYY-MM-DD")
	}
	return r.ledger.EntriesForDate(ctx, scope.BranchID, date)
}
