/*
ledger.go - Append-only money ledger

PURPOSE:
  The ledger is the audit trail of record for every cash movement.
  Day-books and reports are derived views; the ledger is what they are
  checked against.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are written with Tx.Create, never Set. No Delete.
  2. IMMUTABLE: once committed, an entry is never modified
  3. AUDITABLE: every entry references its receipt / refund document

CORRECTIONS:
  A refund does not edit the payment's credit entry. It appends a debit
  entry referencing the same receipt; both remain in the ledger.

SEE ALSO:
  - fees/daybook.go: rebuilds a day-book by replaying entries
*/
package generic

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type Direction string

const (
	Credit Direction = "credit" // money in
	Debit  Direction = "debit"  // money out
)

type EntryType string

const (
	EntryPayment EntryType = "payment"
	EntryRefund  EntryType = "refund"
)

type LedgerEntry struct {
	ID        string          `json:"id"`
	BranchID  string          `json:"branchId"`
	Date      string          `json:"date"` // day key, see DayKey
	Direction Direction       `json:"direction"`
	Type      EntryType       `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	PayMode   string          `json:"payMode"`
	StudentID string          `json:"studentId"`
	SessionID string          `json:"sessionId"`
	ReceiptNo string          `json:"receiptNo"`
	PaymentID string          `json:"paymentId"`
	RefundID  string          `json:"refundId,omitempty"`
	Remark    string          `json:"remark,omitempty"`
	CreatedBy string          `json:"createdBy"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Signed returns the amount with credits positive and debits negative.
func (e LedgerEntry) Signed() decimal.Decimal {
	if e.Direction == Debit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerCollection is the per-branch ledger collection.
func LedgerCollection(branchID string) Collection {
	return Path("branches", branchID, "ledger")
}

// Ledger appends and reads entries. It has no update or delete methods.
type Ledger struct {
	Store DocStore
}

func NewLedger(store DocStore) *Ledger {
	return &Ledger{Store: store}
}

// Append stages entry inside tx. Commit fails if the id already exists.
func (l *Ledger) Append(tx Tx, entry LedgerEntry) error {
	if entry.ID == "" {
		return NewValidationError("ledger.id", "entry id is required")
	}
	if entry.BranchID == "" {
		return NewValidationError("ledger.branchId", "branch is required")
	}
	if !entry.Amount.IsPositive() {
		return NewValidationError("ledger.amount", "entry amount must be positive")
	}
	if entry.Direction != Credit && entry.Direction != Debit {
		return NewValidationError("ledger.direction", "direction must be credit or debit")
	}
	return tx.Create(LedgerCollection(entry.BranchID), entry.ID, entry)
}

// EntriesForDate returns the branch's entries for a day key, oldest first.
func (l *Ledger) EntriesForDate(ctx context.Context, branchID, date string) ([]LedgerEntry, error) {
	docs, err := l.Store.Find(ctx, LedgerCollection(branchID),
		Where("date", OpEq, date).Order("createdAt", false))
	if err != nil {
		return nil, err
	}
	return decodeEntries(docs)
}

// EntriesForReceipt returns every entry referencing a receipt.
func (l *Ledger) EntriesForReceipt(ctx context.Context, branchID, receiptNo string) ([]LedgerEntry, error) {
	docs, err := l.Store.Find(ctx, LedgerCollection(branchID),
		Where("receiptNo", OpEq, receiptNo).Order("createdAt", false))
	if err != nil {
		return nil, err
	}
	return decodeEntries(docs)
}

func decodeEntries(docs []Document) ([]LedgerEntry, error) {
	entries := make([]LedgerEntry, 0, len(docs))
	for _, d := range docs {
		var e LedgerEntry
		if err := d.Decode(&e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
