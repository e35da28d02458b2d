/*
refund.go - Refund reversal engine

PURPOSE:
  Reverses part of a payment for specific billing periods. Every refunded
  period is re-opened (status "due"), the summary totals are recomputed,
  and an offsetting debit is appended to the ledger. The original credit
  entry is never touched.

GUARDS:
  - totalRefund must be positive and equal the sum of the positive items;
    a request with no positive item is rejected
  - the payment must belong to the same student and session
  - an item cannot exceed what is currently paid for that period
  - totalRefund cannot exceed the payment's not-yet-refunded cash

TRANSACTION PHASES:
  read:    payment, session summary, dues of refunded periods
  compute: floor paid at zero, force status due, recompute totals
  write:   summary, dues, day-book refund increments, ledger debit,
           payment.refundedAmount increment, refund record
*/
package fees

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/school-ledger/generic"
)

type RefundRequest struct {
	PaymentID   string                     `json:"paymentId"`
	StudentID   string                     `json:"studentId"`
	SessionID   string                     `json:"sessionId"`
	Items       map[string]decimal.Decimal `json:"refundItems"`
	TotalRefund decimal.Decimal            `json:"totalRefund"`
	PayMode     string                     `json:"payType,omitempty"`
	Remark      string                     `json:"remark,omitempty"`
}

type RefundResult struct {
	RefundID  string `json:"refundId"`
	ReceiptNo string `json:"receiptNo"`
	Totals    Totals `json:"totals"`
}

// Validate checks everything that needs no stored state.
func (r RefundRequest) Validate() error {
	if r.PaymentID == "" {
		return generic.NewValidationError("paymentId", "is required")
	}
	if r.StudentID == "" {
		return generic.NewValidationError("studentId", "is required")
	}
	if r.SessionID == "" {
		return generic.NewValidationError("sessionId", "is required")
	}
	if !r.TotalRefund.IsPositive() {
		return generic.NewValidationError("totalRefund", "must be greater than zero")
	}
	sum := decimal.Zero
	for period, amount := range r.Items {
		if !generic.ValidPeriodKey(period) {
			return generic.NewValidationError("refundItems", "invalid period "+period+", expected YYYY-MM")
		}
		if amount.IsNegative() {
			return generic.NewValidationError("refundItems", "amount for "+period+" must not be negative")
		}
		sum = sum.Add(amount)
	}
	if !sum.IsPositive() {
		return generic.NewValidationError("refundItems", "no refund item has an amount greater than zero")
	}
	if !sum.Equal(r.TotalRefund) {
		return generic.NewValidationError("totalRefund", "does not match the sum of refund items")
	}
	return nil
}

// periods returns the periods with a positive amount, sorted.
func (r RefundRequest) periods() []string {
	out := make([]string, 0, len(r.Items))
	for p, amount := range r.Items {
		if amount.IsPositive() {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Refunder runs refund reversals.
type Refunder struct {
	base
}

func NewRefunder(store generic.DocStore, opts Options) *Refunder {
	return &Refunder{base: newBase(store, opts)}
}

// Refund reverses the requested amounts and records the refund.
func (r *Refunder) Refund(ctx context.Context, scope generic.Scope, req RefundRequest) (*RefundResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	periods := req.periods()

	var result *RefundResult
	err := r.store.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		now := r.clock()

		// Read phase.
		var payment Payment
		found, err := tx.Get(ctx, paymentsCol(scope.BranchID), req.PaymentID, &payment)
		if err != nil {
			return err
		}
		if !found {
			return generic.NewNotFoundError("payment", req.PaymentID)
		}
		if payment.StudentID != req.StudentID || payment.SessionID != req.SessionID {
			return generic.NewValidationError("paymentId", "payment does not belong to this student and session")
		}

		var stored SessionSummary
		found, err = tx.Get(ctx, summariesCol(scope.BranchID), summaryID(req.StudentID, req.SessionID), &stored)
		if err != nil {
			return err
		}
		if !found {
			return generic.NewStateError("fee summary", summaryID(req.StudentID, req.SessionID), "no fee summary to refund against")
		}

		dues := make(map[string]Due, len(periods))
		for _, p := range periods {
			var d Due
			found, err := tx.Get(ctx, duesCol(scope.BranchID), dueID(req.StudentID, req.SessionID, p), &d)
			if err != nil {
				return err
			}
			if found {
				dues[p] = d
			}
		}

		// Compute phase.
		if req.TotalRefund.GreaterThan(payment.Refundable()) {
			return generic.NewValidationError("totalRefund", "exceeds the refundable amount "+payment.Refundable().StringFixed(2)+" of receipt "+payment.ReceiptNo)
		}
		summary := stored.Clone()
		if summary.Months == nil {
			summary.Months = make(map[string]MonthState)
		}
		for _, p := range periods {
			m, ok := summary.Months[p]
			if !ok {
				return generic.NewStateError("fee summary", summaryID(req.StudentID, req.SessionID), "period "+p+" was never billed")
			}
			amount := req.Items[p]
			if amount.GreaterThan(m.Paid) {
				return generic.NewValidationError("refundItems", "refund for "+p+" exceeds the paid amount "+m.Paid.StringFixed(2))
			}
			m.Paid = generic.ClampZero(m.Paid.Sub(amount))
			m.Status = StatusDue
			summary.Months[p] = m
		}
		summary.Recompute()
		summary.UpdatedAt = now

		mode := normalizeMode(req.PayMode)
		if mode == "" {
			mode = payment.PayMode
		}
		date := generic.DayKey(now)
		refundID := r.newID()

		// Write phase.
		if err := tx.Set(summariesCol(scope.BranchID), summaryID(req.StudentID, req.SessionID), summary); err != nil {
			return err
		}
		for _, p := range periods {
			due := dueFromMonth(req.StudentID, req.SessionID, p, summary.Months[p], now)
			if prior, ok := dues[p]; ok && len(due.HeadsSnapshot) == 0 {
				due.HeadsSnapshot = prior.HeadsSnapshot
			}
			if err := tx.Set(duesCol(scope.BranchID), dueID(req.StudentID, req.SessionID, p), due); err != nil {
				return err
			}
		}
		if err := stageDayBook(tx, scope.BranchID, date, "refunds", mode, req.TotalRefund); err != nil {
			return err
		}
		if err := r.ledger.Append(tx, generic.LedgerEntry{
			ID:        r.newID(),
			BranchID:  scope.BranchID,
			Date:      date,
			Direction: generic.Debit,
			Type:      generic.EntryRefund,
			Amount:    req.TotalRefund,
			PayMode:   mode,
			StudentID: req.StudentID,
			SessionID: req.SessionID,
			ReceiptNo: payment.ReceiptNo,
			PaymentID: payment.ID,
			RefundID:  refundID,
			Remark:    req.Remark,
			CreatedBy: scope.UID,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.Increment(paymentsCol(scope.BranchID), payment.ID, "refundedAmount", req.TotalRefund); err != nil {
			return err
		}
		items := make(map[string]decimal.Decimal, len(periods))
		for _, p := range periods {
			items[p] = req.Items[p]
		}
		if err := tx.Create(refundsCol(scope.BranchID), refundID, Refund{
			ID:          refundID,
			PaymentID:   payment.ID,
			ReceiptNo:   payment.ReceiptNo,
			BranchID:    scope.BranchID,
			StudentID:   req.StudentID,
			SessionID:   req.SessionID,
			Items:       items,
			TotalRefund: req.TotalRefund,
			PayMode:     mode,
			Remark:      req.Remark,
			RefundedBy:  scope.UID,
			RefundedAt:  now,
			Date:        date,
		}); err != nil {
			return err
		}

		result = &RefundResult{RefundID: refundID, ReceiptNo: payment.ReceiptNo, Totals: summary.Totals}
		return nil
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"branch":  scope.BranchID,
			"payment": req.PaymentID,
			"error":   err,
		}).Warn("fee refund failed")
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"branch":  scope.BranchID,
		"payment": req.PaymentID,
		"receipt": result.ReceiptNo,
		"amount":  req.TotalRefund.String(),
	}).Info("fee refunded")
	return result, nil
}
