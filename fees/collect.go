/*
collect.go - Fee allocation engine

PURPOSE:
  Applies one payment to a student's session: flexible charges first,
  then monthly dues oldest period first. Receipt, summary, dues,
  day-book, ledger and payment are all written in one transaction.

ALLOCATION ORDER:
  1. Flexible items are settled in full. If the cash cannot cover all of
     them the request is rejected before any transaction is opened.
  2. Remaining cash goes to the requested months sorted by period key.
     A month takes min(pending, remaining). Months already settled are
     skipped.
  3. A discount (flat, or percent of the requested months' pending
     balance) is applied after the cash, oldest period first, capped at
     what is still pending. Discount is not cash: day-book and ledger
     record paidAmount only.
  4. Cash left after every requested month is settled is rejected.

EXAMPLE:
  April 1000 and May 1000 pending, paidAmount 1500:
    April: paid 1000, status paid
    May:   paid 500,  status partial
    totals: fee 2000, paid 1500, due 500

TRANSACTION PHASES:
  read:    idempotency key, branch + receipt counter, session summary
  compute: allocation on a copy of the summary
  write:   counter, summary, dues, day-book increments, ledger credit, payment
*/
package fees

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/school-ledger/generic"
)

// =============================================================================
// REQUEST
// =============================================================================

// MonthInput is a billing period offered for payment. Total and Breakdown
// only apply when the period is new to the summary; existing periods keep
// their frozen snapshot.
type MonthInput struct {
	Key       string          `json:"key"`
	Total     decimal.Decimal `json:"total"`
	Breakdown []HeadAmount    `json:"breakdown,omitempty"`
}

// FlexibleItem is a one-off charge to settle with this payment.
type FlexibleItem struct {
	ID     string          `json:"id"`
	HeadID string          `json:"headId,omitempty"`
	Label  string          `json:"label"`
	Amount decimal.Decimal `json:"amount"`
}

type PaymentInput struct {
	PaidAmount    decimal.Decimal `json:"paidAmount"`
	PayMode       string          `json:"payType"`
	DiscountType  DiscountType    `json:"discountType,omitempty"`
	DiscountValue decimal.Decimal `json:"discountValue"`
	Remark        string          `json:"remark,omitempty"`
}

type CollectRequest struct {
	StudentID     string         `json:"studentId"`
	SessionID     string         `json:"sessionId"`
	Months        []MonthInput   `json:"months"`
	FlexibleItems []FlexibleItem `json:"flexibleItems"`
	Payment       PaymentInput   `json:"payment"`

	// IdempotencyKey, when set, becomes the payment id; a replay is rejected
	// with DuplicatePaymentError.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type CollectResult struct {
	ReceiptNo   string          `json:"receiptNo"`
	PaymentID   string          `json:"paymentId"`
	Allocations AllocationLines `json:"allocations"`
	Discount    decimal.Decimal `json:"discount"`
	Totals      Totals          `json:"totals"`
}

// DuplicatePaymentError reports a replayed idempotency key.
type DuplicatePaymentError struct {
	PaymentID string
	ReceiptNo string
}

func (e *DuplicatePaymentError) Error() string {
	return "payment " + e.PaymentID + " already recorded as receipt " + e.ReceiptNo
}

func (e *DuplicatePaymentError) Unwrap() error { return generic.ErrConflict }

func (r CollectRequest) flexibleTotal() decimal.Decimal {
	total := decimal.Zero
	for _, f := range r.FlexibleItems {
		total = total.Add(f.Amount)
	}
	return total
}

// Validate checks everything that needs no stored state.
func (r CollectRequest) Validate() error {
	if r.StudentID == "" {
		return generic.NewValidationError("studentId", "is required")
	}
	if r.SessionID == "" {
		return generic.NewValidationError("sessionId", "is required")
	}
	if len(r.Months) == 0 && len(r.FlexibleItems) == 0 {
		return generic.NewValidationError("months", "at least one month or flexible item is required")
	}
	if !r.Payment.PaidAmount.IsPositive() {
		return generic.NewValidationError("payment.paidAmount", "must be greater than zero")
	}
	if normalizeMode(r.Payment.PayMode) == "" {
		return generic.NewValidationError("payment.payType", "is required")
	}

	seen := make(map[string]bool, len(r.Months))
	for _, m := range r.Months {
		if !generic.ValidPeriodKey(m.Key) {
			return generic.NewValidationError("months.key", "invalid period "+m.Key+", expected YYYY-MM")
		}
		if seen[m.Key] {
			return generic.NewValidationError("months.key", "duplicate period "+m.Key)
		}
		seen[m.Key] = true
		if m.Total.IsNegative() {
			return generic.NewValidationError("months.total", "must not be negative for "+m.Key)
		}
		if len(m.Breakdown) > 0 {
			sum := decimal.Zero
			for _, h := range m.Breakdown {
				sum = sum.Add(h.Amount)
			}
			if !sum.Equal(m.Total) {
				return generic.NewValidationError("months.breakdown", "breakdown does not add up to total for "+m.Key)
			}
		}
	}

	items := make(map[string]bool, len(r.FlexibleItems))
	for _, f := range r.FlexibleItems {
		if f.ID == "" {
			return generic.NewValidationError("flexibleItems.id", "is required")
		}
		if items[f.ID] {
			return generic.NewValidationError("flexibleItems.id", "duplicate item "+f.ID)
		}
		items[f.ID] = true
		if !f.Amount.IsPositive() {
			return generic.NewValidationError("flexibleItems.amount", "must be greater than zero for "+f.ID)
		}
	}
	if r.Payment.PaidAmount.LessThan(r.flexibleTotal()) {
		return generic.NewValidationError("payment.paidAmount", "must clear flexible fees first")
	}

	switch r.Payment.DiscountType {
	case "", DiscountNone:
	case DiscountFlat, DiscountPercent:
		if r.Payment.DiscountValue.IsNegative() {
			return generic.NewValidationError("payment.discountValue", "must not be negative")
		}
		if r.Payment.DiscountType == DiscountPercent && r.Payment.DiscountValue.GreaterThan(decimal.NewFromInt(100)) {
			return generic.NewValidationError("payment.discountValue", "percent must be at most 100")
		}
	default:
		return generic.NewValidationError("payment.discountType", "unknown discount type "+string(r.Payment.DiscountType))
	}
	return nil
}

// =============================================================================
// ALLOCATION - pure compute phase
// =============================================================================

type allocation struct {
	lines    AllocationLines
	discount decimal.Decimal
	// touched are the periods first billed or paid by this request.
	touched []string
}

// allocate applies the request to summary (a copy owned by the caller).
func allocate(summary *SessionSummary, req CollectRequest, receiptNo string, at time.Time) (allocation, error) {
	var out allocation

	billed := make(map[string]bool)
	for _, m := range req.Months {
		if _, ok := summary.Months[m.Key]; ok {
			continue
		}
		billed[m.Key] = true
		summary.Months[m.Key] = MonthState{
			Total:         m.Total,
			Paid:          decimal.Zero,
			Status:        statusFor(decimal.Zero, m.Total),
			HeadsSnapshot: append([]HeadAmount(nil), m.Breakdown...),
		}
	}

	for _, f := range req.FlexibleItems {
		if summary.hasFlexible(f.ID) {
			return out, generic.NewConflictError("flexible item", f.ID)
		}
		summary.Flexible = append(summary.Flexible, FlexiblePaid{
			ID:        f.ID,
			HeadID:    f.HeadID,
			Label:     f.Label,
			Amount:    f.Amount,
			ReceiptNo: receiptNo,
			PaidAt:    at,
		})
		out.lines = append(out.lines, FlexibleAllocation{ItemID: f.ID, HeadID: f.HeadID, Label: f.Label, Amount: f.Amount})
	}

	periods := make([]string, 0, len(req.Months))
	for _, m := range req.Months {
		periods = append(periods, m.Key)
	}
	sort.Strings(periods)

	pendingBefore := decimal.Zero
	for _, p := range periods {
		pendingBefore = pendingBefore.Add(summary.Months[p].Pending())
	}

	remaining := req.Payment.PaidAmount.Sub(req.flexibleTotal())
	cash := spread(summary, periods, remaining)
	spent := generic.Sum(mapValues(cash)...)
	if left := remaining.Sub(spent); left.IsPositive() {
		return out, generic.NewValidationError("payment.paidAmount", "exceeds outstanding balance by "+left.StringFixed(2))
	}

	discount := discountAmount(req.Payment, pendingBefore)
	disc := spread(summary, periods, discount)
	out.discount = generic.Sum(mapValues(disc)...)

	for _, p := range periods {
		c, d := cash[p], disc[p]
		paidNow := !c.IsZero() || !d.IsZero()
		if !paidNow && !billed[p] {
			continue
		}
		m := summary.Months[p]
		m.Status = statusFor(m.Paid, m.Total)
		summary.Months[p] = m
		out.touched = append(out.touched, p)
		if paidNow {
			out.lines = append(out.lines, MonthAllocation{Period: p, Amount: c, Discount: d, Status: m.Status})
		}
	}

	summary.Recompute()
	summary.UpdatedAt = at
	return out, nil
}

// spread pays amount into periods oldest first and returns what each took.
func spread(summary *SessionSummary, periods []string, amount decimal.Decimal) map[string]decimal.Decimal {
	taken := make(map[string]decimal.Decimal)
	remaining := amount
	for _, p := range periods {
		if !remaining.IsPositive() {
			break
		}
		m := summary.Months[p]
		pending := m.Pending()
		if !pending.IsPositive() {
			continue
		}
		pay := decimal.Min(pending, remaining)
		m.Paid = m.Paid.Add(pay)
		summary.Months[p] = m
		taken[p] = pay
		remaining = remaining.Sub(pay)
	}
	return taken
}

func discountAmount(p PaymentInput, pending decimal.Decimal) decimal.Decimal {
	switch p.DiscountType {
	case DiscountFlat:
		return decimal.Min(p.DiscountValue, pending)
	case DiscountPercent:
		return decimal.Min(pending.Mul(p.DiscountValue).Div(decimal.NewFromInt(100)).Round(2), pending)
	}
	return decimal.Zero
}

func mapValues(m map[string]decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// =============================================================================
// COLLECTOR
// =============================================================================

// Collector runs fee collections.
type Collector struct {
	base
	seq *Sequencer
}

func NewCollector(store generic.DocStore, opts Options) *Collector {
	b := newBase(store, opts)
	return &Collector{base: b, seq: NewSequencer(b.clock)}
}

// Collect allocates a payment and returns the issued receipt.
func (c *Collector) Collect(ctx context.Context, scope generic.Scope, req CollectRequest) (*CollectResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	mode := normalizeMode(req.Payment.PayMode)

	var result *CollectResult
	err := c.store.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		now := c.clock()
		paymentID := req.IdempotencyKey
		if paymentID == "" {
			paymentID = c.newID()
		}

		// Read phase.
		if req.IdempotencyKey != "" {
			var prior Payment
			found, err := tx.Get(ctx, paymentsCol(scope.BranchID), req.IdempotencyKey, &prior)
			if err != nil {
				return err
			}
			if found {
				return &DuplicatePaymentError{PaymentID: prior.ID, ReceiptNo: prior.ReceiptNo}
			}
		}
		receipt, err := c.seq.Reserve(ctx, tx, scope, req.SessionID)
		if err != nil {
			return err
		}
		stored := newSessionSummary(req.StudentID, req.SessionID)
		if _, err := tx.Get(ctx, summariesCol(scope.BranchID), summaryID(req.StudentID, req.SessionID), &stored); err != nil {
			return err
		}
		if stored.Months == nil {
			stored.Months = make(map[string]MonthState)
		}

		// Compute phase.
		summary := stored.Clone()
		alloc, err := allocate(&summary, req, receipt.Number, now)
		if err != nil {
			return err
		}
		date := generic.DayKey(now)
		paid := req.Payment.PaidAmount

		// Write phase.
		if err := c.seq.Stage(tx, receipt); err != nil {
			return err
		}
		if err := tx.Set(summariesCol(scope.BranchID), summaryID(req.StudentID, req.SessionID), summary); err != nil {
			return err
		}
		for _, p := range alloc.touched {
			due := dueFromMonth(req.StudentID, req.SessionID, p, summary.Months[p], now)
			if err := tx.Set(duesCol(scope.BranchID), dueID(req.StudentID, req.SessionID, p), due); err != nil {
				return err
			}
		}
		if err := stageDayBook(tx, scope.BranchID, date, "collections", mode, paid); err != nil {
			return err
		}
		if err := c.ledger.Append(tx, generic.LedgerEntry{
			ID:        c.newID(),
			BranchID:  scope.BranchID,
			Date:      date,
			Direction: generic.Credit,
			Type:      generic.EntryPayment,
			Amount:    paid,
			PayMode:   mode,
			StudentID: req.StudentID,
			SessionID: req.SessionID,
			ReceiptNo: receipt.Number,
			PaymentID: paymentID,
			Remark:    req.Payment.Remark,
			CreatedBy: scope.UID,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		discountType := req.Payment.DiscountType
		if discountType == "" {
			discountType = DiscountNone
		}
		payment := Payment{
			ID:             paymentID,
			ReceiptNo:      receipt.Number,
			BranchID:       scope.BranchID,
			StudentID:      req.StudentID,
			SessionID:      req.SessionID,
			Items:          alloc.lines,
			PaidAmount:     paid,
			Discount:       alloc.discount,
			DiscountType:   discountType,
			DiscountValue:  req.Payment.DiscountValue,
			PayMode:        mode,
			Remark:         req.Payment.Remark,
			RefundedAmount: decimal.Zero,
			CollectedBy:    scope.UID,
			CollectedAt:    now,
			Date:           date,
		}
		if err := tx.Create(paymentsCol(scope.BranchID), paymentID, payment); err != nil {
			return err
		}

		result = &CollectResult{
			ReceiptNo:   receipt.Number,
			PaymentID:   paymentID,
			Allocations: alloc.lines,
			Discount:    alloc.discount,
			Totals:      summary.Totals,
		}
		return nil
	})
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"branch":  scope.BranchID,
			"student": req.StudentID,
			"session": req.SessionID,
			"error":   err,
		}).Warn("fee collection failed")
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"branch":  scope.BranchID,
		"student": req.StudentID,
		"session": req.SessionID,
		"receipt": result.ReceiptNo,
		"amount":  req.Payment.PaidAmount.String(),
	}).Info("fee collected")
	return result, nil
}

// stageDayBook increments one side ("collections" or "refunds") of the
// day-book. Refunds reduce net.
func stageDayBook(tx generic.Tx, branchID, date, side, mode string, amount decimal.Decimal) error {
	col := dayBookCol(branchID)
	net := amount
	if side == "refunds" {
		net = amount.Neg()
	}
	if err := tx.Increment(col, date, side+".total", amount); err != nil {
		return err
	}
	if err := tx.Increment(col, date, side+".byMode."+mode, amount); err != nil {
		return err
	}
	if err := tx.Increment(col, date, "net", net); err != nil {
		return err
	}
	return tx.Increment(col, date, "transactions", decimal.NewFromInt(1))
}
