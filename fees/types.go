/*
Package fees implements the branch fee ledger: receipt numbering, payment
allocation, refund reversal and the fee catalog.

PURPOSE:
  A payment arrives for one student and one academic session. It is
  spread across one-off (flexible) charges and monthly dues, and every
  derived view is updated in the same transaction:

    SessionSummary  - per student+session aggregate (months, flexible, totals)
    Due             - per student+session+period snapshot
    DayBook         - per branch per day cash rollup (atomic increments)
    LedgerEntry     - append-only audit trail (generic.Ledger)
    Payment/Refund  - immutable records

COLLECTIONS (all under branches/{branchId}/):
  feeHeads, feeTemplates, feeAssignments, activeAssignments, feeSummaries, dues,
  payments, refunds, dayBook, counters, ledger

KEY INVARIANTS:
  1. totals.totalFee == sum(months[*].total)
     totals.totalPaid == sum(months[*].paid)
     totals.totalDue == totalFee - totalPaid
     Totals are always recomputed from months, never adjusted in place.
  2. Due status follows paid: 0 -> due, 0 < paid < total -> partial,
     paid >= total -> paid. Only a refund forces "due" and only the
     overdue sweep sets "overdue".
  3. Payments, refunds and ledger entries are created, never replaced.
  4. day-book net == collections.total - refunds.total, reproducible
     from the ledger entries of that date.

SEE ALSO:
  - collect.go: allocation engine
  - refund.go: refund reversal engine
  - receipt.go: receipt sequencer
  - daybook.go: day-book replay and verification
*/
package fees

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/school-ledger/generic"
)

// =============================================================================
// COLLECTIONS
// =============================================================================

const receiptCounterID = "receipt"

func branchesCol() generic.Collection { return generic.Path("branches") }

func headsCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "feeHeads")
}

func templatesCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "feeTemplates")
}

func assignmentsCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "feeAssignments")
}

func activeAssignmentsCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "activeAssignments")
}

func summariesCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "feeSummaries")
}

func duesCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "dues")
}

func paymentsCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "payments")
}

func refundsCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "refunds")
}

func dayBookCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "dayBook")
}

func countersCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "counters")
}

func summaryID(studentID, sessionID string) string {
	return generic.DocID(studentID, sessionID)
}

func dueID(studentID, sessionID, period string) string {
	return generic.DocID(studentID, sessionID, period)
}

// =============================================================================
// BRANCH
// =============================================================================

// Branch is the tenant unit owning fee data. Code appears in receipt numbers.
type Branch struct {
	ID       string `json:"id"`
	SchoolID string `json:"schoolId"`
	Name     string `json:"name"`
	Code     string `json:"code"`
}

// =============================================================================
// CATALOG
// =============================================================================

type Frequency string

const (
	FrequencyMonthly    Frequency = "monthly"
	FrequencyOneTime    Frequency = "one-time"
	FrequencyQuarterly  Frequency = "quarterly"
	FrequencyHalfYearly Frequency = "half-yearly"
	FrequencyYearly     Frequency = "yearly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyMonthly, FrequencyOneTime, FrequencyQuarterly, FrequencyHalfYearly, FrequencyYearly:
		return true
	}
	return false
}

type HeadType string

const (
	HeadFixed    HeadType = "fixed"
	HeadFlexible HeadType = "flexible"
)

// FeeHead is a named charge category. Frequency and Type are frozen once
// a template references the head.
type FeeHead struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	Frequency  Frequency `json:"frequency"`
	Type       HeadType  `json:"type"`
	Refundable bool      `json:"refundable"`
	Referenced bool      `json:"referenced"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type TemplateItem struct {
	HeadID    string          `json:"headId"`
	HeadName  string          `json:"headName"`
	Amount    decimal.Decimal `json:"amount"`
	Frequency Frequency       `json:"frequency"`
}

// FeeTemplate lists the charges for a class/section/academic year.
// Editing a template never touches dues already generated from it.
type FeeTemplate struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	ClassID      string         `json:"classId"`
	SectionID    string         `json:"sectionId,omitempty"`
	AcademicYear string         `json:"academicYear"`
	Items        []TemplateItem `json:"items"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// MonthlyTotal is the sum of the template's monthly items.
func (t FeeTemplate) MonthlyTotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range t.Items {
		if it.Frequency == FrequencyMonthly {
			total = total.Add(it.Amount)
		}
	}
	return total
}

type AssignmentStatus string

const (
	AssignmentActive   AssignmentStatus = "active"
	AssignmentInactive AssignmentStatus = "inactive"
)

// FeeAssignment binds a student to a template. At most one is active per student.
type FeeAssignment struct {
	ID            string           `json:"id"`
	StudentID     string           `json:"studentId"`
	TemplateID    string           `json:"templateId"`
	SessionID     string           `json:"sessionId"`
	Status        AssignmentStatus `json:"status"`
	AssignedBy    string           `json:"assignedBy"`
	AssignedAt    time.Time        `json:"assignedAt"`
	DeactivatedAt *time.Time       `json:"deactivatedAt,omitempty"`
}

// activeAssignment is keyed by student ID and names the active assignment.
// Every assign reads and rewrites it in its transaction.
type activeAssignment struct {
	AssignmentID string    `json:"assignmentId"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// =============================================================================
// SUMMARY & DUES
// =============================================================================

type DueStatus string

const (
	StatusDue     DueStatus = "due"
	StatusPartial DueStatus = "partial"
	StatusPaid    DueStatus = "paid"
	StatusOverdue DueStatus = "overdue"
)

// statusFor derives the status of a period from its amounts.
func statusFor(paid, total decimal.Decimal) DueStatus {
	switch {
	case !paid.IsPositive():
		return StatusDue
	case paid.LessThan(total):
		return StatusPartial
	default:
		return StatusPaid
	}
}

// HeadAmount is one line of a period's charge breakdown.
type HeadAmount struct {
	HeadID   string          `json:"headId"`
	HeadName string          `json:"headName"`
	Amount   decimal.Decimal `json:"amount"`
}

// MonthState is one billing period inside a SessionSummary.
type MonthState struct {
	Total         decimal.Decimal `json:"total"`
	Paid          decimal.Decimal `json:"paid"`
	Status        DueStatus       `json:"status"`
	HeadsSnapshot []HeadAmount    `json:"headsSnapshot,omitempty"`
}

// Pending is what is still owed for the period.
func (m MonthState) Pending() decimal.Decimal {
	return generic.ClampZero(m.Total.Sub(m.Paid))
}

// FlexiblePaid is a settled one-off charge.
type FlexiblePaid struct {
	ID        string          `json:"id"`
	HeadID    string          `json:"headId,omitempty"`
	Label     string          `json:"label"`
	Amount    decimal.Decimal `json:"amount"`
	ReceiptNo string          `json:"receiptNo"`
	PaidAt    time.Time       `json:"paidAt"`
}

type Totals struct {
	TotalFee  decimal.Decimal `json:"totalFee"`
	TotalPaid decimal.Decimal `json:"totalPaid"`
	TotalDue  decimal.Decimal `json:"totalDue"`
}

// SessionSummary is the per student+session fee aggregate.
type SessionSummary struct {
	StudentID string                `json:"studentId"`
	SessionID string                `json:"sessionId"`
	Months    map[string]MonthState `json:"months"`
	Flexible  []FlexiblePaid        `json:"flexible"`
	Totals    Totals                `json:"totals"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

func newSessionSummary(studentID, sessionID string) SessionSummary {
	return SessionSummary{
		StudentID: studentID,
		SessionID: sessionID,
		Months:    make(map[string]MonthState),
	}
}

// Clone returns a deep copy; engines compute on the copy.
func (s SessionSummary) Clone() SessionSummary {
	out := s
	out.Months = make(map[string]MonthState, len(s.Months))
	for k, m := range s.Months {
		m.HeadsSnapshot = append([]HeadAmount(nil), m.HeadsSnapshot...)
		out.Months[k] = m
	}
	out.Flexible = append([]FlexiblePaid(nil), s.Flexible...)
	return out
}

// Recompute rebuilds Totals from Months.
func (s *SessionSummary) Recompute() {
	fee, paid := decimal.Zero, decimal.Zero
	for _, m := range s.Months {
		fee = fee.Add(m.Total)
		paid = paid.Add(m.Paid)
	}
	s.Totals = Totals{TotalFee: fee, TotalPaid: paid, TotalDue: fee.Sub(paid)}
}

// Periods returns the month keys in chronological order.
func (s SessionSummary) Periods() []string {
	keys := make([]string, 0, len(s.Months))
	for k := range s.Months {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s SessionSummary) hasFlexible(id string) bool {
	for _, f := range s.Flexible {
		if f.ID == id {
			return true
		}
	}
	return false
}

// Due is the per-period outstanding balance of one student.
type Due struct {
	StudentID     string          `json:"studentId"`
	SessionID     string          `json:"sessionId"`
	Period        string          `json:"period"`
	Total         decimal.Decimal `json:"total"`
	Paid          decimal.Decimal `json:"paid"`
	Due           decimal.Decimal `json:"due"`
	Status        DueStatus       `json:"status"`
	HeadsSnapshot []HeadAmount    `json:"headsSnapshot,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func dueFromMonth(studentID, sessionID, period string, m MonthState, now time.Time) Due {
	return Due{
		StudentID:     studentID,
		SessionID:     sessionID,
		Period:        period,
		Total:         m.Total,
		Paid:          m.Paid,
		Due:           m.Pending(),
		Status:        m.Status,
		HeadsSnapshot: m.HeadsSnapshot,
		UpdatedAt:     now,
	}
}

// =============================================================================
// ALLOCATION LINES - tagged variants
// =============================================================================

type AllocationKind string

const (
	KindFlexible AllocationKind = "flexible"
	KindMonth    AllocationKind = "month"
)

// AllocationLine is one use of a payment: a FlexibleAllocation or a MonthAllocation.
type AllocationLine interface {
	Kind() AllocationKind
	isAllocationLine()
}

// FlexibleAllocation settles a one-off charge in full.
type FlexibleAllocation struct {
	ItemID string          `json:"itemId"`
	HeadID string          `json:"headId,omitempty"`
	Label  string          `json:"label"`
	Amount decimal.Decimal `json:"amount"`
}

func (FlexibleAllocation) Kind() AllocationKind { return KindFlexible }
func (FlexibleAllocation) isAllocationLine()    {}

// MonthAllocation applies cash (and possibly discount) to a billing period.
type MonthAllocation struct {
	Period   string          `json:"period"`
	Amount   decimal.Decimal `json:"amount"`
	Discount decimal.Decimal `json:"discount"`
	Status   DueStatus       `json:"status"`
}

func (MonthAllocation) Kind() AllocationKind { return KindMonth }
func (MonthAllocation) isAllocationLine()    {}

// AllocationLines serializes each line with a "type" discriminator.
type AllocationLines []AllocationLine

// CashTotal is the cash consumed by the lines.
func (ls AllocationLines) CashTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range ls {
		switch v := l.(type) {
		case FlexibleAllocation:
			total = total.Add(v.Amount)
		case MonthAllocation:
			total = total.Add(v.Amount)
		}
	}
	return total
}

// Months returns the month lines.
func (ls AllocationLines) Months() []MonthAllocation {
	var out []MonthAllocation
	for _, l := range ls {
		if m, ok := l.(MonthAllocation); ok {
			out = append(out, m)
		}
	}
	return out
}

func (ls AllocationLines) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(ls))
	for _, l := range ls {
		var v any
		switch t := l.(type) {
		case FlexibleAllocation:
			v = struct {
				Type AllocationKind `json:"type"`
				FlexibleAllocation
			}{KindFlexible, t}
		case MonthAllocation:
			v = struct {
				Type AllocationKind `json:"type"`
				MonthAllocation
			}{KindMonth, t}
		default:
			return nil, fmt.Errorf("unknown allocation line %T", l)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return json.Marshal(out)
}

func (ls *AllocationLines) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	lines := make(AllocationLines, 0, len(raw))
	for _, r := range raw {
		var head struct {
			Type AllocationKind `json:"type"`
		}
		if err := json.Unmarshal(r, &head); err != nil {
			return err
		}
		switch head.Type {
		case KindFlexible:
			var f FlexibleAllocation
			if err := json.Unmarshal(r, &f); err != nil {
				return err
			}
			lines = append(lines, f)
		case KindMonth:
			var m MonthAllocation
			if err := json.Unmarshal(r, &m); err != nil {
				return err
			}
			lines = append(lines, m)
		default:
			return fmt.Errorf("unknown allocation type %q", head.Type)
		}
	}
	*ls = lines
	return nil
}

// =============================================================================
// PAYMENTS, REFUNDS, DAY-BOOK
// =============================================================================

type DiscountType string

const (
	DiscountNone    DiscountType = "none"
	DiscountFlat    DiscountType = "flat"
	DiscountPercent DiscountType = "percent"
)

// Payment is the immutable record of one collection. Only RefundedAmount
// changes afterwards, and only upwards.
type Payment struct {
	ID             string          `json:"id"`
	ReceiptNo      string          `json:"receiptNo"`
	BranchID       string          `json:"branchId"`
	StudentID      string          `json:"studentId"`
	SessionID      string          `json:"sessionId"`
	Items          AllocationLines `json:"items"`
	PaidAmount     decimal.Decimal `json:"paidAmount"`
	Discount       decimal.Decimal `json:"discount"`
	DiscountType   DiscountType    `json:"discountType"`
	DiscountValue  decimal.Decimal `json:"discountValue"`
	PayMode        string          `json:"payMode"`
	Remark         string          `json:"remark,omitempty"`
	RefundedAmount decimal.Decimal `json:"refundedAmount"`
	CollectedBy    string          `json:"collectedBy"`
	CollectedAt    time.Time       `json:"collectedAt"`
	Date           string          `json:"date"`
}

// Refundable is the cash not yet refunded.
func (p Payment) Refundable() decimal.Decimal {
	return generic.ClampZero(p.PaidAmount.Sub(p.RefundedAmount))
}

// Refund is the immutable record of one reversal against a payment.
type Refund struct {
	ID          string                     `json:"id"`
	PaymentID   string                     `json:"paymentId"`
	ReceiptNo   string                     `json:"receiptNo"`
	BranchID    string                     `json:"branchId"`
	StudentID   string                     `json:"studentId"`
	SessionID   string                     `json:"sessionId"`
	Items       map[string]decimal.Decimal `json:"refundItems"`
	TotalRefund decimal.Decimal            `json:"totalRefund"`
	PayMode     string                     `json:"payMode"`
	Remark      string                     `json:"remark,omitempty"`
	RefundedBy  string                     `json:"refundedBy"`
	RefundedAt  time.Time                  `json:"refundedAt"`
	Date        string                     `json:"date"`
}

type ModeTotals struct {
	Total  decimal.Decimal            `json:"total"`
	ByMode map[string]decimal.Decimal `json:"byMode,omitempty"`
}

func (m *ModeTotals) add(mode string, amount decimal.Decimal) {
	m.Total = m.Total.Add(amount)
	if m.ByMode == nil {
		m.ByMode = make(map[string]decimal.Decimal)
	}
	m.ByMode[mode] = m.ByMode[mode].Add(amount)
}

// DayBook is the per branch per day cash rollup. It is maintained with
// atomic increments only.
type DayBook struct {
	Date         string          `json:"date"`
	Collections  ModeTotals      `json:"collections"`
	Refunds      ModeTotals      `json:"refunds"`
	Net          decimal.Decimal `json:"net"`
	Transactions int64           `json:"transactions"`
}

// normalizeMode makes a pay mode safe to use as a field path segment.
func normalizeMode(mode string) string {
	m := strings.ToLower(strings.TrimSpace(mode))
	return strings.NewReplacer(".", "_", " ", "_").Replace(m)
}

// =============================================================================
// ENGINE PLUMBING
// =============================================================================

// Options configures the fee engines.
type Options struct {
	Clock  generic.Clock
	Logger logrus.FieldLogger
	NewID  func() string
}

type base struct {
	store  generic.DocStore
	ledger *generic.Ledger
	clock  generic.Clock
	log    logrus.FieldLogger
	newID  func() string
}

func newBase(store generic.DocStore, opts Options) base {
	b := base{
		store:  store,
		ledger: generic.NewLedger(store),
		clock:  opts.Clock,
		log:    generic.LoggerOr(opts.Logger),
		newID:  opts.NewID,
	}
	if b.clock == nil {
		b.clock = generic.SystemClock
	}
	if b.newID == nil {
		b.newID = uuid.NewString
	}
	return b
}
