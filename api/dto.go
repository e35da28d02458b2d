/*
dto.go - Request bodies for the HTTP API

PURPOSE:
  Request types decouple the wire contract from the engine types. Each
  one carries validator tags checked before the engine is called, and a
  method converting it to the engine request. Engines validate again;
  the tags only catch malformed input early with a field name.

CUSTOM TAGS:
  dpos   decimal.Decimal > 0
  dnneg  decimal.Decimal >= 0
  period YYYY-MM
  day    Mon..Sun (any case, short or long)

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/school-ledger/fees"
	"github.com/warp/school-ledger/generic"
	"github.com/warp/school-ledger/promotion"
	"github.com/warp/school-ledger/timetable"
)

// newValidator returns a validator with the decimal and calendar tags.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("dpos", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	_ = v.RegisterValidation("dnneg", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && !d.IsNegative()
	})
	_ = v.RegisterValidation("period", func(fl validator.FieldLevel) bool {
		return generic.ValidPeriodKey(fl.Field().String())
	})
	_ = v.RegisterValidation("day", func(fl validator.FieldLevel) bool {
		_, ok := timetable.ParseDay(fl.Field().String())
		return ok
	})
	return v
}

// =============================================================================
// FEES
// =============================================================================

type HeadAmountDTO struct {
	HeadID   string          `json:"headId" validate:"required"`
	HeadName string          `json:"headName"`
	Amount   decimal.Decimal `json:"amount" validate:"dnneg"`
}

type MonthDTO struct {
	Key       string          `json:"key" validate:"period"`
	Total     decimal.Decimal `json:"total" validate:"dnneg"`
	Breakdown []HeadAmountDTO `json:"breakdown" validate:"dive"`
}

type FlexibleItemDTO struct {
	ID     string          `json:"id" validate:"required"`
	HeadID string          `json:"headId"`
	Label  string          `json:"label"`
	Amount decimal.Decimal `json:"amount" validate:"dpos"`
}

type PaymentDTO struct {
	PaidAmount    decimal.Decimal `json:"paidAmount" validate:"dpos"`
	PayType       string          `json:"payType" validate:"required,max=32"`
	DiscountType  string          `json:"discountType" validate:"omitempty,oneof=none flat percent"`
	DiscountValue decimal.Decimal `json:"discountValue" validate:"dnneg"`
	Remark        string          `json:"remark" validate:"max=500"`
}

// CollectFeeRequest is the body of POST /api/fees/collect.
type CollectFeeRequest struct {
	StudentID      string            `json:"studentId" validate:"required"`
	SessionID      string            `json:"sessionId" validate:"required"`
	Months         []MonthDTO        `json:"months" validate:"dive"`
	FlexibleItems  []FlexibleItemDTO `json:"flexibleItems" validate:"dive"`
	Payment        PaymentDTO        `json:"payment"`
	IdempotencyKey string            `json:"idempotencyKey" validate:"omitempty,max=128"`
}

func (r CollectFeeRequest) toDomain() fees.CollectRequest {
	out := fees.CollectRequest{
		StudentID: r.StudentID,
		SessionID: r.SessionID,
		Payment: fees.PaymentInput{
			PaidAmount:    r.Payment.PaidAmount,
			PayMode:       r.Payment.PayType,
			DiscountType:  fees.DiscountType(r.Payment.DiscountType),
			DiscountValue: r.Payment.DiscountValue,
			Remark:        r.Payment.Remark,
		},
		IdempotencyKey: r.IdempotencyKey,
	}
	for _, m := range r.Months {
		in := fees.MonthInput{Key: m.Key, Total: m.Total}
		for _, b := range m.Breakdown {
			in.Breakdown = append(in.Breakdown, fees.HeadAmount{HeadID: b.HeadID, HeadName: b.HeadName, Amount: b.Amount})
		}
		out.Months = append(out.Months, in)
	}
	for _, f := range r.FlexibleItems {
		out.FlexibleItems = append(out.FlexibleItems, fees.FlexibleItem{ID: f.ID, HeadID: f.HeadID, Label: f.Label, Amount: f.Amount})
	}
	return out
}

// RefundFeeRequest is the body of POST /api/fees/refund.
type RefundFeeRequest struct {
	PaymentID   string                     `json:"paymentId" validate:"required"`
	StudentID   string                     `json:"studentId" validate:"required"`
	SessionID   string                     `json:"sessionId" validate:"required"`
	RefundItems map[string]decimal.Decimal `json:"refundItems" validate:"required,min=1,dive,keys,period,endkeys,dnneg"`
	TotalRefund decimal.Decimal            `json:"totalRefund" validate:"dpos"`
	PayType     string                     `json:"payType" validate:"max=32"`
	Remark      string                     `json:"remark" validate:"max=500"`
}

func (r RefundFeeRequest) toDomain() fees.RefundRequest {
	return fees.RefundRequest{
		PaymentID:   r.PaymentID,
		StudentID:   r.StudentID,
		SessionID:   r.SessionID,
		Items:       r.RefundItems,
		TotalRefund: r.TotalRefund,
		PayMode:     r.PayType,
		Remark:      r.Remark,
	}
}

type FeeHeadRequest struct {
	Name       string `json:"name" validate:"required,max=100"`
	Category   string `json:"category" validate:"max=100"`
	Frequency  string `json:"frequency" validate:"required,oneof=monthly one-time quarterly half-yearly yearly"`
	Type       string `json:"type" validate:"required,oneof=fixed flexible"`
	Refundable bool   `json:"refundable"`
}

func (r FeeHeadRequest) toDomain() fees.FeeHead {
	return fees.FeeHead{
		Name:       r.Name,
		Category:   r.Category,
		Frequency:  fees.Frequency(r.Frequency),
		Type:       fees.HeadType(r.Type),
		Refundable: r.Refundable,
	}
}

type TemplateItemDTO struct {
	HeadID string          `json:"headId" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"dnneg"`
}

type FeeTemplateRequest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name" validate:"required,max=100"`
	ClassID      string            `json:"classId" validate:"required"`
	SectionID    string            `json:"sectionId"`
	AcademicYear string            `json:"academicYear" validate:"required"`
	Items        []TemplateItemDTO `json:"items" validate:"required,min=1,dive"`
}

func (r FeeTemplateRequest) toDomain() fees.FeeTemplate {
	tpl := fees.FeeTemplate{ID: r.ID, Name: r.Name, ClassID: r.ClassID, SectionID: r.SectionID, AcademicYear: r.AcademicYear}
	for _, it := range r.Items {
		tpl.Items = append(tpl.Items, fees.TemplateItem{HeadID: it.HeadID, Amount: it.Amount})
	}
	return tpl
}

type AssignTemplateRequest struct {
	StudentID  string `json:"studentId" validate:"required"`
	TemplateID string `json:"templateId" validate:"required"`
	SessionID  string `json:"sessionId" validate:"required"`
}

type SweepRequest struct {
	AsOfPeriod string `json:"asOfPeriod" validate:"period"`
}

// =============================================================================
// TIMETABLE
// =============================================================================

type EntryDTO struct {
	TeacherID string `json:"teacherId" validate:"required"`
	SubjectID string `json:"subjectId" validate:"required"`
}

type PeriodDTO struct {
	Period  int        `json:"period" validate:"min=1"`
	Entries []EntryDTO `json:"entries" validate:"dive"`
}

// SaveTimetableRequest is the body of PUT /api/timetable/classes/{classId}/sections/{sectionId}.
type SaveTimetableRequest struct {
	Days map[string][]PeriodDTO `json:"days" validate:"dive,keys,day,endkeys,dive"`
}

func (r SaveTimetableRequest) toDomain(classID, sectionID string) timetable.SaveRequest {
	out := timetable.SaveRequest{ClassID: classID, SectionID: sectionID, Days: make(map[timetable.Day][]timetable.PeriodSlot, len(r.Days))}
	for name, periods := range r.Days {
		day, _ := timetable.ParseDay(name)
		for _, p := range periods {
			slot := timetable.PeriodSlot{Period: p.Period}
			for _, e := range p.Entries {
				slot.Entries = append(slot.Entries, timetable.Entry{TeacherID: e.TeacherID, SubjectID: e.SubjectID})
			}
			out.Days[day] = append(out.Days[day], slot)
		}
	}
	return out
}

type MappingRequest struct {
	SubjectID      string `json:"subjectId" validate:"required"`
	TeacherID      string `json:"teacherId" validate:"required"`
	ClassID        string `json:"classId" validate:"required"`
	SectionID      string `json:"sectionId"`
	PeriodsPerWeek int    `json:"periodsPerWeek" validate:"min=0,max=112"`
}

func (r MappingRequest) toDomain() timetable.MappingRequest {
	return timetable.MappingRequest{
		SubjectID:      r.SubjectID,
		TeacherID:      r.TeacherID,
		ClassID:        r.ClassID,
		SectionID:      r.SectionID,
		PeriodsPerWeek: r.PeriodsPerWeek,
	}
}

// =============================================================================
// PROMOTION
// =============================================================================

type PromotionRequest struct {
	ToSession string `json:"toSession" validate:"required"`
}

type SessionRequest struct {
	Session string `json:"session" validate:"required,max=32"`
}

type ClassRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name" validate:"required,max=64"`
	Order int    `json:"order" validate:"min=0"`
}

func (r ClassRequest) toDomain() promotion.Class {
	return promotion.Class{ID: r.ID, Name: r.Name, Order: r.Order}
}

// =============================================================================
// RESPONSES
// =============================================================================

// MeResponse describes the authenticated caller.
type MeResponse struct {
	UID         string   `json:"uid"`
	SchoolID    string   `json:"schoolId"`
	BranchID    string   `json:"branchId"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

type SweepResponse struct {
	Marked int `json:"marked"`
}
