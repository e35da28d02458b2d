/*
handlers.go - HTTP handlers for the fee, timetable and promotion engines

PURPOSE:
  Exposes the engines via a REST API. Handlers decode and validate the
  body, take the tenant scope from the authenticated actor, call exactly
  one engine operation and serialize the result.

ENDPOINTS (all under /api, bearer token required):
  Fees:
    POST   /fees/collect                                   fees.collect
    POST   /fees/refund                                    fees.refund
    GET    /fees/students/{studentId}/sessions/{sessionId}/summary   fees.view
    GET    /fees/students/{studentId}/sessions/{sessionId}/dues      fees.view
    GET    /fees/students/{studentId}/sessions/{sessionId}/payments  fees.view
    GET    /fees/students/{studentId}/assignment           fees.view
    GET    /fees/payments/{paymentId}                      fees.view
    GET    /fees/daybook/{date}[/verify]                   daybook.view
    GET    /fees/ledger/{date}                             daybook.view
    POST   /fees/overdue/sweep                             fees.manage
    GET|POST /fees/heads, PATCH|DELETE /fees/heads/{id}    fees.view / fees.manage
    GET|POST /fees/templates, POST /fees/assignments       fees.view / fees.manage

  Timetable:
    GET|PUT /timetable/classes/{classId}/sections/{sectionId}  timetable.view / timetable.edit
    GET    /timetable/teachers/{teacherId}                 timetable.view
    GET    /timetable/periods/{day}/{period}               timetable.view
    GET|POST /timetable/mappings, DELETE /timetable/mappings/{id}

  Promotion:
    POST   /promotion/preview                              promotion.preview
    POST   /promotion/run                                  promotion.run
    POST   /sessions, PUT /sessions/current                sessions.manage
    GET|POST /classes                                      sessions.manage

REQUEST FLOW:
  1. authenticate: token -> actor (middleware.go)
  2. require: permission check per route
  3. decode + validate body (dto.go)
  4. engine call with actor.Scope()
  5. writeJSON / writeError (errors.go)

SEE ALSO:
  - server.go: router and middleware stack
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/school-ledger/access"
	"github.com/warp/school-ledger/fees"
	"github.com/warp/school-ledger/generic"
	"github.com/warp/school-ledger/promotion"
	"github.com/warp/school-ledger/timetable"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the engines and the collaborators every route needs.
type Handler struct {
	collector *fees.Collector
	refunder  *fees.Refunder
	reader    *fees.Reader
	catalog   *fees.Catalog
	auditor   *fees.DayBookAuditor
	sweeper   *fees.OverdueSweeper
	resolver  *timetable.Resolver
	promoter  *promotion.Engine

	gate     *access.Gate
	tokens   *access.Tokens
	validate *validator.Validate
	metrics  *Metrics
	log      logrus.FieldLogger
}

// Deps configures NewHandler.
type Deps struct {
	Store   generic.DocStore
	Tokens  *access.Tokens
	Clock   generic.Clock
	Logger  logrus.FieldLogger
	Metrics *Metrics
}

func NewHandler(d Deps) *Handler {
	log := generic.LoggerOr(d.Logger)
	feeOpts := fees.Options{Clock: d.Clock, Logger: log}
	metrics := d.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Handler{
		collector: fees.NewCollector(d.Store, feeOpts),
		refunder:  fees.NewRefunder(d.Store, feeOpts),
		reader:    fees.NewReader(d.Store, feeOpts),
		catalog:   fees.NewCatalog(d.Store, feeOpts),
		auditor:   fees.NewDayBookAuditor(d.Store, feeOpts),
		sweeper:   fees.NewOverdueSweeper(d.Store, feeOpts),
		resolver:  timetable.NewResolver(d.Store, timetable.Options{Clock: d.Clock, Logger: log}),
		promoter:  promotion.NewEngine(d.Store, promotion.Options{Clock: d.Clock, Logger: log}),
		gate:      access.NewGate(d.Store, log),
		tokens:    d.Tokens,
		validate:  newValidator(),
		metrics:   metrics,
		log:       log,
	}
}

// decode reads a JSON body into dst and runs the validator on it.
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return generic.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return h.validate.Struct(dst)
}

// =============================================================================
// IDENTITY
// =============================================================================

// Me returns the authenticated caller.
// GET /api/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	actor, _ := access.ActorFrom(r.Context())
	resp := MeResponse{UID: actor.UID, SchoolID: actor.SchoolID, BranchID: actor.BranchID, Role: actor.Role, Permissions: []string{}}
	for _, p := range actor.PermissionList() {
		resp.Permissions = append(resp.Permissions, string(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// FEE COLLECTION & REFUND
// =============================================================================

// CollectFee allocates a payment and issues a receipt.
// POST /api/fees/collect
func (h *Handler) CollectFee(w http.ResponseWriter, r *http.Request) {
	var req CollectFeeRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	res, err := h.collector.Collect(r.Context(), s, req.toDomain())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	h.metrics.collections.WithLabelValues(s.BranchID).Inc()
	writeJSON(w, http.StatusCreated, res)
}

// RefundFee reverses allocations of a payment.
// POST /api/fees/refund
func (h *Handler) RefundFee(w http.ResponseWriter, r *http.Request) {
	var req RefundFeeRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	res, err := h.refunder.Refund(r.Context(), s, req.toDomain())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	h.metrics.refunds.WithLabelValues(s.BranchID).Inc()
	writeJSON(w, http.StatusCreated, res)
}

// =============================================================================
// FEE READS
// =============================================================================

// studentScope resolves the scope and applies the student self-access rule.
func studentScope(r *http.Request) (generic.Scope, string, error) {
	s, err := scope(r)
	if err != nil {
		return s, "", err
	}
	studentID := chi.URLParam(r, "studentId")
	return s, studentID, ownStudent(r, studentID)
}

// GetSummary returns a student's session summary.
// GET /api/fees/students/{studentId}/sessions/{sessionId}/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	s, studentID, err := studentScope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	summary, err := h.reader.Summary(r.Context(), s, studentID, chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetDues returns a student's per-period dues.
// GET /api/fees/students/{studentId}/sessions/{sessionId}/dues
func (h *Handler) GetDues(w http.ResponseWriter, r *http.Request) {
	s, studentID, err := studentScope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	dues, err := h.reader.Dues(r.Context(), s, studentID, chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, dues)
}

// ListPayments returns a student's payments of a session.
// GET /api/fees/students/{studentId}/sessions/{sessionId}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	s, studentID, err := studentScope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	payments, err := h.reader.Payments(r.Context(), s, studentID, chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

// GetActiveAssignment returns a student's active fee template assignment.
// GET /api/fees/students/{studentId}/assignment
func (h *Handler) GetActiveAssignment(w http.ResponseWriter, r *http.Request) {
	s, studentID, err := studentScope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	a, ok, err := h.catalog.ActiveAssignment(r.Context(), s, studentID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if !ok {
		writeError(w, r, h.log, generic.NewNotFoundError("active assignment", studentID))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetPayment returns one payment.
// GET /api/fees/payments/{paymentId}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	p, err := h.reader.Payment(r.Context(), s, chi.URLParam(r, "paymentId"))
	if err == nil {
		err = ownStudent(r, p.StudentID)
	}
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetDayBook returns the stored day-book of a date.
// GET /api/fees/daybook/{date}
func (h *Handler) GetDayBook(w http.ResponseWriter, r *http.Request) {
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	db, err := h.reader.DayBook(r.Context(), s, chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, db)
}

// VerifyDayBook compares the stored day-book with a ledger replay.
// GET /api/fees/daybook/{date}/verify
func (h *Handler) VerifyDayBook(w http.ResponseWriter, r *http.Request) {
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	v, err := h.auditor.Verify(r.Context(), s, chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetLedger returns the ledger entries of a date.
// GET /api/fees/ledger/{date}
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	entries, err := h.reader.LedgerForDate(r.Context(), s, chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// SweepOverdue marks past unpaid dues overdue.
// POST /api/fees/overdue/sweep
func (h *Handler) SweepOverdue(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	n, err := h.sweeper.Sweep(r.Context(), s, req.AsOfPeriod)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Marked: n})
}

// =============================================================================
// FEE CATALOG
// =============================================================================

// ListHeads returns the branch's fee heads.
// GET /api/fees/heads
func (h *Handler) ListHeads(w http.ResponseWriter, r *http.Request) {
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	heads, err := h.catalog.ListHeads(r.Context(), s)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, heads)
}

// CreateHead adds a fee head.
// POST /api/fees/heads
func (h *Handler) CreateHead(w http.ResponseWriter, r *http.Request) {
	var req FeeHeadRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	head, err := h.catalog.CreateHead(r.Context(), s, req.toDomain())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, head)
}

// UpdateHead changes fields of a fee head.
// PATCH /api/fees/heads/{id}
func (h *Handler) UpdateHead(w http.ResponseWriter, r *http.Request) {
	var upd fees.HeadUpdate
	if err := h.decode(r, &upd); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	head, err := h.catalog.UpdateHead(r.Context(), s, chi.URLParam(r, "id"), upd)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, head)
}

// DeleteHead removes an unreferenced fee head.
// DELETE /api/fees/heads/{id}
func (h *Handler) DeleteHead(w http.ResponseWriter, r *http.Request) {
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if err := h.catalog.DeleteHead(r.Context(), s, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTemplates returns templates, optionally of one class.
// GET /api/fees/templates?classId=
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	list, err := h.catalog.ListTemplates(r.Context(), s, r.URL.Query().Get("classId"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// SaveTemplate creates or replaces a fee template.
// POST /api/fees/templates
func (h *Handler) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	var req FeeTemplateRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	tpl, err := h.catalog.SaveTemplate(r.Context(), s, req.toDomain())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// AssignTemplate makes a template the student's active one.
// POST /api/fees/assignments
func (h *Handler) AssignTemplate(w http.ResponseWriter, r *http.Request) {
	var req AssignTemplateRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	a, err := h.catalog.AssignTemplate(r.Context(), s, req.StudentID, req.TemplateID, req.SessionID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// =============================================================================
// TIMETABLE
// =============================================================================

// SaveTimetable replaces a class/section grid.
// PUT /api/timetable/classes/{classId}/sections/{sectionId}
func (h *Handler) SaveTimetable(w http.ResponseWriter, r *http.Request) {
	var req SaveTimetableRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	res, err := h.resolver.Save(r.Context(), s, req.toDomain(chi.URLParam(r, "classId"), chi.URLParam(r, "sectionId")))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	h.metrics.displaced.Add(float64(len(res.Displaced)))
	writeJSON(w, http.StatusOK, res)
}

// GetClassTimetable returns a class/section grid.
// GET /api/timetable/classes/{classId}/sections/{sectionId}
func (h *Handler) GetClassTimetable(w http.ResponseWriter, r *http.Request) {
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	cs, err := h.resolver.ClassSchedule(r.Context(), s, chi.URLParam(r, "classId"), chi.URLParam(r, "sectionId"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

// GetTeacherTimetable returns a teacher's slots.
// GET /api/timetable/teachers/{teacherId}
func (h *Handler) GetTeacherTimetable(w http.ResponseWriter, r *http.Request) {
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	ts, err := h.resolver.TeacherSchedule(r.Context(), s, chi.URLParam(r, "teacherId"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// GetPeriodOccupants returns everyone teaching at a day and period.
// GET /api/timetable/periods/{day}/{period}
func (h *Handler) GetPeriodOccupants(w http.ResponseWriter, r *http.Request) {
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	day, ok := timetable.ParseDay(chi.URLParam(r, "day"))
	if !ok {
		writeError(w, r, h.log, generic.NewValidationError("day", "unknown day"))
		return
	}
	period, err := strconv.Atoi(chi.URLParam(r, "period"))
	if err != nil || period < 1 || period > timetable.MaxPeriod {
		writeError(w, r, h.log, generic.NewValidationError("period", "out of range"))
		return
	}
	idx, err := h.resolver.PeriodOccupants(r.Context(), s, day, period)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

// ListMappings returns subject-teacher mappings, optionally of one class.
// GET /api/timetable/mappings?classId=
func (h *Handler) ListMappings(w http.ResponseWriter, r *http.Request) {
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	list, err := h.resolver.ListMappings(r.Context(), s, r.URL.Query().Get("classId"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// AddMapping maps a teacher to a subject of a class.
// POST /api/timetable/mappings
func (h *Handler) AddMapping(w http.ResponseWriter, r *http.Request) {
	var req MappingRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	m, err := h.resolver.AddMapping(r.Context(), s, req.toDomain())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// RemoveMapping deletes a mapping.
// DELETE /api/timetable/mappings/{id}
func (h *Handler) RemoveMapping(w http.ResponseWriter, r *http.Request) {
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if err := h.resolver.RemoveMapping(r.Context(), s, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PROMOTION & SESSIONS
// =============================================================================

// PreviewPromotion computes promotion counts without writing.
// POST /api/promotion/preview
func (h *Handler) PreviewPromotion(w http.ResponseWriter, r *http.Request) {
	var req PromotionRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	p, err := h.promoter.Preview(r.Context(), s, req.ToSession)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RunPromotion promotes every student of the current session.
// POST /api/promotion/run
func (h *Handler) RunPromotion(w http.ResponseWriter, r *http.Request) {
	var req PromotionRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	res, err := h.promoter.Promote(r.Context(), s, req.ToSession)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	h.metrics.promoted.WithLabelValues("promoted").Add(float64(res.Promoted))
	h.metrics.promoted.WithLabelValues("passed_out").Add(float64(res.PassedOutCount))
	writeJSON(w, http.StatusOK, res)
}

// AddSession registers an academic session.
// POST /api/sessions
func (h *Handler) AddSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	school, err := h.promoter.AddSession(r.Context(), s, req.Session)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, school)
}

// SwitchSession sets the current academic session.
// PUT /api/sessions/current
func (h *Handler) SwitchSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	school, err := h.promoter.SwitchSession(r.Context(), s, req.Session)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, school)
}

// ListClasses returns the class ladder.
// GET /api/classes
func (h *Handler) ListClasses(w http.ResponseWriter, r *http.Request) {
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	classes, err := h.promoter.ListClasses(r.Context(), s)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, classes)
}

// SaveClass creates or updates a ladder entry.
// POST /api/classes
func (h *Handler) SaveClass(w http.ResponseWriter, r *http.Request) {
	var req ClassRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	s, err := scope(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	c, err := h.promoter.SaveClass(r.Context(), s, req.toDomain())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
