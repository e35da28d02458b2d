/*
handlers_test.go - HTTP tests for the API

Tests for:
- Authentication and per-route permissions
- Fee collection, replay rejection and refunds over HTTP
- Student self-access on fee reads
- Timetable save with displacement
- Promotion preview and run
- Scheduler jobs and metrics
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/school-ledger/access"
	"github.com/warp/school-ledger/config"
	"github.com/warp/school-ledger/fees"
	"github.com/warp/school-ledger/generic"
	"github.com/warp/school-ledger/generic/store"
	"github.com/warp/school-ledger/promotion"
	"github.com/warp/school-ledger/timetable"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2024, time.June, 10, 9, 30, 0, 0, time.UTC)

const testSecret = "test-secret"

type testServer struct {
	t       *testing.T
	mem     *store.Memory
	handler *Handler
	router  http.Handler
	tokens  *access.Tokens
}

// newTestServer seeds school-1 with branch-1 and three roles.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.Commit(context.Background(), []generic.Write{
		{Kind: generic.WriteSet, Collection: generic.Path("branches"), ID: "branch-1",
			Value: fees.Branch{ID: "branch-1", SchoolID: "school-1", Name: "Main", Code: "MAIN"}},
		{Kind: generic.WriteSet, Collection: generic.Path("branches"), ID: "branch-2",
			Value: fees.Branch{ID: "branch-2", SchoolID: "school-1", Name: "North", Code: "NTH"}},
		{Kind: generic.WriteSet, Collection: generic.Path("schools", "school-1", "roles"), ID: "accountant",
			Value: access.Role{Name: "accountant", Permissions: []access.Permission{access.FeesView, access.FeesCollect, access.FeesRefund, access.DayBookView}}},
		{Kind: generic.WriteSet, Collection: generic.Path("schools", "school-1", "roles"), ID: "owner",
			Value: access.Role{Name: "owner", Permissions: []access.Permission{access.Wildcard}}},
		{Kind: generic.WriteSet, Collection: generic.Path("schools", "school-1", "roles"), ID: "teacher",
			Value: access.Role{Name: "teacher", Permissions: []access.Permission{access.TimetableView}}},
	}))

	tokens := access.NewTokens(testSecret)
	h := NewHandler(Deps{
		Store:  mem,
		Tokens: tokens,
		Clock:  generic.FixedClock(testNow),
	})
	return &testServer{t: t, mem: mem, handler: h, router: NewRouter(h, nil), tokens: tokens}
}

func (s *testServer) token(uid, role string) string {
	s.t.Helper()
	raw, err := s.tokens.Issue(access.Identity{UID: uid, SchoolID: "school-1", BranchID: "branch-1", Role: role}, time.Hour)
	require.NoError(s.t, err)
	return raw
}

// do sends body (marshalled when not nil) and returns the recorder.
func (s *testServer) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func collectBody(student string, paid int, key string) map[string]any {
	return map[string]any{
		"studentId": student,
		"sessionId": "2024-25",
		"months": []map[string]any{
			{"key": "2024-04", "total": "1000"},
			{"key": "2024-05", "total": "1000"},
		},
		"payment":        map[string]any{"paidAmount": paid, "payType": "cash"},
		"idempotencyKey": key,
	}
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuth_TokenRequired(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: no token, WHEN: calling an API route, THEN: 401
	rec := s.do(http.MethodGet, "/api/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage tokens are rejected the same way
	rec = s.do(http.MethodGet, "/api/me", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health and metrics stay open
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/metrics", "", nil).Code)
}

func TestAuth_Me(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/me", s.token("acc-1", "accountant"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	me := decodeBody[MeResponse](t, rec)
	assert.Equal(t, "acc-1", me.UID)
	assert.Equal(t, "branch-1", me.BranchID)
	assert.Contains(t, me.Permissions, string(access.FeesCollect))
	assert.NotContains(t, me.Permissions, string(access.PromotionRun))
}

func TestAuth_PermissionDenied(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: a teacher, WHEN: collecting a fee, THEN: 403 before any engine call
	rec := s.do(http.MethodPost, "/api/fees/collect", s.token("t-1", "teacher"), collectBody("stu-1", 500, ""))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(generic.KindPermissionDenied), decodeBody[ErrorResponse](t, rec).Kind)

	// An unknown role resolves to no permissions at all
	rec = s.do(http.MethodGet, "/api/fees/heads", s.token("x-1", "janitor"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuth_BranchSwitch(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: an accountant without branches.switch
	// WHEN: asking for another branch, THEN: denied
	rec := s.do(http.MethodGet, "/api/me", s.token("acc-1", "accountant"), nil, BranchHeader, "branch-2")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The owner may switch within the school
	rec = s.do(http.MethodGet, "/api/me", s.token("own-1", "owner"), nil, BranchHeader, "branch-2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "branch-2", decodeBody[MeResponse](t, rec).BranchID)
}

func TestAuth_BranchSwitchStaysInSchool(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.mem.Commit(context.Background(), []generic.Write{
		{Kind: generic.WriteSet, Collection: generic.Path("branches"), ID: "branch-9",
			Value: fees.Branch{ID: "branch-9", SchoolID: "school-2", Name: "Other", Code: "OTH"}},
	}))
	owner := s.token("own-1", "owner")

	// GIVEN: an owner of school-1
	// WHEN: selecting a branch of school-2
	// THEN: the branch is not found and no data is served
	rec := s.do(http.MethodGet, "/api/me", owner, nil, BranchHeader, "branch-9")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(generic.KindNotFound), decodeBody[ErrorResponse](t, rec).Kind)

	rec = s.do(http.MethodGet, "/api/fees/students/s-1/sessions/2024-25/summary", owner, nil, BranchHeader, "branch-9")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// An unknown branch is refused the same way
	rec = s.do(http.MethodGet, "/api/me", owner, nil, BranchHeader, "branch-404")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// FEES
// =============================================================================

func TestFees_CollectAndReplay(t *testing.T) {
	s := newTestServer(t)
	tok := s.token("acc-1", "accountant")

	// GIVEN: two unpaid months, WHEN: collecting 1500
	rec := s.do(http.MethodPost, "/api/fees/collect", tok, collectBody("stu-1", 1500, "k-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: the receipt is issued and the summary reflects the payment
	res := decodeBody[fees.CollectResult](t, rec)
	assert.Equal(t, "RCPT/MAIN/2024-25/000001", res.ReceiptNo)
	assert.Equal(t, "1500", res.Totals.TotalPaid.String())
	assert.Equal(t, "500", res.Totals.TotalDue.String())

	// WHEN: the same idempotency key is replayed, THEN: 409 carrying the first receipt
	rec = s.do(http.MethodPost, "/api/fees/collect", tok, collectBody("stu-1", 1500, "k-1"))
	require.Equal(t, http.StatusConflict, rec.Code)
	errResp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, res.ReceiptNo, errResp.ReceiptNo)

	summary := decodeBody[fees.SessionSummary](t, s.do(http.MethodGet, "/api/fees/students/stu-1/sessions/2024-25/summary", tok, nil))
	assert.Equal(t, "1500", summary.Totals.TotalPaid.String())

	assert.Equal(t, 1.0, testutil.ToFloat64(s.handler.metrics.collections.WithLabelValues("branch-1")))
}

func TestFees_FineOnlyCollection(t *testing.T) {
	s := newTestServer(t)
	tok := s.token("acc-1", "accountant")

	// GIVEN: a library fine and no months
	body := map[string]any{
		"studentId":     "stu-1",
		"sessionId":     "2024-25",
		"flexibleItems": []map[string]any{{"id": "fine-1", "label": "Library fine", "amount": "300"}},
		"payment":       map[string]any{"paidAmount": 300, "payType": "cash"},
	}

	// WHEN: collecting it
	rec := s.do(http.MethodPost, "/api/fees/collect", tok, body)

	// THEN: a receipt is issued for the fine alone
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[fees.CollectResult](t, rec)
	assert.Equal(t, "RCPT/MAIN/2024-25/000001", res.ReceiptNo)
	require.Len(t, res.Allocations, 1)
	assert.Empty(t, res.Allocations.Months())
	assert.Equal(t, "300", res.Allocations.CashTotal().String())
}

func TestFees_ValidationErrors(t *testing.T) {
	s := newTestServer(t)
	tok := s.token("acc-1", "accountant")

	t.Run("malformed body", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/fees/collect", tok, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "body", decodeBody[ErrorResponse](t, rec).Field)
	})

	t.Run("missing months", func(t *testing.T) {
		body := collectBody("stu-1", 500, "")
		delete(body, "months")
		rec := s.do(http.MethodPost, "/api/fees/collect", tok, body)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "months", decodeBody[ErrorResponse](t, rec).Field)
	})

	t.Run("bad period key", func(t *testing.T) {
		body := collectBody("stu-1", 500, "")
		body["months"] = []map[string]any{{"key": "April", "total": "1000"}}
		rec := s.do(http.MethodPost, "/api/fees/collect", tok, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("non-positive payment", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/fees/collect", tok, collectBody("stu-1", 0, ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestFees_Refund(t *testing.T) {
	s := newTestServer(t)
	tok := s.token("acc-1", "accountant")

	// GIVEN: April paid in full
	rec := s.do(http.MethodPost, "/api/fees/collect", tok, collectBody("stu-1", 1000, ""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	paid := decodeBody[fees.CollectResult](t, rec)

	// WHEN: refunding 400 of April
	rec = s.do(http.MethodPost, "/api/fees/refund", tok, map[string]any{
		"paymentId":   paid.PaymentID,
		"studentId":   "stu-1",
		"sessionId":   "2024-25",
		"refundItems": map[string]string{"2024-04": "400"},
		"totalRefund": "400",
		"payType":     "cash",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: the totals drop and the day-book still matches the ledger
	res := decodeBody[fees.RefundResult](t, rec)
	assert.Equal(t, "600", res.Totals.TotalPaid.String())

	rec = s.do(http.MethodGet, "/api/fees/daybook/2024-06-10/verify", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[fees.Verification](t, rec).Consistent)

	// Refunding more than is left on the receipt is rejected
	rec = s.do(http.MethodPost, "/api/fees/refund", tok, map[string]any{
		"paymentId":   paid.PaymentID,
		"studentId":   "stu-1",
		"sessionId":   "2024-25",
		"refundItems": map[string]string{"2024-04": "700"},
		"totalRefund": "700",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "totalRefund", decodeBody[ErrorResponse](t, rec).Field)
}

func TestFees_StudentSeesOnlyOwnRecords(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/fees/collect", s.token("acc-1", "accountant"), collectBody("stu-1", 500, ""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	paymentID := decodeBody[fees.CollectResult](t, rec).PaymentID

	own := s.token("stu-1", access.RoleStudent)
	other := s.token("stu-2", access.RoleStudent)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/fees/students/stu-1/sessions/2024-25/dues", own, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/fees/payments/"+paymentID, own, nil).Code)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/fees/students/stu-1/sessions/2024-25/dues", other, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/fees/payments/"+paymentID, other, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/fees/collect", own, collectBody("stu-1", 500, "")).Code)
}

func TestFees_PaymentNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/fees/payments/nope", s.token("acc-1", "accountant"), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(generic.KindNotFound), decodeBody[ErrorResponse](t, rec).Kind)
}

// =============================================================================
// TIMETABLE
// =============================================================================

func TestTimetable_SaveDisplacesOtherClass(t *testing.T) {
	s := newTestServer(t)
	tok := s.token("own-1", "owner")

	for _, class := range []string{"c1", "c2"} {
		rec := s.do(http.MethodPost, "/api/timetable/mappings", tok, map[string]any{
			"subjectId": "math", "teacherId": "t-1", "classId": class,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	grid := map[string]any{"days": map[string]any{
		"monday": []map[string]any{{"period": 1, "entries": []map[string]string{{"teacherId": "t-1", "subjectId": "math"}}}},
	}}

	// GIVEN: t-1 teaches c1 on Monday period 1
	rec := s.do(http.MethodPut, "/api/timetable/classes/c1/sections/A", tok, grid)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: c2 claims the same slot for t-1
	rec = s.do(http.MethodPut, "/api/timetable/classes/c2/sections/A", tok, grid)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: c1 loses the entry and the slot has a single occupant
	res := decodeBody[timetable.SaveResult](t, rec)
	require.Len(t, res.Displaced, 1)
	assert.Equal(t, "c1", res.Displaced[0].ClassID)

	rec = s.do(http.MethodGet, "/api/timetable/periods/mon/1", s.token("t-9", "teacher"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	idx := decodeBody[timetable.PeriodIndex](t, rec)
	require.Len(t, idx.Occupants, 1)
	assert.Equal(t, "c2", idx.Occupants[0].ClassID)

	c1 := decodeBody[timetable.ClassSchedule](t, s.do(http.MethodGet, "/api/timetable/classes/c1/sections/A", tok, nil))
	assert.Empty(t, c1.Days[timetable.Monday])
	assert.Equal(t, 1.0, testutil.ToFloat64(s.handler.metrics.displaced))
}

func TestTimetable_Rejections(t *testing.T) {
	s := newTestServer(t)
	tok := s.token("own-1", "owner")

	// Unknown day names fail request validation
	rec := s.do(http.MethodPut, "/api/timetable/classes/c1/sections/A", tok, map[string]any{"days": map[string]any{"funday": []any{}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Teachers without a mapping are not schedulable
	rec = s.do(http.MethodPut, "/api/timetable/classes/c1/sections/A", tok, map[string]any{"days": map[string]any{
		"tue": []map[string]any{{"period": 2, "entries": []map[string]string{{"teacherId": "t-x", "subjectId": "art"}}}},
	}})
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/timetable/periods/mon/99", tok, nil).Code)

	// Teachers can read but not edit
	rec = s.do(http.MethodPut, "/api/timetable/classes/c1/sections/A", s.token("t-1", "teacher"), map[string]any{"days": map[string]any{}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// PROMOTION
// =============================================================================

func TestPromotion_PreviewThenRun(t *testing.T) {
	s := newTestServer(t)
	tok := s.token("own-1", "owner")

	for _, session := range []string{"2024-25", "2025-26"} {
		rec := s.do(http.MethodPost, "/api/sessions", tok, SessionRequest{Session: session})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	for i, name := range []string{"I", "II"} {
		rec := s.do(http.MethodPost, "/api/classes", tok, ClassRequest{Name: name, Order: i + 1})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	require.NoError(t, s.mem.Commit(context.Background(), []generic.Write{
		{Kind: generic.WriteSet, Collection: generic.Path("branches", "branch-1", "students"), ID: "s-1",
			Value: promotion.Student{ID: "s-1", ClassName: "I", Section: "A", CurrentSession: "2024-25", Status: promotion.StudentActive}},
		{Kind: generic.WriteSet, Collection: generic.Path("branches", "branch-1", "students"), ID: "s-2",
			Value: promotion.Student{ID: "s-2", ClassName: "II", Section: "A", CurrentSession: "2024-25", Status: promotion.StudentActive}},
	}))

	// WHEN: previewing, THEN: counts without writes
	rec := s.do(http.MethodPost, "/api/promotion/preview", tok, PromotionRequest{ToSession: "2025-26"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decodeBody[promotion.Preview](t, rec)
	assert.Equal(t, 1, preview.PassedOutCount)

	// WHEN: running, THEN: one promoted and one passed out
	rec = s.do(http.MethodPost, "/api/promotion/run", tok, PromotionRequest{ToSession: "2025-26"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[promotion.PromoteResult](t, rec)
	assert.Equal(t, 1, res.Promoted)
	assert.Equal(t, 1, res.PassedOutCount)

	// Accountants may not promote
	rec = s.do(http.MethodPost, "/api/promotion/run", s.token("acc-1", "accountant"), PromotionRequest{ToSession: "2025-26"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Unknown sessions are rejected by the engine
	rec = s.do(http.MethodPost, "/api/promotion/preview", tok, PromotionRequest{ToSession: "2030-31"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestScheduler_JobsRecordRuns(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/fees/collect", s.token("acc-1", "accountant"), collectBody("stu-1", 500, ""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	sched, err := NewScheduler(s.handler, config.Scheduler{
		OverdueSpec: "@daily",
		DayBookSpec: "@daily",
		Branches:    []string{"school-1/branch-1"},
	}, generic.FixedClock(testNow))
	require.NoError(t, err)

	// WHEN: running both jobs once
	ctx := context.Background()
	sched.RunOverdue(ctx)
	sched.RunDayBookCheck(ctx)

	// THEN: past months are overdue and the day-book check passed
	assert.Equal(t, 1.0, testutil.ToFloat64(s.handler.metrics.jobRuns.WithLabelValues(jobOverdue, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.handler.metrics.jobRuns.WithLabelValues(jobDayBook, "ok")))

	dues := decodeBody[[]fees.Due](t, s.do(http.MethodGet, "/api/fees/students/stu-1/sessions/2024-25/dues", s.token("acc-1", "accountant"), nil))
	require.NotEmpty(t, dues)
	for _, d := range dues {
		if d.Due.IsPositive() {
			assert.Equal(t, fees.StatusOverdue, d.Status, d.Period)
		}
	}

	body := s.do(http.MethodGet, "/metrics", "", nil).Body.String()
	assert.True(t, strings.Contains(body, "school_ledger_scheduler_runs_total"))
}

func TestScheduler_RejectsBadConfig(t *testing.T) {
	s := newTestServer(t)
	_, err := NewScheduler(s.handler, config.Scheduler{OverdueSpec: "not a spec", DayBookSpec: "@daily"}, nil)
	assert.Error(t, err)
	_, err = NewScheduler(s.handler, config.Scheduler{OverdueSpec: "@daily", DayBookSpec: "@daily", Branches: []string{"nobranch"}}, nil)
	assert.Error(t, err)
}
