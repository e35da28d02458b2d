/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers and attaches
  the permission each route requires.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client address behind proxies
  3. RequestLogger: logrus access log (middleware.go)
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Configured origins
  6. Metrics:       Prometheus request counters

UNAUTHENTICATED ROUTES:
  /healthz   Liveness probe
  /metrics   Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: authenticate / require
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/school-ledger/access"
)

// NewRouter creates a router with all routes configured. An empty origins
// list disables CORS headers.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(logFormatter{log: h.log}))
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", BranchHeader},
			AllowCredentials: true,
		}))
	}
	r.Use(h.metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", h.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Get("/me", h.Me)

		// Fee routes
		r.Route("/fees", func(r chi.Router) {
			r.With(h.require(access.FeesCollect)).Post("/collect", h.CollectFee)
			r.With(h.require(access.FeesRefund)).Post("/refund", h.RefundFee)

			r.Route("/students/{studentId}", func(r chi.Router) {
				r.Use(h.require(access.FeesView))
				r.Get("/sessions/{sessionId}/summary", h.GetSummary)
				r.Get("/sessions/{sessionId}/dues", h.GetDues)
				r.Get("/sessions/{sessionId}/payments", h.ListPayments)
				r.Get("/assignment", h.GetActiveAssignment)
			})
			r.With(h.require(access.FeesView)).Get("/payments/{paymentId}", h.GetPayment)

			r.Group(func(r chi.Router) {
				r.Use(h.require(access.DayBookView))
				r.Get("/daybook/{date}", h.GetDayBook)
				r.Get("/daybook/{date}/verify", h.VerifyDayBook)
				r.Get("/ledger/{date}", h.GetLedger)
			})

			r.With(h.require(access.FeesManage)).Post("/overdue/sweep", h.SweepOverdue)

			r.Route("/heads", func(r chi.Router) {
				r.With(h.require(access.FeesView)).Get("/", h.ListHeads)
				r.With(h.require(access.FeesManage)).Post("/", h.CreateHead)
				r.With(h.require(access.FeesManage)).Patch("/{id}", h.UpdateHead)
				r.With(h.require(access.FeesManage)).Delete("/{id}", h.DeleteHead)
			})
			r.With(h.require(access.FeesView)).Get("/templates", h.ListTemplates)
			r.With(h.require(access.FeesManage)).Post("/templates", h.SaveTemplate)
			r.With(h.require(access.FeesManage)).Post("/assignments", h.AssignTemplate)
		})

		// Timetable routes
		r.Route("/timetable", func(r chi.Router) {
			r.With(h.require(access.TimetableView)).Get("/classes/{classId}/sections/{sectionId}", h.GetClassTimetable)
			r.With(h.require(access.TimetableEdit)).Put("/classes/{classId}/sections/{sectionId}", h.SaveTimetable)
			r.With(h.require(access.TimetableView)).Get("/teachers/{teacherId}", h.GetTeacherTimetable)
			r.With(h.require(access.TimetableView)).Get("/periods/{day}/{period}", h.GetPeriodOccupants)

			r.With(h.require(access.TimetableView)).Get("/mappings", h.ListMappings)
			r.With(h.require(access.TimetableEdit)).Post("/mappings", h.AddMapping)
			r.With(h.require(access.TimetableEdit)).Delete("/mappings/{id}", h.RemoveMapping)
		})

		// Promotion and session routes
		r.With(h.require(access.PromotionPreview)).Post("/promotion/preview", h.PreviewPromotion)
		r.With(h.require(access.PromotionRun)).Post("/promotion/run", h.RunPromotion)
		r.Group(func(r chi.Router) {
			r.Use(h.require(access.SessionsManage))
			r.Post("/sessions", h.AddSession)
			r.Put("/sessions/current", h.SwitchSession)
			r.Get("/classes", h.ListClasses)
			r.Post("/classes", h.SaveClass)
		})
	})

	return r
}
