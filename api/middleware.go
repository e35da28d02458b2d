package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/school-ledger/access"
	"github.com/warp/school-ledger/generic"
)

// =============================================================================
// REQUEST LOGGING
// =============================================================================

// logFormatter feeds chi's RequestLogger into logrus.
type logFormatter struct {
	log logrus.FieldLogger
}

func (f logFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &logEntry{log: f.log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"method":     r.Method,
		"path":       r.URL.Path,
		"remote":     r.RemoteAddr,
	})}
}

type logEntry struct {
	log logrus.FieldLogger
}

func (e *logEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ any) {
	entry := e.log.WithFields(logrus.Fields{"status": status, "bytes": bytes, "elapsed": elapsed.String()})
	if status >= http.StatusInternalServerError {
		entry.Warn("request")
		return
	}
	entry.Info("request")
}

func (e *logEntry) Panic(v any, stack []byte) {
	e.log.WithFields(logrus.Fields{"panic": v, "stack": string(stack)}).Error("request panicked")
}

// =============================================================================
// AUTHENTICATION & AUTHORIZATION
// =============================================================================

// BranchHeader selects another branch for callers allowed to switch.
const BranchHeader = "X-Branch-ID"

// authenticate verifies the bearer token, resolves permissions and stores
// the actor on the request context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.tokens.Verify(access.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			writeError(w, r, h.log, err)
			return
		}
		actor, err := h.gate.Resolve(r.Context(), id)
		if err != nil {
			writeError(w, r, h.log, err)
			return
		}
		actor, err = h.gate.SwitchBranch(r.Context(), actor, strings.TrimSpace(r.Header.Get(BranchHeader)))
		if err != nil {
			writeError(w, r, h.log, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(access.WithActor(r.Context(), actor)))
	})
}

// require returns middleware rejecting actors without p.
func (h *Handler) require(p access.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := access.ActorFrom(r.Context())
			if !ok {
				writeError(w, r, h.log, access.ErrUnauthenticated)
				return
			}
			if err := actor.Require(p); err != nil {
				h.log.WithFields(logrus.Fields{"uid": actor.UID, "role": actor.Role, "permission": p}).Info("permission denied")
				writeError(w, r, h.log, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// scope returns the tenant binding for the request. A branch is required
// for every engine route.
func scope(r *http.Request) (generic.Scope, error) {
	actor, ok := access.ActorFrom(r.Context())
	if !ok {
		return generic.Scope{}, access.ErrUnauthenticated
	}
	s := actor.Scope()
	return s, s.Validate()
}

// ownStudent restricts students to their own records.
func ownStudent(r *http.Request, studentID string) error {
	actor, _ := access.ActorFrom(r.Context())
	if actor.Role == access.RoleStudent && actor.UID != studentID {
		return &access.DeniedError{UID: actor.UID, Role: actor.Role, Permission: access.FeesView}
	}
	return nil
}
