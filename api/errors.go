package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/school-ledger/access"
	"github.com/warp/school-ledger/fees"
	"github.com/warp/school-ledger/generic"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`

	// ReceiptNo is set when a replayed collection is rejected.
	ReceiptNo string `json:"receiptNo,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(kind generic.Kind) int {
	switch kind {
	case generic.KindValidation:
		return http.StatusBadRequest
	case generic.KindNotFound:
		return http.StatusNotFound
	case generic.KindState, generic.KindConflict:
		return http.StatusConflict
	case generic.KindPermissionDenied:
		return http.StatusForbidden
	case generic.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError classifies err and writes it. Internal errors are logged and
// their details withheld.
func writeError(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, err error) {
	if errors.Is(err, access.ErrUnauthenticated) {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthenticated", Kind: "unauthenticated"})
		return
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		err = generic.NewValidationError(fe.Namespace(), "failed "+fe.Tag()+" check")
	}

	kind := generic.KindOf(err)
	status := statusFor(kind)
	resp := ErrorResponse{Error: http.StatusText(status), Kind: string(kind)}

	var ve *generic.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	var dup *fees.DuplicatePaymentError
	if errors.As(err, &dup) {
		resp.ReceiptNo = dup.ReceiptNo
	}

	if status == http.StatusInternalServerError {
		log.WithFields(logrus.Fields{"path": r.URL.Path, "error": err}).Error("request failed")
	} else {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
