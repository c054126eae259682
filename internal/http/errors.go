package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/reservation-allocator/internal/domain"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Code  domain.Kind `json:"code"`
	Error string      `json:"error"`
}

func invalidRequest(msg string) error {
	return errors.Wrap(domain.ErrInvalidInput, msg)
}

func decode(r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return invalidRequest("empty body")
		}
		return errors.Mark(errors.Wrap(err, "malformed body"), domain.ErrInvalidInput)
	}
	return nil
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidQuantity, domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInsufficientCapacity, domain.KindInvalidState, domain.KindConflict:
		return http.StatusConflict
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"code","error"}. Internal detail is logged, not sent.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()

	switch kind {
	case domain.KindInternal, domain.KindUnavailable:
		loggerFrom(r).WithError(err).WithField("code", kind).Error("request failed")
		msg = http.StatusText(status)
	}
	if domain.Retryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{Code: kind, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
