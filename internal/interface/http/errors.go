package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/pkg/logger"
)

// statusFor maps an error's kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case shared.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrUnauthorized), errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden
	case shared.IsValidation(err):
		return http.StatusBadRequest
	case shared.IsAlreadyExists(err), shared.IsConflict(err), errors.Is(err, shared.ErrOverflow):
		return http.StatusConflict
	case errors.Is(err, shared.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, shared.ErrServiceUnavailable), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case shared.IsExternalService(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its domain code. Server-side failures are
// logged; unclassified ones are reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed",
			logger.String("path", r.URL.Path),
			logger.Int("status", status),
			logger.Err(err),
		)
	}

	var de *shared.DomainError
	switch {
	case errors.As(err, &de):
		writeJSONError(w, r, status, de.Code, de.Message)
	case status == http.StatusBadRequest:
		writeJSONError(w, r, status, "InvalidInput", err.Error())
	case status >= http.StatusInternalServerError:
		writeJSONError(w, r, status, statusCode(status), "the request could not be completed")
	default:
		writeJSONError(w, r, status, statusCode(status), err.Error())
	}
}

// statusCode turns "Gateway Timeout" into "GatewayTimeout".
func statusCode(status int) string {
	return strings.ReplaceAll(http.StatusText(status), " ", "")
}

// badRequest reports malformed input that never reached a handler.
func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeJSONError(w, r, http.StatusBadRequest, "InvalidInput", message)
}
