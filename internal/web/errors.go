package web

// errors.go provides unified error response handling for the web layer.
//
// Every error is:
//   - Logged with full technical details and the request id (server-side)
//   - Mapped to an HTTP status by its core error code
//   - Returned as JSON with the safe message, an action and a support code;
//     raw driver text never reaches the client

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/stagedimport/internal/constraint"
	"github.com/JonMunkholm/stagedimport/internal/core"
	"github.com/JonMunkholm/stagedimport/internal/logging"
	"github.com/JonMunkholm/stagedimport/internal/web/views"
)

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Error      string             `json:"error"` // core error code, e.g. checksum_mismatch
	Message    string             `json:"message"`
	Action     string             `json:"action,omitempty"`
	Code       string             `json:"code"` // support reference
	Param      string             `json:"param,omitempty"`
	Conflict   *constraint.Detail `json:"conflict,omitempty"`
	RowNumbers []int              `json:"row_numbers,omitempty"`
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrTooManyStages):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch core.CodeOf(err) {
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeInvalidArgument:
		return http.StatusBadRequest
	case core.CodeParseError:
		return http.StatusUnprocessableEntity
	case core.CodeChecksumMismatch, core.CodeInvalidState, core.CodeLockConflict, core.CodeConstraintViolation:
		return http.StatusConflict
	case core.CodeMissingDependency:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorResponse(err error) ErrorResponse {
	msg := core.MapError(err)
	resp := ErrorResponse{
		Error:   "internal",
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	}
	if errors.Is(err, core.ErrTooManyStages) {
		resp.Error = "too_many_uploads"
		resp.Message = core.ErrTooManyStages.Error()
	}
	if e, ok := core.AsError(err); ok {
		resp.Error = string(e.Code)
		resp.Param = e.Param
		resp.Conflict = e.Conflict
		resp.RowNumbers = e.RowNumbers
	}
	return resp
}

// respondError logs err and writes its JSON response.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse(err)

	logger := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", resp.Code,
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request error", attrs...)
	} else {
		logger.Warn("request rejected", attrs...)
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, resp)
}

// respondErrorHTML renders an error page for browser routes.
func (s *Server) respondErrorHTML(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := core.MapError(err)
	logging.FromContext(r.Context()).Warn("page error",
		"path", r.URL.Path,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if rerr := views.ErrorPage(msg.Message, msg.Action, msg.Code).Render(r.Context(), w); rerr != nil {
		logging.FromContext(r.Context()).Error("render error page", "error", rerr)
	}
}
