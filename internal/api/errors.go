package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/exchange"
	"github.com/weaverhq/weaver/pkg/types"
)

// Wire error codes. The set is closed; clients branch on these.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeBadRequest         = "BAD_REQUEST"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeRunNotStartable    = "RUN_NOT_STARTABLE"
	CodeRunNotStoppable    = "RUN_NOT_STOPPABLE"
	CodeInvalidRunMode     = "INVALID_RUN_MODE"
)

// ErrorResponse is the envelope every error reply uses.
type ErrorResponse struct {
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
}

// classify maps a domain error onto an HTTP status and wire code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrRunNotFound),
		errors.Is(err, types.ErrOrderNotFound),
		errors.Is(err, types.ErrStrategyNotFound),
		errors.Is(err, types.ErrAdapterNotFound),
		errors.Is(err, types.ErrBarNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, types.ErrInvalidRunMode):
		return http.StatusUnprocessableEntity, CodeInvalidRunMode
	case errors.Is(err, types.ErrValidation):
		return http.StatusUnprocessableEntity, CodeValidation
	case errors.Is(err, types.ErrRunNotStartable):
		return http.StatusConflict, CodeRunNotStartable
	case errors.Is(err, types.ErrRunNotStoppable):
		return http.StatusConflict, CodeRunNotStoppable
	case errors.Is(err, types.ErrRunActive):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, types.ErrNotConnected):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	}

	var exErr *exchange.Error
	if errors.As(err, &exErr) {
		switch exErr.Kind {
		case exchange.ErrKindValidation, exchange.ErrKindRejection:
			return http.StatusUnprocessableEntity, CodeValidation
		default:
			return http.StatusServiceUnavailable, CodeServiceUnavailable
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		// Internal details stay in the log.
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		message = "internal error"
	}
	s.writeErrorCode(w, r, status, code, message)
}

func (s *Server) writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, r, status, ErrorResponse{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID(r),
		Timestamp:     time.Now().UTC(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("encode response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}
