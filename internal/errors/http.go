package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/lumora-im/relay/internal/logger"
	"github.com/lumora-im/relay/internal/metrics"
	"go.uber.org/zap"
)

// ErrorResponse represents the JSON response format for errors
type ErrorResponse struct {
	Error struct {
		Type      ErrorType `json:"type"`
		Code      string    `json:"code"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"error"`
}

// HandleHTTPError logs an error and writes a sanitized JSON response.
func HandleHTTPError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := asAppError(err)

	logError(appErr, r)
	metrics.ErrorsCount.WithLabelValues(string(appErr.Type)).Inc()

	var resp ErrorResponse
	resp.Error.Type = appErr.Type
	resp.Error.Code = appErr.Code
	resp.Error.Timestamp = appErr.Timestamp
	if appErr.UserMessage != "" {
		resp.Error.Message = appErr.UserMessage
	} else {
		resp.Error.Message = appErr.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(appErr.Type))
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		logger.Error("Failed to encode error response", zap.Error(encErr))
	}
}

// RecoveryMiddleware recovers from handler panics and answers with a 500.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				panicErr := New(ErrorTypeInternal, "PANIC_RECOVERED", "panic in HTTP handler").
					WithSeverity(SeverityCritical).
					WithDetails(describePanic(rec)).
					WithUserMessage("An internal error occurred. Please try again.")
				HandleHTTPError(w, r, panicErr)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func asAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, ErrorTypeInternal, "INTERNAL_ERROR", "unexpected error").
		WithUserMessage("An internal error occurred. Please try again.")
}

func logError(appErr *AppError, r *http.Request) {
	fields := []zap.Field{
		zap.String("error_type", string(appErr.Type)),
		zap.String("error_code", appErr.Code),
		zap.String("severity", string(appErr.Severity)),
		zap.String("path", r.URL.Path),
		zap.String("client_ip", r.RemoteAddr),
	}
	if appErr.Cause != nil {
		fields = append(fields, zap.Error(appErr.Cause))
	}

	switch appErr.Severity {
	case SeverityCritical, SeverityHigh:
		logger.Error(appErr.Message, fields...)
	case SeverityMedium:
		logger.Warn(appErr.Message, fields...)
	default:
		logger.Debug(appErr.Message, fields...)
	}
}

func httpStatus(t ErrorType) int {
	switch t {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeDatabase, ErrorTypeExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func describePanic(rec interface{}) string {
	if err, ok := rec.(error); ok {
		return err.Error()
	}
	if s, ok := rec.(string); ok {
		return s
	}
	return "unknown panic value"
}
