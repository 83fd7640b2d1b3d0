// Package errors maps crewhost failures onto HTTP responses and CLI messages.
//
// Handlers return plain Go errors; RespondWithError classifies them (AppError
// first, then the domain sentinels), builds a gofulmen error envelope carrying
// the request id as its correlation id, and writes it as:
//
//	{"error": {"code": "...", "message": "...", "details": {...}, "request_id": "..."}}
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/crewhost/pkg/runregistry"
	"github.com/3leaps/crewhost/pkg/secretstore"
	"github.com/3leaps/crewhost/pkg/settings"
)

// Error codes used in the response envelope.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPErrorResponse is the JSON body written for every error response. It is
// the wire rendering of a gofulmen ErrorEnvelope.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the inner error object.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AppError is an error that already knows its HTTP status and code.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail returns e with key=value added to its details.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func NewValidationError(message string) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: CodeValidation, Message: message}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: message}
}

func NewMethodNotAllowedError(message string) *AppError {
	return &AppError{Status: http.StatusMethodNotAllowed, Code: CodeMethodNotAllowed, Message: message}
}

func NewRateLimitedError(message string) *AppError {
	return &AppError{Status: http.StatusTooManyRequests, Code: CodeRateLimited, Message: message}
}

// NewBackendUnavailableError reports that a storage backend could not serve
// the request. The cause is kept for logs but not rendered to clients.
func NewBackendUnavailableError(message string, err error) *AppError {
	return &AppError{Status: http.StatusServiceUnavailable, Code: CodeBackendUnavailable, Message: message, Err: err}
}

// NewExternalServiceError reports a dependency failure outside HTTP handling.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Status: http.StatusBadGateway, Code: CodeExternalService, Message: message}
}

// WrapInternal wraps err as an internal error. The context is accepted so
// callers can pass request scope; the request id is attached when present.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	appErr := &AppError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: message, Err: err}
	if id := RequestIDFromContext(ctx); id != "" {
		appErr.WithDetail("request_id", id)
	}
	return appErr
}

// Classify converts any error into an AppError.
func Classify(err error) *AppError {
	var appErr *AppError
	switch {
	case err == nil:
		return nil
	case stderrors.As(err, &appErr):
		return appErr
	case stderrors.Is(err, runregistry.ErrNotFound):
		return NewNotFoundError("run not found")
	case stderrors.Is(err, settings.ErrNotFound):
		return NewNotFoundError("settings not found")
	case stderrors.Is(err, secretstore.ErrUnavailable):
		return NewBackendUnavailableError("secret backend unavailable", err)
	case stderrors.Is(err, settings.ErrUnavailable):
		return NewBackendUnavailableError("settings store unavailable", err)
	default:
		return &AppError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal error", Err: err}
	}
}

// Envelope converts e into a gofulmen error envelope. Details become the
// envelope context and requestID its correlation id.
func (e *AppError) Envelope(requestID string) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(e.Code, e.Message)
	if requestID != "" {
		env = env.WithCorrelationID(requestID)
	}
	if len(e.Details) > 0 {
		withCtx, err := env.WithContext(e.Details)
		if err != nil {
			env.Context = e.Details
		} else {
			env = withCtx
		}
	}
	return env
}

// WriteEnvelope renders env in the {"error": {...}} wire shape.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	body := HTTPErrorResponse{Error: ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		Details:   env.Context,
		RequestID: env.CorrelationID,
	}}
	WriteJSON(w, status, body)
}

// RespondWithError writes err as a JSON error envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := Classify(err)
	if appErr == nil {
		appErr = &AppError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal error"}
	}
	var requestID string
	if r != nil {
		requestID = RequestIDFromContext(r.Context())
	}
	WriteEnvelope(w, appErr.Envelope(requestID), appErr.Status)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type requestIDKey struct{}

// ContextWithRequestID stores a request id on ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored on ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
