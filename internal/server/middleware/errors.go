// Package middleware holds the HTTP middleware chain: request ids, access
// logging, panic recovery, authentication and launch throttling.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/crewhost/internal/errors"
	"github.com/3leaps/crewhost/internal/observability"
)

// ErrorResponse is the JSON envelope written for middleware failures.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts panics in downstream handlers into a 500 envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			msg := fmt.Sprintf("panic: %v", rec)
			observability.CLILogger.Error("handler panic",
				zap.String("path", r.URL.Path),
				zap.String("request_id", apperrors.RequestIDFromContext(r.Context())),
				zap.String("panic", msg),
				zap.ByteString("stack", debug.Stack()))

			envelope := errors.NewErrorEnvelope(apperrors.CodeInternal, msg)
			if id := apperrors.RequestIDFromContext(r.Context()); id != "" {
				envelope = envelope.WithCorrelationID(id)
			}
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias of Recovery kept for router setups that name the
// outermost error boundary explicitly.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	apperrors.WriteEnvelope(w, envelope, statusCode)
}
