package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/crewhost/internal/errors"
	"github.com/3leaps/crewhost/pkg/redact"
)

// ErrUnauthenticated indicates the request carried no credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Email   string
}

// Key returns the value used to look up the caller's settings.
func (i Identity) Key() string {
	if i.Email != "" {
		return i.Email
	}
	return i.Subject
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, id)
}

// IdentityFromContext returns the caller identity attached by Authenticate.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	if !ok || id.Key() == "" {
		return Identity{}, false
	}
	return id, true
}

// Authenticator extracts a caller identity from a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// Authenticate attaches the identity when the authenticator accepts the
// request. It never rejects; handlers that need an identity check for it.
func Authenticate(a Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r.Context(), r)
			switch {
			case err == nil:
				r = r.WithContext(ContextWithIdentity(r.Context(), id))
			case errors.Is(err, ErrUnauthenticated):
			default:
				logger.Warn("authentication rejected",
					zap.String("request_id", apperrors.RequestIDFromContext(r.Context())),
					zap.String("path", r.URL.Path),
					zap.Error(err))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireIdentity returns the caller identity or a 401 AppError.
func RequireIdentity(r *http.Request) (Identity, error) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		return Identity{}, apperrors.NewUnauthorizedError("authentication required")
	}
	return id, nil
}

// HeaderAuthenticator trusts an identity header set by a fronting proxy.
type HeaderAuthenticator struct {
	header string
}

func NewHeaderAuthenticator(header string) *HeaderAuthenticator {
	return &HeaderAuthenticator{header: header}
}

func (a *HeaderAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	v := strings.TrimSpace(r.Header.Get(a.header))
	if v == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{Subject: v, Email: v}, nil
}

// DevAuthenticator authenticates every request as a fixed identity.
type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(email string) *DevAuthenticator {
	email = strings.TrimSpace(email)
	return &DevAuthenticator{identity: Identity{Subject: email, Email: email}}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}

// OIDCAuthenticator verifies bearer ID tokens against an issuer.
type OIDCAuthenticator struct {
	verify     func(ctx context.Context, raw string) (map[string]any, error)
	emailClaim string
}

// NewOIDCAuthenticator discovers the issuer and builds a verifier for
// clientID.
func NewOIDCAuthenticator(ctx context.Context, issuer, clientID, emailClaim string) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})
	return newOIDCAuthenticator(func(ctx context.Context, raw string) (map[string]any, error) {
		idToken, err := verifier.Verify(ctx, raw)
		if err != nil {
			return nil, err
		}
		var claims map[string]any
		if err := idToken.Claims(&claims); err != nil {
			return nil, err
		}
		return claims, nil
	}, emailClaim), nil
}

func newOIDCAuthenticator(verify func(ctx context.Context, raw string) (map[string]any, error), emailClaim string) *OIDCAuthenticator {
	if emailClaim == "" {
		emailClaim = "email"
	}
	return &OIDCAuthenticator{verify: verify, emailClaim: emailClaim}
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	claims, err := a.verify(ctx, raw)
	if err != nil {
		return Identity{}, fmt.Errorf("verify id token: %w", err)
	}
	subject, _ := claims["sub"].(string)
	email, _ := claims[a.emailClaim].(string)
	if strings.TrimSpace(subject) == "" && strings.TrimSpace(email) == "" {
		return Identity{}, errors.New("id token has no subject or email")
	}
	return Identity{Subject: subject, Email: strings.TrimSpace(email)}, nil
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// MaskedKey is the identity key in display form for logs.
func (i Identity) MaskedKey() string {
	return redact.MaskIdentity(i.Key())
}
