package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gojolo/inbox/internal/mailerr"
	"go.uber.org/zap"
)

type contextKey string

// UserIDKey is the context key used to store the authenticated user's id.
const UserIDKey contextKey = "user_id"

// CronSecretHeader carries the shared secret of scheduler-driven requests.
const CronSecretHeader = "X-Cron-Secret"

// ErrUnauthorized means the request carried no usable bearer token.
var ErrUnauthorized = errors.New("Unauthorized")

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	UserIDForToken(ctx context.Context, token string) (string, error)
}

// Membership answers organization capability questions.
type Membership interface {
	IsOrgMember(ctx context.Context, orgID, userID string) (bool, error)
	IsOrgAdmin(ctx context.Context, orgID, userID string) (bool, error)
}

// Authenticator validates bearer tokens.
type Authenticator struct {
	validator TokenValidator
	logger    *zap.Logger
}

func NewAuthenticator(validator TokenValidator, logger *zap.Logger) *Authenticator {
	return &Authenticator{validator: validator, logger: logger.Named("auth")}
}

// Authenticate returns the user id for the request's bearer token.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	token := BearerToken(r)
	if token == "" {
		a.logger.Debug("no bearer token present")
		return "", ErrUnauthorized
	}
	return a.ValidateToken(r.Context(), token)
}

// ValidateToken resolves token directly, for callers that cannot send headers.
func (a *Authenticator) ValidateToken(ctx context.Context, token string) (string, error) {
	userID, err := a.validator.UserIDForToken(ctx, token)
	if err != nil {
		a.logger.Debug("token validation failed", zap.Error(err))
		return "", ErrUnauthorized
	}
	return userID, nil
}

// RequireAuth stores the authenticated user id in the request context. Failures
// are answered in-band as {"error":"Unauthorized"} with HTTP 200.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.Authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is case-insensitive per RFC 7235.
func BearerToken(r *http.Request) string {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(strings.Join(fields[1:], " "))
}

// CronAuthorized reports whether the request carries the configured cron
// secret. An empty secret never authorizes.
func CronAuthorized(r *http.Request, secret string) bool {
	if secret == "" {
		return false
	}
	given := r.Header.Get(CronSecretHeader)
	return subtle.ConstantTimeCompare([]byte(given), []byte(secret)) == 1
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserIDFromContext returns the user id from the context.
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}

// RequireMember fails with mailerr.ErrForbidden unless userID belongs to orgID.
func RequireMember(ctx context.Context, m Membership, orgID, userID string) error {
	ok, err := m.IsOrgMember(ctx, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if !ok {
		return mailerr.ErrForbidden
	}
	return nil
}

// RequireAdmin fails with mailerr.ErrForbidden unless userID administers orgID.
func RequireAdmin(ctx context.Context, m Membership, orgID, userID string) error {
	ok, err := m.IsOrgAdmin(ctx, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to check admin role: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: not an org admin", mailerr.ErrForbidden)
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
