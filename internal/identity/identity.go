// Package identity provides bearer-token caller identity for HTTP and realtime requests.
package identity

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/ashureev/counsel-labs/internal/domain"
)

type contextKey int

const callerKey contextKey = iota

// Caller is the authenticated principal of a request.
type Caller struct {
	UserID int64
	Email  string
	Role   string
}

// IsAdmin returns true for administrator callers.
func (c Caller) IsAdmin() bool {
	return domain.Role(c.Role) == domain.RoleAdmin
}

// IsStaff returns true for counselors and administrators.
func (c Caller) IsStaff() bool {
	r := domain.Role(c.Role)
	return r == domain.RoleAdmin || r == domain.RoleCounselor
}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromContext extracts the caller from the request context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}

// UserLoader resolves users for the middleware.
type UserLoader interface {
	GetUser(ctx context.Context, userID int64) (*domain.User, error)
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("token")
}

// Middleware authenticates requests with a bearer token and injects the caller.
// The user is reloaded on every request so deactivation and role changes apply immediately.
func Middleware(issuer *TokenIssuer, users UserLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := tokenFromRequest(r)
			if raw == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			claims, err := issuer.Parse(raw)
			if err != nil {
				writeUnauthorized(w, "could not validate credentials")
				return
			}

			user, err := users.GetUser(r.Context(), claims.UserID)
			if err != nil {
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				return
			}
			if user == nil || !user.IsActive {
				writeUnauthorized(w, "inactive or unknown user")
				return
			}

			caller := Caller{UserID: user.ID, Email: user.Email, Role: string(user.Role)}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
