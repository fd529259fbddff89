package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/counsel-labs/internal/domain"
)

type fakeUsers map[int64]*domain.User

func (f fakeUsers) GetUser(_ context.Context, id int64) (*domain.User, error) {
	return f[id], nil
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	issuer := NewTokenIssuer("secret", time.Hour)
	token, expires, err := issuer.Issue(Caller{UserID: 7, Email: "a@b.c", Role: "ADMIN"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expected expiry in the future, got %v", expires)
	}

	c, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.UserID != 7 || c.Email != "a@b.c" || !c.IsAdmin() {
		t.Errorf("unexpected caller: %+v", c)
	}
}

func TestTokenRejected(t *testing.T) {
	t.Parallel()

	issuer := NewTokenIssuer("secret", time.Minute)
	token, _, _ := issuer.Issue(Caller{UserID: 1})

	other := NewTokenIssuer("other-secret", time.Minute)
	if _, err := other.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}

	later := NewTokenIssuer("secret", time.Minute)
	later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := later.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestPasswordHash(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "hunter2") {
		t.Error("expected password to match")
	}
	if CheckPassword(hash, "wrong") {
		t.Error("expected wrong password to be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	issuer := NewTokenIssuer("secret", time.Hour)
	users := fakeUsers{
		1: {ID: 1, Email: "s@x.io", Role: domain.RoleStudent, IsActive: true},
		2: {ID: 2, Email: "off@x.io", Role: domain.RoleStudent, IsActive: false},
	}

	var got Caller
	h := Middleware(issuer, users)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	active, _, _ := issuer.Issue(Caller{UserID: 1})
	inactive, _, _ := issuer.Issue(Caller{UserID: 2})
	unknown, _, _ := issuer.Issue(Caller{UserID: 3})

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer header", "Bearer " + active, "", http.StatusNoContent},
		{"query token", "", "?token=" + active, http.StatusNoContent},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + active, "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", "", http.StatusUnauthorized},
		{"inactive", "Bearer " + inactive, "", http.StatusUnauthorized},
		{"unknown", "Bearer " + unknown, "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/x"+tt.query, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.want, w.Code)
		}
	}

	if got.UserID != 1 || got.Email != "s@x.io" || got.Role != "STUDENT" {
		t.Errorf("unexpected caller in context: %+v", got)
	}
}
