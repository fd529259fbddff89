// Package api provides HTTP handlers for the counseling API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/counsel-labs/internal/domain"
	"github.com/ashureev/counsel-labs/internal/identity"
	"github.com/ashureev/counsel-labs/internal/store"
	"github.com/go-chi/chi/v5"
)

const maxJSONBody = 1 << 20

// Handler provides common handler utilities.
type Handler struct {
	repo   store.Repository
	logger *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{repo: repo, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// fail maps err onto a status code. Business failures keep their message;
// anything unexpected is logged and hidden behind a generic 500.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrSessionClosed):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNoInteractions),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrEmailTaken),
		errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	default:
		h.logger.Error("Request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	Error(w, status, publicMessage(err))
}

// publicMessage returns the sentinel text for err, or the outer message for
// validation failures which carry their own detail.
func publicMessage(err error) string {
	for _, sentinel := range []error{
		domain.ErrNotFound, domain.ErrForbidden, domain.ErrSessionClosed,
		domain.ErrNoInteractions, domain.ErrInvalidTransition, domain.ErrEmailTaken,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

// invalid wraps a validation message so fail reports it as a 400.
func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrInvalidInput)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return invalid("malformed request body")
	}
	return nil
}

func callerOf(w http.ResponseWriter, r *http.Request) (identity.Caller, bool) {
	c, ok := identity.CallerFromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
	}
	return c, ok
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, invalid("invalid %s", name)
	}
	return id, nil
}
