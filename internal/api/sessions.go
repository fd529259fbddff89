package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/counsel-labs/internal/domain"
	"github.com/ashureev/counsel-labs/internal/identity"
	"github.com/ashureev/counsel-labs/internal/notify"
	"github.com/go-chi/chi/v5"
)

const notifyTimeout = 30 * time.Second

// SessionCloser drops live realtime connections of a session.
type SessionCloser interface {
	CloseSession(sessionID int64)
}

// SessionHandler handles scheduling and lifecycle endpoints.
type SessionHandler struct {
	*Handler
	notifier notify.Notifier
	conns    SessionCloser
	now      func() time.Time
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler, notifier notify.Notifier, conns SessionCloser) *SessionHandler {
	return &SessionHandler{Handler: base, notifier: notifier, conns: conns, now: time.Now}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/my", h.Mine)
		r.Get("/user/{userID}", h.ByUser)
		r.Get("/{sessionID}", h.Get)
		r.Put("/{sessionID}", h.Update)
		r.Post("/{sessionID}/cancel", h.Cancel)
	})
}

// timestamp accepts RFC 3339 and zone-less ISO 8601 times; the latter are UTC.
type timestamp struct {
	time.Time
}

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04"}

func (t *timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized time %q", s)
}

type createSessionRequest struct {
	UserID        int64              `json:"user_id"`
	CounselorID   *int64             `json:"counselor_id"`
	Type          domain.SessionType `json:"session_type"`
	ScheduledTime timestamp          `json:"scheduled_time"`
}

// Create schedules a session. Callers book for themselves; admins may book for anyone.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	c, ok := callerOf(w, r)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.UserID == 0 {
		req.UserID = c.UserID
	}
	if req.UserID != c.UserID && !c.IsAdmin() {
		Error(w, http.StatusForbidden, "Not authorized to create sessions for other users")
		return
	}
	if req.Type == "" {
		req.Type = domain.SessionTypeAI
	}
	if !req.Type.Valid() {
		h.fail(w, r, invalid("session_type must be AI or Human"))
		return
	}
	if !req.ScheduledTime.After(h.now()) {
		Error(w, http.StatusBadRequest, "Scheduled time must be in the future")
		return
	}
	if err := h.checkCounselor(r.Context(), req.CounselorID); err != nil {
		h.fail(w, r, err)
		return
	}

	owner, err := h.repo.GetUser(r.Context(), req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if owner == nil {
		Error(w, http.StatusNotFound, "User not found")
		return
	}

	sess := &domain.Session{
		UserID:        req.UserID,
		CounselorID:   req.CounselorID,
		Type:          req.Type,
		ScheduledTime: req.ScheduledTime.Time,
		Status:        domain.StatusScheduled,
	}
	if err := h.repo.CreateSession(r.Context(), sess); err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("Session scheduled",
		"session_id", sess.ID, "user_id", sess.UserID, "type", sess.Type, "scheduled_time", sess.ScheduledTime)
	h.confirm(r.Context(), owner, sess)

	JSON(w, http.StatusCreated, sess)
}

func (h *SessionHandler) checkCounselor(ctx context.Context, counselorID *int64) error {
	if counselorID == nil {
		return nil
	}
	counselor, err := h.repo.GetUser(ctx, *counselorID)
	if err != nil {
		return err
	}
	if counselor == nil || counselor.Role != domain.RoleCounselor {
		return invalid("Invalid counselor ID")
	}
	return nil
}

func (h *SessionHandler) confirm(ctx context.Context, owner *domain.User, sess *domain.Session) {
	if h.notifier == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(bg, notifyTimeout)
		defer cancel()
		if err := h.notifier.SessionConfirmed(ctx, owner, sess); err != nil {
			h.logger.Error("Failed to send session confirmation", "session_id", sess.ID, "error", err)
		}
	}()
}

// Mine lists the caller's sessions.
func (h *SessionHandler) Mine(w http.ResponseWriter, r *http.Request) {
	c, ok := callerOf(w, r)
	if !ok {
		return
	}
	h.writeSessions(w, r, c.UserID)
}

// ByUser lists a user's sessions. Staff may list anyone's.
func (h *SessionHandler) ByUser(w http.ResponseWriter, r *http.Request) {
	c, ok := callerOf(w, r)
	if !ok {
		return
	}
	userID, err := idParam(r, "userID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if userID != c.UserID && !c.IsStaff() {
		Error(w, http.StatusForbidden, "Not authorized to access this resource")
		return
	}
	h.writeSessions(w, r, userID)
}

func (h *SessionHandler) writeSessions(w http.ResponseWriter, r *http.Request, userID int64) {
	sessions, err := h.repo.ListSessionsByUser(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, sessions)
}

// Get returns one session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := h.loadSession(w, r, "Not authorized to access this session")
	if !ok {
		return
	}
	JSON(w, http.StatusOK, sess)
}

type updateSessionRequest struct {
	Type          *domain.SessionType   `json:"session_type"`
	ScheduledTime *timestamp            `json:"scheduled_time"`
	CounselorID   *int64                `json:"counselor_id"`
	RecordingURL  *string               `json:"recording_url"`
	Status        *domain.SessionStatus `json:"status"`
}

// Update changes the details of a session. Scheduling fields may only change
// while the session is still scheduled; status changes follow the lifecycle.
func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	sess, c, ok := h.loadSession(w, r, "Not authorized to update this session")
	if !ok {
		return
	}

	var req updateSessionRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	if req.Type != nil || req.ScheduledTime != nil || req.CounselorID != nil {
		if sess.Status != domain.StatusScheduled {
			h.fail(w, r, fmt.Errorf("reschedule session %d: %w", sess.ID, domain.ErrSessionClosed))
			return
		}
		if req.Type != nil {
			if !req.Type.Valid() {
				h.fail(w, r, invalid("session_type must be AI or Human"))
				return
			}
			sess.Type = *req.Type
		}
		if req.ScheduledTime != nil {
			if !req.ScheduledTime.After(h.now()) {
				Error(w, http.StatusBadRequest, "Scheduled time must be in the future")
				return
			}
			sess.ScheduledTime = req.ScheduledTime.Time
			sess.ReminderSentAt = nil
		}
		if req.CounselorID != nil {
			if err := h.checkCounselor(r.Context(), req.CounselorID); err != nil {
				h.fail(w, r, err)
				return
			}
			sess.CounselorID = req.CounselorID
		}
	}
	if req.RecordingURL != nil {
		sess.RecordingURL = *req.RecordingURL
	}

	if err := h.repo.UpdateSessionDetails(r.Context(), sess); err != nil {
		h.fail(w, r, err)
		return
	}

	if req.Status != nil && *req.Status != sess.Status {
		switch *req.Status {
		case domain.StatusInProgress:
			started, err := h.repo.TransitionSession(r.Context(), sess.ID, domain.StatusInProgress)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			JSON(w, http.StatusOK, started)
			return
		case domain.StatusCancelled:
			h.cancel(w, r, c, sess.ID, "")
			return
		default:
			h.fail(w, r, invalid("status %q cannot be set directly", *req.Status))
			return
		}
	}

	h.logger.Info("Session updated", "session_id", sess.ID, "by", c.UserID)
	JSON(w, http.StatusOK, sess)
}

// Cancel cancels a session. The optional reason comes from the "reason"
// query parameter or a JSON body.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sess, c, ok := h.loadSession(w, r, "Not authorized to cancel this session")
	if !ok {
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" && r.ContentLength > 0 {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decode(w, r, &body); err != nil {
			h.fail(w, r, err)
			return
		}
		reason = body.Reason
	}
	h.cancel(w, r, c, sess.ID, strings.TrimSpace(reason))
}

func (h *SessionHandler) cancel(w http.ResponseWriter, r *http.Request, c identity.Caller, sessionID int64, reason string) {
	cancelled, err := h.repo.CancelSession(r.Context(), sessionID, reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.conns != nil {
		h.conns.CloseSession(sessionID)
	}
	h.logger.Info("Session cancelled", "session_id", sessionID, "by", c.UserID)
	JSON(w, http.StatusOK, cancelled)
}

// loadSession resolves the {sessionID} route parameter to a session the
// caller owns or, for staff, any session.
func (h *SessionHandler) loadSession(w http.ResponseWriter, r *http.Request, forbidden string) (*domain.Session, identity.Caller, bool) {
	c, ok := callerOf(w, r)
	if !ok {
		return nil, c, false
	}
	id, err := idParam(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return nil, c, false
	}
	sess, err := h.repo.GetSession(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return nil, c, false
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "Session not found")
		return nil, c, false
	}
	if !sess.OwnedBy(c.UserID) && !c.IsStaff() {
		Error(w, http.StatusForbidden, forbidden)
		return nil, c, false
	}
	return sess, c, true
}
