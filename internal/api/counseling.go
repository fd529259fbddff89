package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/counsel-labs/internal/convai"
	"github.com/ashureev/counsel-labs/internal/counseling"
	"github.com/ashureev/counsel-labs/internal/domain"
	"github.com/go-chi/chi/v5"
)

const notAuthorizedSession = "Not authorized to access this session"

// Counselor is the interaction pipeline behind the counseling endpoints.
type Counselor interface {
	Session(ctx context.Context, sessionID int64) (*domain.Session, error)
	HandleMessage(ctx context.Context, sessionID int64, message string) (convai.Reply, error)
	Interactions(ctx context.Context, sessionID int64) ([]*domain.Interaction, error)
	EndSession(ctx context.Context, sessionID int64) (counseling.EndResult, error)
}

// CounselingHandler exposes the AI counselor over plain HTTP and mounts the
// realtime channel.
type CounselingHandler struct {
	*Handler
	counselor Counselor
	conns     SessionCloser
	realtime  http.Handler
	limit     func(http.Handler) http.Handler
}

// NewCounselingHandler creates a new counseling handler. limit wraps the
// interact endpoints and may be nil.
func NewCounselingHandler(base *Handler, counselor Counselor, conns SessionCloser, realtime http.Handler, limit func(http.Handler) http.Handler) *CounselingHandler {
	return &CounselingHandler{
		Handler:   base,
		counselor: counselor,
		conns:     conns,
		realtime:  realtime,
		limit:     limit,
	}
}

// RegisterRoutes registers counseling routes.
func (h *CounselingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/counseling", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.limit != nil {
				r.Use(h.limit)
			}
			r.Post("/interact", h.Interact)
			r.Post("/interact-with-audio", h.InteractWithAudio)
		})
		r.Get("/interactions/{sessionID}", h.Interactions)
		r.Post("/end-session/{sessionID}", h.EndSession)
		if h.realtime != nil {
			r.Get("/ws/{sessionID}", h.realtime.ServeHTTP)
		}
	})
}

type interactRequest struct {
	SessionID int64  `json:"session_id"`
	Question  string `json:"question"`
}

type interactResponse struct {
	SessionID int64  `json:"session_id"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	HasAudio  bool   `json:"has_audio"`
}

// Interact sends one question to the counselor and returns the text answer.
func (h *CounselingHandler) Interact(w http.ResponseWriter, r *http.Request) {
	req, ok := h.interactRequest(w, r)
	if !ok {
		return
	}
	reply, err := h.counselor.HandleMessage(r.Context(), req.SessionID, req.Question)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, interactResponse{
		SessionID: req.SessionID,
		Question:  req.Question,
		Answer:    reply.Text,
		HasAudio:  reply.HasAudio(),
	})
}

// InteractWithAudio answers with the spoken reply when the counselor produced
// audio and falls back to the text otherwise.
func (h *CounselingHandler) InteractWithAudio(w http.ResponseWriter, r *http.Request) {
	req, ok := h.interactRequest(w, r)
	if !ok {
		return
	}
	reply, err := h.counselor.HandleMessage(r.Context(), req.SessionID, req.Question)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !reply.HasAudio() {
		JSON(w, http.StatusOK, map[string]string{"text": reply.Text})
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(reply.Audio)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(reply.Audio); err != nil {
		h.logger.Debug("Failed to write audio reply", "session_id", req.SessionID, "error", err)
	}
}

func (h *CounselingHandler) interactRequest(w http.ResponseWriter, r *http.Request) (interactRequest, bool) {
	var req interactRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return req, false
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		h.fail(w, r, invalid("question is required"))
		return req, false
	}
	if _, ok := h.authorize(w, r, req.SessionID); !ok {
		return req, false
	}
	return req, true
}

// Interactions lists the exchanges of a session in order.
func (h *CounselingHandler) Interactions(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, ok := h.authorize(w, r, id); !ok {
		return
	}

	interactions, err := h.counselor.Interactions(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if interactions == nil {
		interactions = []*domain.Interaction{}
	}
	JSON(w, http.StatusOK, interactions)
}

// EndSession summarizes and completes a session, closing its realtime channel.
func (h *CounselingHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "sessionID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, ok := h.authorize(w, r, id); !ok {
		return
	}

	result, err := h.counselor.EndSession(r.Context(), id)
	if err != nil {
		if result.Message != "" && !errors.Is(err, domain.ErrNotFound) {
			Error(w, http.StatusBadRequest, result.Message)
			return
		}
		h.fail(w, r, err)
		return
	}

	if h.conns != nil {
		h.conns.CloseSession(id)
	}
	JSON(w, http.StatusOK, result)
}

// authorize resolves a session and checks that the caller owns it.
// Counseling is private to the student; staff get no access here.
func (h *CounselingHandler) authorize(w http.ResponseWriter, r *http.Request, sessionID int64) (*domain.Session, bool) {
	c, ok := callerOf(w, r)
	if !ok {
		return nil, false
	}
	if sessionID <= 0 {
		h.fail(w, r, invalid("invalid session_id"))
		return nil, false
	}

	sess, err := h.counselor.Session(r.Context(), sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		Error(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if !sess.OwnedBy(c.UserID) {
		Error(w, http.StatusForbidden, notAuthorizedSession)
		return nil, false
	}
	return sess, true
}
