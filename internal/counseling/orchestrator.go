package counseling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/counsel-labs/internal/convai"
	"github.com/ashureev/counsel-labs/internal/domain"
	"github.com/ashureev/counsel-labs/internal/store"
)

const notifyTimeout = 30 * time.Second

// Vendor produces a counselor reply for one message.
type Vendor interface {
	ProcessMessage(ctx context.Context, message string, userID int64, uc *domain.UserContext) convai.Reply
}

// SummaryNotifier delivers the summary of a completed session.
type SummaryNotifier interface {
	SessionSummary(ctx context.Context, user *domain.User, session *domain.Session) error
}

// EndResult is the outcome of EndSession.
type EndResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Summary string `json:"summary,omitempty"`
}

// Orchestrator runs the session interaction pipeline. Calls for the same
// session are serialized; calls for different sessions run concurrently.
type Orchestrator struct {
	repo      store.Repository
	assembler *ContextAssembler
	vendor    Vendor
	notifier  SummaryNotifier
	locks     *sessionLocks
	logger    *slog.Logger
}

// NewOrchestrator creates an Orchestrator. notifier may be nil.
func NewOrchestrator(repo store.Repository, vendor Vendor, notifier SummaryNotifier, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		repo:      repo,
		assembler: NewContextAssembler(repo),
		vendor:    vendor,
		notifier:  notifier,
		locks:     newSessionLocks(),
		logger:    logger,
	}
}

// Session resolves a session or returns domain.ErrNotFound.
func (o *Orchestrator) Session(ctx context.Context, sessionID int64) (*domain.Session, error) {
	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
	}
	return sess, nil
}

// OpenSession moves a session into in_progress, returning it.
// A session that is already in progress is returned unchanged.
func (o *Orchestrator) OpenSession(ctx context.Context, sessionID int64) (*domain.Session, error) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	sess, err := o.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return o.start(ctx, sess)
}

func (o *Orchestrator) start(ctx context.Context, sess *domain.Session) (*domain.Session, error) {
	if sess.Status.Closed() {
		return nil, fmt.Errorf("session %d is %s: %w", sess.ID, sess.Status, domain.ErrSessionClosed)
	}
	if sess.Status == domain.StatusInProgress {
		return sess, nil
	}
	started, err := o.repo.TransitionSession(ctx, sess.ID, domain.StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	o.logger.Info("Session started", "session_id", sess.ID, "user_id", sess.UserID)
	return started, nil
}

// HandleMessage sends message to the vendor on behalf of the session owner
// and records the exchange. Exactly one interaction is stored per call, even
// when the vendor reply is a fallback.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID int64, message string) (convai.Reply, error) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	sess, err := o.Session(ctx, sessionID)
	if err != nil {
		return convai.Reply{}, err
	}
	if sess, err = o.start(ctx, sess); err != nil {
		return convai.Reply{}, err
	}

	uc, err := o.assembler.BuildContext(ctx, sess.UserID)
	if err != nil {
		return convai.Reply{}, err
	}

	reply := o.vendor.ProcessMessage(ctx, message, sess.UserID, uc)

	interaction := &domain.Interaction{
		SessionID: sessionID,
		Question:  message,
		Answer:    reply.Text,
	}
	if err := o.repo.AppendInteraction(ctx, interaction); err != nil {
		return convai.Reply{}, fmt.Errorf("store interaction: %w", err)
	}

	o.logger.Debug("Interaction stored",
		"session_id", sessionID, "interaction_id", interaction.ID, "has_audio", reply.HasAudio())
	return reply, nil
}

// Interactions returns the exchanges of a session in order.
func (o *Orchestrator) Interactions(ctx context.Context, sessionID int64) ([]*domain.Interaction, error) {
	if _, err := o.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.repo.ListInteractions(ctx, sessionID)
}

// EndSession summarizes the conversation, completes the session and sends
// the summary to the student. A session without interactions is left
// untouched and reported as an unsuccessful EndResult with
// domain.ErrNoInteractions.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID int64) (EndResult, error) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	sess, err := o.Session(ctx, sessionID)
	if err != nil {
		return EndResult{Success: false, Message: "Session not found"}, err
	}

	interactions, err := o.repo.ListInteractions(ctx, sessionID)
	if err != nil {
		return EndResult{}, fmt.Errorf("load interactions: %w", err)
	}
	if len(interactions) == 0 {
		o.logger.Warn("No interactions found for session", "session_id", sessionID)
		return EndResult{Success: false, Message: "No interactions found for this session"}, domain.ErrNoInteractions
	}
	if sess.Status.Closed() {
		return EndResult{Success: false, Message: "Session is already " + string(sess.Status)},
			fmt.Errorf("session %d is %s: %w", sessionID, sess.Status, domain.ErrSessionClosed)
	}

	transcript := RenderTranscript(interactions)

	uc, err := o.assembler.BuildContext(ctx, sess.UserID)
	if err != nil {
		return EndResult{}, err
	}
	summary := o.vendor.ProcessMessage(ctx, SummaryPrompt(transcript), sess.UserID, uc).Text

	completed, err := o.repo.CompleteSession(ctx, sessionID, transcript, summary)
	if err != nil {
		if errors.Is(err, domain.ErrNoInteractions) {
			return EndResult{Success: false, Message: "No interactions found for this session"}, err
		}
		return EndResult{}, fmt.Errorf("complete session: %w", err)
	}

	o.logger.Info("Session completed", "session_id", sessionID, "interactions", len(interactions))
	o.notifySummary(ctx, completed)

	return EndResult{Success: true, Message: "Session ended successfully", Summary: summary}, nil
}

// notifySummary emails the summary in the background; failures are only logged.
func (o *Orchestrator) notifySummary(ctx context.Context, sess *domain.Session) {
	if o.notifier == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(bg, notifyTimeout)
		defer cancel()

		user, err := o.repo.GetUser(ctx, sess.UserID)
		if err != nil || user == nil {
			o.logger.Warn("Cannot load user for session summary", "session_id", sess.ID, "error", err)
			return
		}
		if err := o.notifier.SessionSummary(ctx, user, sess); err != nil {
			o.logger.Error("Failed to send session summary", "session_id", sess.ID, "error", err)
		}
	}()
}
