package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/counsel-labs/internal/domain"
)

const reminderInterval = time.Minute

// ReminderStore is the persistence the reminder worker needs.
type ReminderStore interface {
	ListDueReminders(ctx context.Context, from, to time.Time) ([]*domain.Session, error)
	MarkReminderSent(ctx context.Context, sessionID int64, at time.Time) error
	GetUser(ctx context.Context, userID int64) (*domain.User, error)
}

// ReminderWorker emails students shortly before their scheduled sessions.
type ReminderWorker struct {
	repo     ReminderStore
	notifier Notifier
	lead     time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewReminderWorker creates a worker that reminds lead before each session.
func NewReminderWorker(repo ReminderStore, notifier Notifier, lead time.Duration, logger *slog.Logger) *ReminderWorker {
	if lead <= 0 {
		lead = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderWorker{repo: repo, notifier: notifier, lead: lead, logger: logger, now: time.Now}
}

// Start runs the sweep every minute until ctx is cancelled.
func (w *ReminderWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(reminderInterval)
	go func() {
		defer ticker.Stop()
		w.logger.Info("Reminder worker started", "interval", reminderInterval, "lead", w.lead)

		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-ctx.Done():
				w.logger.Info("Reminder worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep sends reminders for every scheduled session starting within the lead
// window that has not been reminded yet. It returns how many were sent.
func (w *ReminderWorker) Sweep(ctx context.Context) int {
	now := w.now()
	due, err := w.repo.ListDueReminders(ctx, now, now.Add(w.lead))
	if err != nil {
		w.logger.Error("Reminder worker failed to list due sessions", "error", err)
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	sent := 0
	for _, sess := range due {
		user, err := w.repo.GetUser(ctx, sess.UserID)
		if err != nil || user == nil {
			w.logger.Warn("Reminder worker cannot load user", "session_id", sess.ID, "user_id", sess.UserID, "error", err)
			continue
		}

		if err := w.notifier.SessionReminder(ctx, user, sess); err != nil {
			w.logger.Error("Reminder worker failed to send reminder", "session_id", sess.ID, "error", err)
			continue
		}

		if err := w.repo.MarkReminderSent(ctx, sess.ID, now); err != nil {
			w.logger.Warn("Reminder worker failed to mark reminder sent", "session_id", sess.ID, "error", err)
			continue
		}
		sent++
	}

	w.logger.Info("Reminder sweep completed", "due", len(due), "sent", sent)
	return sent
}
