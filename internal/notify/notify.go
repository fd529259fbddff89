// Package notify delivers session emails: confirmations, reminders and summaries.
package notify

import (
	"context"
	"log/slog"

	"github.com/ashureev/counsel-labs/internal/domain"
)

// Notifier sends session-related messages to a user.
// Callers treat delivery as fire-and-forget and only log failures.
type Notifier interface {
	SessionConfirmed(ctx context.Context, user *domain.User, session *domain.Session) error
	SessionReminder(ctx context.Context, user *domain.User, session *domain.Session) error
	SessionSummary(ctx context.Context, user *domain.User, session *domain.Session) error
}

// LogNotifier writes notifications to the log instead of sending them.
// It is used when no mail server is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) log(kind string, user *domain.User, session *domain.Session) {
	n.logger.Info("Notification (mail disabled)",
		"kind", kind, "to", user.Email, "session_id", session.ID, "scheduled_time", session.ScheduledTime)
}

// SessionConfirmed logs a confirmation.
func (n *LogNotifier) SessionConfirmed(_ context.Context, user *domain.User, session *domain.Session) error {
	n.log("confirmation", user, session)
	return nil
}

// SessionReminder logs a reminder.
func (n *LogNotifier) SessionReminder(_ context.Context, user *domain.User, session *domain.Session) error {
	n.log("reminder", user, session)
	return nil
}

// SessionSummary logs a summary.
func (n *LogNotifier) SessionSummary(_ context.Context, user *domain.User, session *domain.Session) error {
	n.log("summary", user, session)
	return nil
}
