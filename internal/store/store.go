// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/counsel-labs/internal/domain"
)

// Repository defines the interface for persisting users, sessions,
// interactions and assessment snapshots.
//
// Getters return (nil, nil) when the row does not exist. Mutations on a
// missing row return an error wrapping domain.ErrNotFound.
type Repository interface {
	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// CreateUser inserts a user and fills in its ID and CreatedAt.
	// Returns domain.ErrEmailTaken if the email already exists.
	CreateUser(ctx context.Context, user *domain.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, userID int64) (*domain.User, error)

	// GetUserByEmail retrieves a user by email address.
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// UpdateUser overwrites the mutable fields of a user.
	// Returns domain.ErrEmailTaken if the new email belongs to another user.
	UpdateUser(ctx context.Context, user *domain.User) error

	// ListUsers pages through users, optionally filtered by role.
	ListUsers(ctx context.Context, role domain.Role, offset, limit int) ([]*domain.User, error)

	// CreateSession inserts a session and fills in its ID and timestamps.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, sessionID int64) (*domain.Session, error)

	// ListSessionsByUser returns the sessions owned by a user, ordered by scheduled time.
	ListSessionsByUser(ctx context.Context, userID int64) ([]*domain.Session, error)

	// UpdateSessionDetails updates type, schedule, counselor, recording URL and reminder mark.
	UpdateSessionDetails(ctx context.Context, session *domain.Session) error

	// TransitionSession moves a session to a new status inside a transaction.
	// Returns domain.ErrInvalidTransition if the lifecycle forbids the change.
	TransitionSession(ctx context.Context, sessionID int64, to domain.SessionStatus) (*domain.Session, error)

	// CompleteSession marks a session completed and stores transcript and summary.
	// Returns domain.ErrNoInteractions if the session has no interactions.
	CompleteSession(ctx context.Context, sessionID int64, transcript, summary string) (*domain.Session, error)

	// CancelSession marks a session cancelled, storing the reason in the summary.
	CancelSession(ctx context.Context, sessionID int64, reason string) (*domain.Session, error)

	// ListDueReminders returns scheduled sessions starting in [from, to] that were not reminded yet.
	ListDueReminders(ctx context.Context, from, to time.Time) ([]*domain.Session, error)

	// MarkReminderSent records that a reminder went out for a session.
	MarkReminderSent(ctx context.Context, sessionID int64, at time.Time) error

	// AppendInteraction inserts an interaction and fills in its ID and Timestamp.
	AppendInteraction(ctx context.Context, interaction *domain.Interaction) error

	// ListInteractions returns the interactions of a session in creation order.
	ListInteractions(ctx context.Context, sessionID int64) ([]*domain.Interaction, error)

	// CountInteractions returns how many interactions a session has.
	CountInteractions(ctx context.Context, sessionID int64) (int, error)

	// CreateAssessment inserts an assessment snapshot and fills in its ID.
	CreateAssessment(ctx context.Context, assessment *domain.Assessment) error

	// LatestAssessment returns the most recently uploaded snapshot for a user.
	LatestAssessment(ctx context.Context, userID int64) (*domain.Assessment, error)
}
