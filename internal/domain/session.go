package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a counseling session.
type SessionStatus string

const (
	StatusScheduled  SessionStatus = "scheduled"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusCancelled  SessionStatus = "cancelled"
)

// SessionType distinguishes AI sessions from sessions with a human counselor.
type SessionType string

const (
	SessionTypeAI    SessionType = "AI"
	SessionTypeHuman SessionType = "Human"
)

// Valid reports whether t is a known session type.
func (t SessionType) Valid() bool {
	return t == SessionTypeAI || t == SessionTypeHuman
}

// CanTransition reports whether a session in status s may move to status to.
// in_progress -> in_progress is accepted so that starting a session is idempotent.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	switch s {
	case StatusScheduled:
		return to == StatusInProgress || to == StatusCancelled
	case StatusInProgress:
		return to == StatusInProgress || to == StatusCompleted || to == StatusCancelled
	default:
		return false
	}
}

// Closed returns true once the session reached a terminal status.
func (s SessionStatus) Closed() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Session is one scheduled counseling encounter.
type Session struct {
	ID             int64         `json:"id"`
	UserID         int64         `json:"user_id"`
	CounselorID    *int64        `json:"counselor_id,omitempty"`
	Type           SessionType   `json:"session_type"`
	ScheduledTime  time.Time     `json:"scheduled_time"`
	Status         SessionStatus `json:"status"`
	Transcript     string        `json:"transcript"`
	Summary        string        `json:"summary"`
	RecordingURL   string        `json:"recording_url,omitempty"`
	ReminderSentAt *time.Time    `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// OwnedBy returns true if the session belongs to userID.
func (s *Session) OwnedBy(userID int64) bool {
	return s.UserID == userID
}

// Interaction is one question/answer turn within a session.
type Interaction struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}
