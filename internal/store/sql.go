package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/counsel-labs/internal/domain"
	"github.com/ashureev/counsel-labs/internal/shared"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

const (
	conflictRetries   = 5
	conflictBaseDelay = 20 * time.Millisecond
)

// SQLStore implements Repository on database/sql for SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// NewSQLite creates a SQLite-backed repository at dbPath and applies migrations.
func NewSQLite(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return open(ctx, db, dialectSQLite, logger)
}

// NewPostgres creates a Postgres-backed repository through the pgx stdlib driver.
func NewPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return open(ctx, db, dialectPostgres, logger)
}

func open(ctx context.Context, db *sql.DB, d dialect, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(ctx, db, d, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, dialect: d, logger: logger}, nil
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate returns the row lock clause for dialects that have one.
func (s *SQLStore) forUpdate() string {
	if s.dialect == dialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// withTx runs fn in a transaction, retrying the whole transaction on SQLite lock contention.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return shared.RetryOnConflict(ctx, conflictRetries, conflictBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// ---- users ----

const userColumns = `id, email, password_hash, full_name, grade_class, contact, expectations, role, is_active, created_at`

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	var role string
	var createdAt int64
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.GradeClass,
		&u.Contact, &u.Expectations, &role, &u.IsActive, &createdAt)
	if err != nil {
		return nil, err
	}
	u.Role = domain.Role(role)
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

// CreateUser inserts a user.
func (s *SQLStore) CreateUser(ctx context.Context, user *domain.User) error {
	if user.Role == "" {
		user.Role = domain.RoleStudent
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query := s.rebind(`
		INSERT INTO users (email, password_hash, full_name, grade_class, contact, expectations, role, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := s.db.QueryRowContext(ctx, query,
		user.Email, user.PasswordHash, user.FullName, user.GradeClass, user.Contact,
		user.Expectations, string(user.Role), user.IsActive, millis(user.CreatedAt),
	).Scan(&user.ID)
	if shared.IsUniqueViolation(err) {
		return domain.ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLStore) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	query := s.rebind(`SELECT ` + userColumns + ` FROM users WHERE id = ?`)
	u, err := scanUser(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email address.
func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := s.rebind(`SELECT ` + userColumns + ` FROM users WHERE email = ?`)
	u, err := scanUser(s.db.QueryRowContext(ctx, query, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return u, nil
}

// UpdateUser overwrites the mutable profile fields of a user.
func (s *SQLStore) UpdateUser(ctx context.Context, user *domain.User) error {
	query := s.rebind(`
		UPDATE users SET email = ?, full_name = ?, grade_class = ?, contact = ?, expectations = ?,
		       role = ?, is_active = ?, password_hash = ?
		WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query,
		user.Email, user.FullName, user.GradeClass, user.Contact, user.Expectations,
		string(user.Role), user.IsActive, user.PasswordHash, user.ID)
	if shared.IsUniqueViolation(err) {
		return domain.ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return expectRow(result, "user", user.ID)
}

// ListUsers pages through users, optionally filtered by role.
func (s *SQLStore) ListUsers(ctx context.Context, role domain.Role, offset, limit int) ([]*domain.User, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if role != "" {
		query += ` WHERE role = ?`
		args = append(args, string(role))
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---- sessions ----

const sessionColumns = `id, user_id, counselor_id, session_type, scheduled_time, status,
	transcript, summary, recording_url, reminder_sent_at, created_at, updated_at`

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var counselorID, reminderSentAt sql.NullInt64
	var sessionType, status string
	var scheduled, createdAt, updatedAt int64

	err := row.Scan(&sess.ID, &sess.UserID, &counselorID, &sessionType, &scheduled, &status,
		&sess.Transcript, &sess.Summary, &sess.RecordingURL, &reminderSentAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if counselorID.Valid {
		id := counselorID.Int64
		sess.CounselorID = &id
	}
	if reminderSentAt.Valid {
		at := fromMillis(reminderSentAt.Int64)
		sess.ReminderSentAt = &at
	}
	sess.Type = domain.SessionType(sessionType)
	sess.Status = domain.SessionStatus(status)
	sess.ScheduledTime = fromMillis(scheduled)
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	return &sess, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

// CreateSession inserts a session.
func (s *SQLStore) CreateSession(ctx context.Context, session *domain.Session) error {
	now := time.Now().UTC()
	if session.Status == "" {
		session.Status = domain.StatusScheduled
	}
	session.CreatedAt = now
	session.UpdatedAt = now

	query := s.rebind(`
		INSERT INTO sessions (user_id, counselor_id, session_type, scheduled_time, status,
		                      transcript, summary, recording_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := s.db.QueryRowContext(ctx, query,
		session.UserID, nullableID(session.CounselorID), string(session.Type),
		millis(session.ScheduledTime), string(session.Status),
		session.Transcript, session.Summary, session.RecordingURL,
		millis(now), millis(now),
	).Scan(&session.ID)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLStore) GetSession(ctx context.Context, sessionID int64) (*domain.Session, error) {
	return s.getSession(ctx, s.db, sessionID, false)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) getSession(ctx context.Context, q queryer, sessionID int64, lock bool) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	if lock {
		query += s.forUpdate()
	}
	sess, err := scanSession(q.QueryRowContext(ctx, s.rebind(query), sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessionsByUser returns the sessions owned by a user.
func (s *SQLStore) ListSessionsByUser(ctx context.Context, userID int64) ([]*domain.Session, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ? ORDER BY scheduled_time, id`)
	return s.querySessions(ctx, query, userID)
}

func (s *SQLStore) querySessions(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionDetails updates type, schedule, counselor and recording URL.
func (s *SQLStore) UpdateSessionDetails(ctx context.Context, session *domain.Session) error {
	session.UpdatedAt = time.Now().UTC()
	query := s.rebind(`
		UPDATE sessions SET session_type = ?, scheduled_time = ?, counselor_id = ?,
		       recording_url = ?, reminder_sent_at = ?, updated_at = ?
		WHERE id = ?`)
	var reminded any
	if session.ReminderSentAt != nil {
		reminded = millis(*session.ReminderSentAt)
	}
	result, err := s.db.ExecContext(ctx, query,
		string(session.Type), millis(session.ScheduledTime), nullableID(session.CounselorID),
		session.RecordingURL, reminded, millis(session.UpdatedAt), session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return expectRow(result, "session", session.ID)
}

// TransitionSession moves a session to a new status.
// Moving an in_progress session to in_progress again leaves it untouched.
func (s *SQLStore) TransitionSession(ctx context.Context, sessionID int64, to domain.SessionStatus) (*domain.Session, error) {
	var out *domain.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.lockedTransition(ctx, tx, sessionID, to)
		if err != nil {
			return err
		}
		if sess.Status == to {
			out = sess
			return nil
		}
		sess.Status = to
		sess.UpdatedAt = time.Now().UTC()
		query := s.rebind(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, query, string(to), millis(sess.UpdatedAt), sessionID); err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		out = sess
		return nil
	})
	return out, err
}

// CompleteSession marks a session completed with its transcript and summary.
func (s *SQLStore) CompleteSession(ctx context.Context, sessionID int64, transcript, summary string) (*domain.Session, error) {
	var out *domain.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.lockedTransition(ctx, tx, sessionID, domain.StatusCompleted)
		if err != nil {
			return err
		}

		var count int
		countQuery := s.rebind(`SELECT COUNT(*) FROM session_interactions WHERE session_id = ?`)
		if err := tx.QueryRowContext(ctx, countQuery, sessionID).Scan(&count); err != nil {
			return fmt.Errorf("count interactions: %w", err)
		}
		if count == 0 {
			return domain.ErrNoInteractions
		}

		sess.Status = domain.StatusCompleted
		sess.Transcript = transcript
		sess.Summary = summary
		sess.UpdatedAt = time.Now().UTC()
		query := s.rebind(`UPDATE sessions SET status = ?, transcript = ?, summary = ?, updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, query,
			string(sess.Status), transcript, summary, millis(sess.UpdatedAt), sessionID); err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
		out = sess
		return nil
	})
	return out, err
}

// CancelSession marks a session cancelled and records the reason in its summary.
func (s *SQLStore) CancelSession(ctx context.Context, sessionID int64, reason string) (*domain.Session, error) {
	var out *domain.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.lockedTransition(ctx, tx, sessionID, domain.StatusCancelled)
		if err != nil {
			return err
		}
		sess.Status = domain.StatusCancelled
		if reason != "" {
			sess.Summary = "Cancelled: " + reason
		}
		sess.UpdatedAt = time.Now().UTC()
		query := s.rebind(`UPDATE sessions SET status = ?, summary = ?, updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, query,
			string(sess.Status), sess.Summary, millis(sess.UpdatedAt), sessionID); err != nil {
			return fmt.Errorf("cancel session: %w", err)
		}
		out = sess
		return nil
	})
	return out, err
}

// lockedTransition loads a session inside tx and checks that it may move to status to.
func (s *SQLStore) lockedTransition(ctx context.Context, tx *sql.Tx, sessionID int64, to domain.SessionStatus) (*domain.Session, error) {
	sess, err := s.getSession(ctx, tx, sessionID, true)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
	}
	if !sess.Status.CanTransition(to) {
		return nil, fmt.Errorf("%s -> %s: %w", sess.Status, to, domain.ErrInvalidTransition)
	}
	return sess, nil
}

// ListDueReminders returns scheduled sessions starting in [from, to] without a reminder.
func (s *SQLStore) ListDueReminders(ctx context.Context, from, to time.Time) ([]*domain.Session, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = ? AND reminder_sent_at IS NULL AND scheduled_time >= ? AND scheduled_time <= ?
		ORDER BY scheduled_time, id`)
	return s.querySessions(ctx, query, string(domain.StatusScheduled), millis(from), millis(to))
}

// MarkReminderSent records that a reminder went out for a session.
func (s *SQLStore) MarkReminderSent(ctx context.Context, sessionID int64, at time.Time) error {
	query := s.rebind(`UPDATE sessions SET reminder_sent_at = ?, updated_at = ? WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query, millis(at), millis(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	return expectRow(result, "session", sessionID)
}

// ---- interactions ----

// AppendInteraction inserts an interaction.
func (s *SQLStore) AppendInteraction(ctx context.Context, interaction *domain.Interaction) error {
	if interaction.Timestamp.IsZero() {
		interaction.Timestamp = time.Now().UTC()
	}
	query := s.rebind(`
		INSERT INTO session_interactions (session_id, question, answer, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`)

	return shared.RetryOnConflict(ctx, conflictRetries, conflictBaseDelay, func() error {
		err := s.db.QueryRowContext(ctx, query,
			interaction.SessionID, interaction.Question, interaction.Answer, millis(interaction.Timestamp),
		).Scan(&interaction.ID)
		if err != nil {
			return fmt.Errorf("insert interaction: %w", err)
		}
		return nil
	})
}

// ListInteractions returns the interactions of a session in creation order.
func (s *SQLStore) ListInteractions(ctx context.Context, sessionID int64) ([]*domain.Interaction, error) {
	query := s.rebind(`
		SELECT id, session_id, question, answer, created_at
		FROM session_interactions WHERE session_id = ?
		ORDER BY created_at, id`)

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Interaction
	for rows.Next() {
		var it domain.Interaction
		var ts int64
		if err := rows.Scan(&it.ID, &it.SessionID, &it.Question, &it.Answer, &ts); err != nil {
			return nil, fmt.Errorf("scan interaction row: %w", err)
		}
		it.Timestamp = fromMillis(ts)
		out = append(out, &it)
	}
	return out, rows.Err()
}

// CountInteractions returns how many interactions a session has.
func (s *SQLStore) CountInteractions(ctx context.Context, sessionID int64) (int, error) {
	var count int
	query := s.rebind(`SELECT COUNT(*) FROM session_interactions WHERE session_id = ?`)
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count interactions: %w", err)
	}
	return count, nil
}

// ---- assessments ----

// CreateAssessment inserts an assessment snapshot.
func (s *SQLStore) CreateAssessment(ctx context.Context, a *domain.Assessment) error {
	if a.UploadedAt.IsZero() {
		a.UploadedAt = time.Now().UTC()
	}

	fields := []any{a.Interests, a.Skills, a.Aptitude, a.RecommendedCareers, a.SubjectsInterested}
	encoded := make([]string, len(fields))
	for i, f := range fields {
		raw, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("marshal assessment field: %w", err)
		}
		encoded[i] = string(raw)
	}

	query := s.rebind(`
		INSERT INTO assessments (user_id, interests, skills, personality_type, aptitude,
		                         recommended_careers, subjects_interested, report_url, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := s.db.QueryRowContext(ctx, query,
		a.UserID, encoded[0], encoded[1], a.PersonalityType, encoded[2],
		encoded[3], encoded[4], a.ReportURL, millis(a.UploadedAt),
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}
	return nil
}

// LatestAssessment returns the most recently uploaded snapshot for a user.
func (s *SQLStore) LatestAssessment(ctx context.Context, userID int64) (*domain.Assessment, error) {
	query := s.rebind(`
		SELECT id, user_id, interests, skills, personality_type, aptitude,
		       recommended_careers, subjects_interested, report_url, uploaded_at
		FROM assessments WHERE user_id = ?
		ORDER BY uploaded_at DESC, id DESC LIMIT 1`)

	var a domain.Assessment
	var interests, skills, aptitude, careers, subjects string
	var uploadedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&a.ID, &a.UserID, &interests, &skills, &a.PersonalityType, &aptitude,
		&careers, &subjects, &a.ReportURL, &uploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan assessment row: %w", err)
	}

	targets := []struct {
		raw string
		dst any
	}{
		{interests, &a.Interests},
		{skills, &a.Skills},
		{aptitude, &a.Aptitude},
		{careers, &a.RecommendedCareers},
		{subjects, &a.SubjectsInterested},
	}
	for _, t := range targets {
		if err := json.Unmarshal([]byte(t.raw), t.dst); err != nil {
			return nil, fmt.Errorf("decode assessment field: %w", err)
		}
	}
	a.UploadedAt = fromMillis(uploadedAt)
	return &a, nil
}

func expectRow(result sql.Result, kind string, id int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}
