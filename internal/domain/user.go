// Package domain contains core domain types for the counseling service.
package domain

import (
	"time"
)

// Role controls what a user may see and change.
type Role string

const (
	// RoleStudent is the default role for registered users.
	RoleStudent Role = "STUDENT"
	// RoleCounselor marks human counselors that can be attached to sessions.
	RoleCounselor Role = "COUNSELOR"
	// RoleAdmin grants access to every user and session.
	RoleAdmin Role = "ADMIN"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleCounselor, RoleAdmin:
		return true
	}
	return false
}

// User represents a registered account.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"full_name"`
	GradeClass   string    `json:"grade_class"`
	Contact      string    `json:"contact"`
	Expectations string    `json:"expectations"`
	Role         Role      `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsAdmin returns true for administrator accounts.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// IsStaff returns true for counselors and administrators.
func (u *User) IsStaff() bool {
	return u.Role == RoleAdmin || u.Role == RoleCounselor
}
