package domain

import (
	"time"
)

// Assessment is a psychometric snapshot uploaded for a user.
// The most recently uploaded snapshot is the one used for personalization.
type Assessment struct {
	ID                 int64          `json:"id"`
	UserID             int64          `json:"user_id"`
	Interests          []string       `json:"interests"`
	Skills             []string       `json:"skills"`
	PersonalityType    string         `json:"personality_type"`
	Aptitude           map[string]int `json:"aptitude"`
	RecommendedCareers []string       `json:"recommended_careers"`
	SubjectsInterested []string       `json:"subjects_interested"`
	ReportURL          string         `json:"report_url,omitempty"`
	UploadedAt         time.Time      `json:"uploaded_at"`
}

// Profile is the personal part of a UserContext.
type Profile struct {
	Name         string `json:"name"`
	GradeClass   string `json:"grade_class"`
	Expectations string `json:"expectations"`
}

// UserContext is the derived personalization bundle sent along with every
// vendor call. It is rebuilt per call and never persisted.
// A nil Profile means no personalization is available.
type UserContext struct {
	Profile    *Profile    `json:"profile,omitempty"`
	Assessment *Assessment `json:"assessment,omitempty"`
}

// Empty returns true when the context carries no profile data.
func (c *UserContext) Empty() bool {
	return c == nil || c.Profile == nil
}
