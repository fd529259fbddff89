// Package counseling coordinates counseling sessions: it assembles user
// context, calls the conversational vendor and records each exchange.
package counseling

import (
	"context"
	"fmt"

	"github.com/ashureev/counsel-labs/internal/domain"
	"github.com/ashureev/counsel-labs/internal/store"
)

// ContextAssembler builds the personalization context sent to the vendor.
type ContextAssembler struct {
	repo store.Repository
}

// NewContextAssembler creates a new ContextAssembler.
func NewContextAssembler(repo store.Repository) *ContextAssembler {
	return &ContextAssembler{repo: repo}
}

// BuildContext returns the profile and latest assessment for userID.
// An unknown user yields an empty context, not an error.
func (a *ContextAssembler) BuildContext(ctx context.Context, userID int64) (*domain.UserContext, error) {
	user, err := a.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return &domain.UserContext{}, nil
	}

	uc := &domain.UserContext{
		Profile: &domain.Profile{
			Name:         user.FullName,
			GradeClass:   user.GradeClass,
			Expectations: user.Expectations,
		},
	}

	assessment, err := a.repo.LatestAssessment(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load assessment: %w", err)
	}
	uc.Assessment = assessment
	return uc, nil
}
