package domain

import "testing"

func TestSessionStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from SessionStatus
		to   SessionStatus
		want bool
	}{
		{StatusScheduled, StatusInProgress, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusScheduled, StatusCompleted, false},
		{StatusInProgress, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusInProgress, StatusScheduled, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusCancelled, StatusInProgress, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestUserContextEmpty(t *testing.T) {
	t.Parallel()

	var nilCtx *UserContext
	if !nilCtx.Empty() {
		t.Fatal("expected nil context to be empty")
	}
	if !(&UserContext{}).Empty() {
		t.Fatal("expected context without profile to be empty")
	}
	if (&UserContext{Profile: &Profile{Name: "Asha"}}).Empty() {
		t.Fatal("expected context with profile to be non-empty")
	}
}
