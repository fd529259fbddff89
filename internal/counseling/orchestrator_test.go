package counseling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/counsel-labs/internal/convai"
	"github.com/ashureev/counsel-labs/internal/domain"
	"github.com/ashureev/counsel-labs/internal/store"
)

type fakeVendor struct {
	mu       sync.Mutex
	calls    []string
	contexts []*domain.UserContext
	reply    func(message string) convai.Reply
}

func (f *fakeVendor) ProcessMessage(_ context.Context, message string, _ int64, uc *domain.UserContext) convai.Reply {
	f.mu.Lock()
	f.calls = append(f.calls, message)
	f.contexts = append(f.contexts, uc)
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(message)
	}
	return convai.Reply{Text: "answer to " + message}
}

func (f *fakeVendor) lastContext() *domain.UserContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contexts[len(f.contexts)-1]
}

type fakeNotifier struct {
	sent chan *domain.Session
}

func (f *fakeNotifier) SessionSummary(_ context.Context, _ *domain.User, sess *domain.Session) error {
	f.sent <- sess
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRepo(t *testing.T) *store.SQLStore {
	t.Helper()
	repo, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "counsel.db"), discardLogger())
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

// seedSession42 creates a student and enough sessions that the last one has id 42.
func seedSession42(t *testing.T, repo *store.SQLStore) (*domain.User, *domain.Session) {
	t.Helper()
	ctx := context.Background()

	user := &domain.User{Email: "asha@example.com", PasswordHash: "x", FullName: "Asha", GradeClass: "10", IsActive: true}
	if err := repo.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	var sess *domain.Session
	for sess == nil || sess.ID < 42 {
		sess = &domain.Session{UserID: user.ID, Type: domain.SessionTypeAI, ScheduledTime: time.Now().Add(time.Hour)}
		if err := repo.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	if sess.ID != 42 {
		t.Fatalf("expected session 42, got %d", sess.ID)
	}
	return user, sess
}

func TestHandleMessage_StartsSessionAndStoresOneInteraction(t *testing.T) {
	repo := newTestRepo(t)
	_, sess := seedSession42(t, repo)
	vendor := &fakeVendor{}
	orch := NewOrchestrator(repo, vendor, nil, discardLogger())
	ctx := context.Background()

	reply, err := orch.HandleMessage(ctx, 42, "What careers suit me?")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply.Text != "answer to What careers suit me?" {
		t.Errorf("unexpected reply: %q", reply.Text)
	}

	got, _ := repo.GetSession(ctx, sess.ID)
	if got.Status != domain.StatusInProgress {
		t.Errorf("expected in_progress, got %s", got.Status)
	}

	list, _ := repo.ListInteractions(ctx, 42)
	if len(list) != 1 {
		t.Fatalf("expected 1 interaction, got %d", len(list))
	}
	if list[0].Question != "What careers suit me?" || list[0].Answer != reply.Text {
		t.Errorf("unexpected interaction: %+v", list[0])
	}
}

func TestHandleMessage_PersistsFallbackAnswer(t *testing.T) {
	repo := newTestRepo(t)
	_, sess := seedSession42(t, repo)
	vendor := &fakeVendor{reply: func(string) convai.Reply { return convai.Reply{Text: convai.FallbackText} }}
	orch := NewOrchestrator(repo, vendor, nil, discardLogger())

	if _, err := orch.HandleMessage(context.Background(), sess.ID, "hello"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	list, _ := repo.ListInteractions(context.Background(), sess.ID)
	if len(list) != 1 || list[0].Answer != convai.FallbackText {
		t.Fatalf("expected fallback answer stored, got %+v", list)
	}
}

func TestHandleMessage_Errors(t *testing.T) {
	repo := newTestRepo(t)
	_, sess := seedSession42(t, repo)
	vendor := &fakeVendor{}
	orch := NewOrchestrator(repo, vendor, nil, discardLogger())
	ctx := context.Background()

	if _, err := orch.HandleMessage(ctx, 999, "hi"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := repo.CancelSession(ctx, sess.ID, ""); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	if _, err := orch.HandleMessage(ctx, sess.ID, "hi"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if len(vendor.calls) != 0 {
		t.Fatalf("expected no vendor calls, got %d", len(vendor.calls))
	}
}

func TestEndSession_CompletesWithOrderedTranscript(t *testing.T) {
	repo := newTestRepo(t)
	_, sess := seedSession42(t, repo)
	vendor := &fakeVendor{reply: func(m string) convai.Reply {
		if strings.HasPrefix(m, "Please provide a concise summary") {
			return convai.Reply{Text: "Summary: explore engineering."}
		}
		return convai.Reply{Text: "A" + m[1:]}
	}}
	notifier := &fakeNotifier{sent: make(chan *domain.Session, 1)}
	orch := NewOrchestrator(repo, vendor, notifier, discardLogger())
	ctx := context.Background()

	for _, q := range []string{"Q1", "Q2", "Q3"} {
		if _, err := orch.HandleMessage(ctx, 42, q); err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
	}

	res, err := orch.EndSession(ctx, 42)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if !res.Success || res.Summary != "Summary: explore engineering." {
		t.Fatalf("unexpected result: %+v", res)
	}

	got, _ := repo.GetSession(ctx, sess.ID)
	if got.Status != domain.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	want := "Student: Q1\nCounselor: A1\n\nStudent: Q2\nCounselor: A2\n\nStudent: Q3\nCounselor: A3\n\n"
	if got.Transcript != want {
		t.Errorf("unexpected transcript:\n%q\nwant\n%q", got.Transcript, want)
	}
	if got.Summary == "" {
		t.Error("expected summary to be stored")
	}

	select {
	case s := <-notifier.sent:
		if s.ID != sess.ID {
			t.Errorf("expected notification for session %d, got %d", sess.ID, s.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected summary notification")
	}
}

func TestEndSession_NoInteractions(t *testing.T) {
	repo := newTestRepo(t)
	_, sess := seedSession42(t, repo)
	vendor := &fakeVendor{}
	orch := NewOrchestrator(repo, vendor, nil, discardLogger())
	ctx := context.Background()

	res, err := orch.EndSession(ctx, sess.ID)
	if !errors.Is(err, domain.ErrNoInteractions) {
		t.Fatalf("expected ErrNoInteractions, got %v", err)
	}
	if res.Success || res.Message != "No interactions found for this session" {
		t.Errorf("unexpected result: %+v", res)
	}

	got, _ := repo.GetSession(ctx, sess.ID)
	if got.Status != domain.StatusScheduled || got.Summary != "" || got.Transcript != "" {
		t.Errorf("expected session untouched, got %+v", got)
	}
	if len(vendor.calls) != 0 {
		t.Errorf("expected no vendor calls, got %d", len(vendor.calls))
	}
}

func TestEndSession_AlreadyCompleted(t *testing.T) {
	repo := newTestRepo(t)
	_, sess := seedSession42(t, repo)
	orch := NewOrchestrator(repo, &fakeVendor{}, nil, discardLogger())
	ctx := context.Background()

	if _, err := orch.HandleMessage(ctx, sess.ID, "hi"); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.EndSession(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.EndSession(ctx, sess.ID); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestBuildContext(t *testing.T) {
	repo := newTestRepo(t)
	user, _ := seedSession42(t, repo)
	assembler := NewContextAssembler(repo)
	ctx := context.Background()

	uc, err := assembler.BuildContext(ctx, 999)
	if err != nil || !uc.Empty() {
		t.Fatalf("expected empty context for unknown user, got %+v %v", uc, err)
	}

	uc, err = assembler.BuildContext(ctx, user.ID)
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if uc.Profile == nil || uc.Profile.Name != "Asha" || uc.Assessment != nil {
		t.Fatalf("expected profile without assessment, got %+v", uc)
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i, p := range []string{"INTJ", "ENFP"} {
		a := &domain.Assessment{UserID: user.ID, PersonalityType: p, UploadedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := repo.CreateAssessment(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	uc, _ = assembler.BuildContext(ctx, user.ID)
	if uc.Assessment == nil || uc.Assessment.PersonalityType != "ENFP" {
		t.Fatalf("expected latest assessment, got %+v", uc.Assessment)
	}
}

func TestHandleMessage_RebuildsContextPerCall(t *testing.T) {
	repo := newTestRepo(t)
	user, sess := seedSession42(t, repo)
	vendor := &fakeVendor{}
	orch := NewOrchestrator(repo, vendor, nil, discardLogger())
	ctx := context.Background()

	if _, err := orch.HandleMessage(ctx, sess.ID, "first"); err != nil {
		t.Fatal(err)
	}
	if vendor.lastContext().Assessment != nil {
		t.Fatal("expected no assessment before upload")
	}

	if err := repo.CreateAssessment(ctx, &domain.Assessment{UserID: user.ID, PersonalityType: "ISTP"}); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.HandleMessage(ctx, sess.ID, "second"); err != nil {
		t.Fatal(err)
	}
	if a := vendor.lastContext().Assessment; a == nil || a.PersonalityType != "ISTP" {
		t.Fatalf("expected fresh assessment in context, got %+v", a)
	}
}

func TestConcurrentMessagesSameSession(t *testing.T) {
	repo := newTestRepo(t)
	_, sess := seedSession42(t, repo)
	orch := NewOrchestrator(repo, &fakeVendor{}, nil, discardLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := orch.HandleMessage(ctx, sess.ID, "q"); err != nil {
				t.Errorf("HandleMessage: %v", err)
			}
		}()
	}
	wg.Wait()

	n, _ := repo.CountInteractions(ctx, sess.ID)
	if n != 8 {
		t.Fatalf("expected 8 interactions, got %d", n)
	}
	if orch.locks.size() != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", orch.locks.size())
	}
}

func TestSummaryPromptTruncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 1500)
	prompt := SummaryPrompt(long)
	if strings.Count(prompt, "é") != 1000 {
		t.Fatalf("expected 1000 transcript runes, got %d", strings.Count(prompt, "é"))
	}
	if !strings.HasSuffix(prompt, "...") {
		t.Error("expected ellipsis suffix")
	}
}
