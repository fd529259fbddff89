package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/counsel-labs/internal/convai"
	"github.com/ashureev/counsel-labs/internal/counseling"
	"github.com/ashureev/counsel-labs/internal/domain"
	"github.com/ashureev/counsel-labs/internal/identity"
	"github.com/ashureev/counsel-labs/internal/realtime"
	"github.com/ashureev/counsel-labs/internal/reports"
	"github.com/ashureev/counsel-labs/internal/store"
	"github.com/go-chi/chi/v5"
)

type scriptedVendor struct{}

func (scriptedVendor) ProcessMessage(_ context.Context, message string, _ int64, _ *domain.UserContext) convai.Reply {
	switch {
	case strings.HasPrefix(message, "Please provide a concise summary"):
		return convai.Reply{Text: "Student explored engineering paths."}
	case message == "say it":
		return convai.Reply{Text: "spoken", Audio: []byte("RIFFdata")}
	default:
		return convai.Reply{Text: "answer: " + message}
	}
}

type testServer struct {
	repo   *store.SQLStore
	server *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"), logger)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	storage, err := reports.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	issuer := identity.NewTokenIssuer("test-secret", time.Hour)
	orch := counseling.NewOrchestrator(repo, scriptedVendor{}, nil, logger)
	conns := realtime.NewConnManager(logger)
	base := NewHandler(repo, logger)

	users := NewUserHandler(base, issuer)
	r := chi.NewRouter()
	users.RegisterPublicRoutes(r)
	NewHealthHandler(repo).RegisterHealth(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(issuer, repo))
		users.RegisterRoutes(r)
		NewSessionHandler(base, nil, conns).RegisterRoutes(r)
		NewCounselingHandler(base, orch, conns, nil, nil).RegisterRoutes(r)
		NewReportHandler(base, storage, 1<<16).RegisterRoutes(r)
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return &testServer{repo: repo, server: server}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.send(t, req, token)
}

func (s *testServer) send(t *testing.T, req *http.Request, token string) (*http.Response, []byte) {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func decodeInto(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

// signup registers an account and returns its id and an access token.
func (s *testServer) signup(t *testing.T, email string) (int64, string) {
	t.Helper()
	resp, data := s.do(t, http.MethodPost, "/api/users", "", map[string]string{
		"email":     email,
		"password":  "correct-horse",
		"full_name": "Asha Rao",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", resp.StatusCode, data)
	}
	var user domain.User
	decodeInto(t, data, &user)

	resp, data = s.do(t, http.MethodPost, "/api/users/login", "", map[string]string{
		"email":    email,
		"password": "correct-horse",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", resp.StatusCode, data)
	}
	var login loginResponse
	decodeInto(t, data, &login)
	return user.ID, login.Token
}

func (s *testServer) schedule(t *testing.T, token string) *domain.Session {
	t.Helper()
	resp, data := s.do(t, http.MethodPost, "/api/sessions", token, map[string]any{
		"session_type":   "AI",
		"scheduled_time": time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d: %s", resp.StatusCode, data)
	}
	var sess domain.Session
	decodeInto(t, data, &sess)
	return &sess
}

func sessionPath(format string, id int64) string {
	return strings.Replace(format, "{id}", strconv.FormatInt(id, 10), 1)
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	id, token := s.signup(t, "Asha@Example.com")

	resp, data := s.do(t, http.MethodPost, "/api/users", "", map[string]string{
		"email": "asha@example.com", "password": "another-pass", "full_name": "Copy",
	})
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "email already registered") {
		t.Errorf("duplicate email: expected 400, got %d: %s", resp.StatusCode, data)
	}

	resp, _ = s.do(t, http.MethodPost, "/api/users/login", "", map[string]string{
		"email": "asha@example.com", "password": "wrong-password",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password: expected 401, got %d", resp.StatusCode)
	}

	form := url.Values{"username": {"asha@example.com"}, "password": {"correct-horse"}}
	req, _ := http.NewRequest(http.MethodPost, s.server.URL+"/api/users/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, data = s.send(t, req, "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"token_type":"bearer"`) {
		t.Errorf("form login: expected 200 bearer token, got %d: %s", resp.StatusCode, data)
	}

	resp, data = s.do(t, http.MethodGet, "/api/users/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", resp.StatusCode)
	}
	var me domain.User
	decodeInto(t, data, &me)
	if me.ID != id || me.Email != "asha@example.com" || me.Role != domain.RoleStudent {
		t.Errorf("unexpected profile: %+v", me)
	}
	if strings.Contains(string(data), "password") {
		t.Error("profile must not expose the password hash")
	}

	if resp, _ := s.do(t, http.MethodGet, "/api/users/me", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous me: expected 401, got %d", resp.StatusCode)
	}
}

func TestRegisterRejectsAdminRole(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodPost, "/api/users", "", map[string]string{
		"email": "root@example.com", "password": "correct-horse", "full_name": "Root", "role": "ADMIN",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUserAccessRules(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	aliceID, alice := s.signup(t, "alice@example.com")
	bobID, bob := s.signup(t, "bob@example.com")

	if resp, _ := s.do(t, http.MethodGet, "/api/users/"+strconv.FormatInt(aliceID, 10), bob, nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign profile: expected 403, got %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodGet, "/api/users", alice, nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("list as student: expected 403, got %d", resp.StatusCode)
	}

	resp, data := s.do(t, http.MethodPut, "/api/users/me", bob, map[string]string{"expectations": "find a college"})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "find a college") {
		t.Errorf("update me: got %d: %s", resp.StatusCode, data)
	}
	if resp, _ := s.do(t, http.MethodPut, "/api/users/me", bob, map[string]string{"role": "ADMIN"}); resp.StatusCode != http.StatusForbidden {
		t.Errorf("self promotion: expected 403, got %d", resp.StatusCode)
	}

	hash, _ := identity.HashPassword("admin-password")
	admin := &domain.User{Email: "admin@example.com", PasswordHash: hash, FullName: "Admin", Role: domain.RoleAdmin, IsActive: true}
	if err := s.repo.CreateUser(context.Background(), admin); err != nil {
		t.Fatal(err)
	}
	_, data = s.do(t, http.MethodPost, "/api/users/login", "", map[string]string{"email": "admin@example.com", "password": "admin-password"})
	var login loginResponse
	decodeInto(t, data, &login)

	resp, data = s.do(t, http.MethodGet, "/api/users", login.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list as admin: expected 200, got %d", resp.StatusCode)
	}
	var all []domain.User
	decodeInto(t, data, &all)
	if len(all) != 3 {
		t.Errorf("expected 3 users, got %d", len(all))
	}

	resp, _ = s.do(t, http.MethodPut, "/api/users/"+strconv.FormatInt(bobID, 10), login.Token, map[string]any{"is_active": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deactivate: expected 200, got %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodGet, "/api/users/me", bob, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("deactivated user: expected 401, got %d", resp.StatusCode)
	}
}

func TestCounselingFlow(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	_, token := s.signup(t, "student@example.com")
	sess := s.schedule(t, token)
	if sess.Status != domain.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", sess.Status)
	}

	questions := []string{"Which stream suits me?", "What about robotics?", "How do I prepare?"}
	for _, q := range questions {
		resp, data := s.do(t, http.MethodPost, "/api/counseling/interact", token, map[string]any{
			"session_id": sess.ID, "question": q,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("interact: expected 200, got %d: %s", resp.StatusCode, data)
		}
		var out interactResponse
		decodeInto(t, data, &out)
		if out.Answer != "answer: "+q || out.HasAudio || out.SessionID != sess.ID {
			t.Errorf("unexpected reply: %+v", out)
		}
	}

	_, data := s.do(t, http.MethodGet, sessionPath("/api/sessions/{id}", sess.ID), token, nil)
	var current domain.Session
	decodeInto(t, data, &current)
	if current.Status != domain.StatusInProgress {
		t.Errorf("expected in_progress after first message, got %s", current.Status)
	}

	resp, data := s.do(t, http.MethodGet, sessionPath("/api/counseling/interactions/{id}", sess.ID), token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("interactions: expected 200, got %d", resp.StatusCode)
	}
	var interactions []domain.Interaction
	decodeInto(t, data, &interactions)
	if len(interactions) != len(questions) {
		t.Fatalf("expected %d interactions, got %d", len(questions), len(interactions))
	}
	for i, q := range questions {
		if interactions[i].Question != q {
			t.Errorf("interaction %d: expected %q, got %q", i, q, interactions[i].Question)
		}
	}

	resp, data = s.do(t, http.MethodPost, sessionPath("/api/counseling/end-session/{id}", sess.ID), token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end-session: expected 200, got %d: %s", resp.StatusCode, data)
	}
	var result counseling.EndResult
	decodeInto(t, data, &result)
	if !result.Success || result.Summary != "Student explored engineering paths." {
		t.Errorf("unexpected end result: %+v", result)
	}

	_, data = s.do(t, http.MethodGet, sessionPath("/api/sessions/{id}", sess.ID), token, nil)
	decodeInto(t, data, &current)
	if current.Status != domain.StatusCompleted || !strings.Contains(current.Transcript, "Student: What about robotics?") {
		t.Errorf("unexpected completed session: %+v", current)
	}

	resp, _ = s.do(t, http.MethodPost, "/api/counseling/interact", token, map[string]any{
		"session_id": sess.ID, "question": "one more?",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("interact after end: expected 409, got %d", resp.StatusCode)
	}
}

func TestEndSessionWithoutInteractions(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	_, token := s.signup(t, "quiet@example.com")
	sess := s.schedule(t, token)

	resp, data := s.do(t, http.MethodPost, sessionPath("/api/counseling/end-session/{id}", sess.ID), token, nil)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "No interactions found for this session") {
		t.Errorf("expected 400 no interactions, got %d: %s", resp.StatusCode, data)
	}

	got, _ := s.repo.GetSession(context.Background(), sess.ID)
	if got.Status != domain.StatusScheduled {
		t.Errorf("expected session untouched, got %s", got.Status)
	}
}

func TestCounselingIsOwnerOnly(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	_, owner := s.signup(t, "owner@example.com")
	_, other := s.signup(t, "other@example.com")
	sess := s.schedule(t, owner)

	resp, data := s.do(t, http.MethodPost, "/api/counseling/interact", other, map[string]any{
		"session_id": sess.ID, "question": "hi",
	})
	if resp.StatusCode != http.StatusForbidden || !strings.Contains(string(data), notAuthorizedSession) {
		t.Errorf("expected 403, got %d: %s", resp.StatusCode, data)
	}
	if resp, _ := s.do(t, http.MethodGet, sessionPath("/api/counseling/interactions/{id}", 999), owner, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session: expected 404, got %d", resp.StatusCode)
	}
	if n, _ := s.repo.CountInteractions(context.Background(), sess.ID); n != 0 {
		t.Errorf("expected no interactions, got %d", n)
	}
}

func TestInteractWithAudio(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	_, token := s.signup(t, "audio@example.com")
	sess := s.schedule(t, token)

	resp, data := s.do(t, http.MethodPost, "/api/counseling/interact-with-audio", token, map[string]any{
		"session_id": sess.ID, "question": "say it",
	})
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "audio/wav" || string(data) != "RIFFdata" {
		t.Errorf("expected wav body, got %d %s %q", resp.StatusCode, resp.Header.Get("Content-Type"), data)
	}

	_, data = s.do(t, http.MethodPost, "/api/counseling/interact-with-audio", token, map[string]any{
		"session_id": sess.ID, "question": "text only",
	})
	if !strings.Contains(string(data), `"text":"answer: text only"`) {
		t.Errorf("expected text fallback, got %s", data)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	studentID, token := s.signup(t, "v@example.com")

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"past time", map[string]any{"scheduled_time": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)}, http.StatusBadRequest},
		{"unknown type", map[string]any{"session_type": "Robot", "scheduled_time": time.Now().Add(time.Hour).UTC().Format(time.RFC3339)}, http.StatusBadRequest},
		{"student as counselor", map[string]any{"counselor_id": studentID, "scheduled_time": time.Now().Add(time.Hour).UTC().Format(time.RFC3339)}, http.StatusBadRequest},
		{"other user", map[string]any{"user_id": studentID + 100, "scheduled_time": time.Now().Add(time.Hour).UTC().Format(time.RFC3339)}, http.StatusForbidden},
		{"zone-less time", map[string]any{"session_type": "Human", "scheduled_time": time.Now().Add(3 * time.Hour).UTC().Format("2006-01-02T15:04:05")}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := s.do(t, http.MethodPost, "/api/sessions", token, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, resp.StatusCode, data)
			}
		})
	}
}

func TestCancelSession(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	_, token := s.signup(t, "cancel@example.com")
	sess := s.schedule(t, token)

	resp, data := s.do(t, http.MethodPost, sessionPath("/api/sessions/{id}/cancel", sess.ID)+"?reason=exam+week", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", resp.StatusCode, data)
	}
	var cancelled domain.Session
	decodeInto(t, data, &cancelled)
	if cancelled.Status != domain.StatusCancelled || cancelled.Summary != "Cancelled: exam week" {
		t.Errorf("unexpected cancelled session: %+v", cancelled)
	}

	resp, _ = s.do(t, http.MethodPost, sessionPath("/api/sessions/{id}/cancel", sess.ID), token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("second cancel: expected 400, got %d", resp.StatusCode)
	}

	_, data = s.do(t, http.MethodGet, "/api/sessions/my", token, nil)
	var mine []domain.Session
	decodeInto(t, data, &mine)
	if len(mine) != 1 || mine[0].ID != sess.ID {
		t.Errorf("unexpected sessions: %+v", mine)
	}
}

func TestUpdateSession(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	_, token := s.signup(t, "update@example.com")
	sess := s.schedule(t, token)

	later := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	resp, data := s.do(t, http.MethodPut, sessionPath("/api/sessions/{id}", sess.ID), token, map[string]any{
		"scheduled_time": later.Format(time.RFC3339),
		"recording_url":  "https://rec.example.com/1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", resp.StatusCode, data)
	}
	var updated domain.Session
	decodeInto(t, data, &updated)
	if !updated.ScheduledTime.Equal(later) || updated.RecordingURL != "https://rec.example.com/1" {
		t.Errorf("unexpected session: %+v", updated)
	}

	resp, _ = s.do(t, http.MethodPut, sessionPath("/api/sessions/{id}", sess.ID), token, map[string]any{"status": "completed"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("direct completion: expected 400, got %d", resp.StatusCode)
	}
}

func TestPsychometricUpload(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	userID, token := s.signup(t, "report@example.com")

	if resp, _ := s.do(t, http.MethodGet, "/api/reports/psychometric/latest", token, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("latest before upload: expected 404, got %d", resp.StatusCode)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", "report.pdf")
	_, _ = part.Write([]byte("%PDF-1.4 report"))
	_ = mw.WriteField("assessment", `{"interests":["Robotics"],"personality_type":"INTJ","aptitude":{"logical":90}}`)
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, s.server.URL+"/api/reports/psychometric", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, data := s.send(t, req, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", resp.StatusCode, data)
	}

	resp, data = s.do(t, http.MethodGet, "/api/reports/psychometric/latest", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("latest: expected 200, got %d", resp.StatusCode)
	}
	var a domain.Assessment
	decodeInto(t, data, &a)
	if a.UserID != userID || a.PersonalityType != "INTJ" || a.Aptitude["logical"] != 90 || len(a.Interests) != 1 {
		t.Errorf("unexpected assessment: %+v", a)
	}
	if !strings.HasSuffix(a.ReportURL, ".pdf") {
		t.Errorf("expected stored report path, got %q", a.ReportURL)
	}

	req, _ = http.NewRequest(http.MethodPost, s.server.URL+"/api/reports/psychometric", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "text/plain")
	if resp, _ := s.send(t, req, token); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-multipart upload: expected 400, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	resp, data := s.do(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"status":"healthy"`) {
		t.Errorf("unexpected health: %d %s", resp.StatusCode, data)
	}
}
