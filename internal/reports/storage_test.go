package reports

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestObjectKey(t *testing.T) {
	t.Parallel()

	a := ObjectKey(7, "Report.PDF")
	b := ObjectKey(7, "Report.PDF")
	if a == b {
		t.Fatal("expected unique keys")
	}
	if !strings.HasPrefix(a, "psychometric/7/") || !strings.HasSuffix(a, ".pdf") {
		t.Errorf("unexpected key: %s", a)
	}
}

func TestLocalStorage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewLocalStorage(dir)
	if err != nil {
		t.Fatal(err)
	}

	p, err := s.Save(context.Background(), "psychometric/1/a.pdf", []byte("%PDF"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if p != filepath.Join(dir, "psychometric/1/a.pdf") {
		t.Errorf("unexpected path: %s", p)
	}
	data, _ := os.ReadFile(p)
	if string(data) != "%PDF" {
		t.Errorf("unexpected content: %q", data)
	}

	escaped, err := s.Save(context.Background(), "../../etc/x", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(escaped, dir) {
		t.Errorf("expected key to stay inside %s, got %s", dir, escaped)
	}
}

func TestS3Storage(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotPath, gotType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBody = body
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := NewS3Storage(S3Config{
		Bucket:    "reports",
		Region:    "us-east-1",
		Endpoint:  server.URL,
		AccessKey: "AKID",
		SecretKey: "SECRET",
	})

	url, err := s.Save(context.Background(), "psychometric/1/a.pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if url != "s3://reports/psychometric/1/a.pdf" {
		t.Errorf("unexpected url: %s", url)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/reports/psychometric/1/a.pdf" {
		t.Errorf("unexpected request path: %s", gotPath)
	}
	if gotType != "application/pdf" {
		t.Errorf("unexpected content type: %s", gotType)
	}
	if !strings.Contains(string(gotBody), "%PDF-1.4") {
		t.Errorf("expected body to carry the report, got %q", gotBody)
	}
}
