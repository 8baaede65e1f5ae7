package gdrive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"google.golang.org/api/option"
)

type fakeDrive struct {
	mu      sync.Mutex
	methods []string
}

func (f *fakeDrive) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.methods = append(f.methods, r.Method)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"id": "doc-1", "name": "click2call"})
}

func (f *fakeDrive) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func newTestSyncer(t *testing.T) (*Syncer, *fakeDrive) {
	t.Helper()
	fake := &fakeDrive{}
	server := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(server.Close)

	s, err := newSyncer(context.Background(), "folder",
		option.WithEndpoint(server.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("newSyncer failed: %v", err)
	}
	return s, fake
}

func TestSyncCreatesThenUpdates(t *testing.T) {
	s, fake := newTestSyncer(t)

	path := filepath.Join(t.TempDir(), "2026-02-26.md")
	if err := os.WriteFile(path, []byte("## call\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.Sync(context.Background(), path, "2026-02-26"); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := s.Sync(context.Background(), path, "2026-02-26"); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	methods := fake.seen()
	if len(methods) != 2 || methods[0] != http.MethodPost || methods[1] != http.MethodPatch {
		t.Fatalf("expected create then update, got %v", methods)
	}
	if s.fileIDs["2026-02-26"] != "doc-1" {
		t.Fatalf("expected file id to be remembered, got %v", s.fileIDs)
	}
}

func TestSyncMissingFileIsNoop(t *testing.T) {
	s, fake := newTestSyncer(t)

	if err := s.Sync(context.Background(), filepath.Join(t.TempDir(), "missing.md"), "2026-02-26"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(fake.seen()) != 0 {
		t.Fatal("expected no drive requests")
	}
}
