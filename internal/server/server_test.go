package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/biblio-ingest/pkg/ingest"
	"github.com/Sternrassler/biblio-ingest/pkg/ratelimit"
	"github.com/Sternrassler/biblio-ingest/pkg/state"
)

const runID = "scopus_20250101_000000_0badc0de"

func setupServer(t *testing.T) (*Server, *ratelimit.MemoryLedger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	store, err := state.Open(filepath.Join(t.TempDir(), "ingest.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("state.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	done := state.NewProcessingState(runID, "A", "scopus")
	done.LastPage = 1
	done.PagesProcessed = 1
	done.Completed = true
	done.ProcessedItems["SCOPUS_ID:1"] = 1
	page := &state.Page{
		RunID:       runID,
		EntityID:    "A",
		PageNumber:  1,
		DataSource:  "scopus",
		RawPayload:  []byte(`{"search-results":{"entry":[]}}`),
		ContentHash: "abc123",
	}
	if err := store.CommitPage(ctx, page, done); err != nil {
		t.Fatalf("CommitPage() error = %v", err)
	}

	failed := state.NewProcessingState(runID, "B", "scopus")
	failed.Errors = append(failed.Errors, state.PageError{Page: 1, Kind: "permanent", Message: "404"})
	if err := store.Save(ctx, failed); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	states, err := store.ListStates(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	m := ingest.BuildManifest(runID, "scopus", []string{"A", "B"}, states, time.Now(), time.Now(), nil)
	if err := ingest.SaveManifest(ctx, store, m); err != nil {
		t.Fatalf("SaveManifest() error = %v", err)
	}

	ledger := ratelimit.NewMemoryLedger()
	limiter := ratelimit.NewLimiter(ratelimit.Config{Source: "scopus", WeeklyLimit: 100}, ledger, zerolog.Nop())
	return New(store, limiter, zerolog.Nop()), ledger
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, path, http.NoBody)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_Routes(t *testing.T) {
	s, _ := setupServer(t)

	tests := []struct {
		name     string
		path     string
		status   int
		contains string
	}{
		{"health", "/health", http.StatusOK, `"status":"ok"`},
		{"manifest", "/runs/" + runID + "/manifest", http.StatusOK, `"status":"partial"`},
		{"manifest unknown run", "/runs/nope/manifest", http.StatusNotFound, "error"},
		{"states", "/runs/" + runID + "/states", http.StatusOK, `"entity_id":"B"`},
		{"states unknown run", "/runs/nope/states", http.StatusNotFound, "error"},
		{"incomplete", "/runs/" + runID + "/incomplete", http.StatusOK, `"entities":["B"]`},
		{"page", "/runs/" + runID + "/entities/A/pages/1", http.StatusOK, `"search-results"`},
		{"missing page", "/runs/" + runID + "/entities/A/pages/2", http.StatusNotFound, "error"},
		{"bad page", "/runs/" + runID + "/entities/A/pages/zero", http.StatusBadRequest, "positive integer"},
		{"metrics", "/metrics", http.StatusOK, "go_goroutines"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, s, tt.path)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d, body: %s", w.Code, tt.status, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.contains) {
				t.Errorf("body = %s, want it to contain %s", w.Body.String(), tt.contains)
			}
		})
	}
}

func TestServer_Manifest(t *testing.T) {
	s, _ := setupServer(t)

	w := get(t, s, "/runs/"+runID+"/manifest")
	var m ingest.Manifest
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode manifest: %v", err)
	}
	if m.CompletedEntities != 1 || m.FailedEntities != 1 || m.ErrorKinds["permanent"] != 1 {
		t.Errorf("manifest = %+v", m)
	}
}

func TestServer_PageHeaders(t *testing.T) {
	s, _ := setupServer(t)

	w := get(t, s, "/runs/"+runID+"/entities/A/pages/1")
	if got := w.Header().Get("X-Content-Hash"); got != "abc123" {
		t.Errorf("X-Content-Hash = %q", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestServer_Usage(t *testing.T) {
	s, ledger := setupServer(t)
	for i := 0; i < 30; i++ {
		ledger.RecordRequest(context.Background(), "scopus", time.Now().Add(-time.Minute))
	}

	w := get(t, s, "/usage")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["weekly_usage"] != float64(30) || body["weekly_remaining"] != float64(70) || body["data_source"] != "scopus" {
		t.Errorf("usage = %v", body)
	}
	if _, ok := body["provider_remaining"]; ok {
		t.Error("provider quota should be omitted before any response was observed")
	}
}

func TestServer_UsageNotConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store, err := state.Open(filepath.Join(t.TempDir(), "ingest.db"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	w := get(t, New(store, nil, zerolog.Nop()), "/usage")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestServer_Run(t *testing.T) {
	s, _ := setupServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}
