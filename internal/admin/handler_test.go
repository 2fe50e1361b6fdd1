package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/condz/internal/repository"
)

const testProjectID = "7f1c2a4e-9b1d-4c55-8f3e-2d6a1b0c9e11"

type fakeStore struct {
	mu       sync.Mutex
	projects map[string]repository.Project
	keys     map[string][]repository.APIKeyMeta
	audit    []repository.AuditLogEntry
	page     [2]int
	listErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: map[string]repository.Project{
			testProjectID: {ID: testProjectID, Name: "listable"},
		},
		keys: make(map[string][]repository.APIKeyMeta),
	}
}

func (f *fakeStore) CreateProject(_ context.Context, name, description string) (repository.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := repository.Project{ID: fmt.Sprintf("00000000-0000-0000-0000-%012d", len(f.projects)), Name: name, Description: description}
	f.projects[p.ID] = p
	return p, nil
}

func (f *fakeStore) ListProjects(context.Context) ([]repository.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	projects := make([]repository.Project, 0, len(f.projects))
	for _, p := range f.projects {
		projects = append(projects, p)
	}
	return projects, nil
}

func (f *fakeStore) GetProject(_ context.Context, id string) (repository.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return repository.Project{}, fmt.Errorf("get project: %w", pgx.ErrNoRows)
	}
	return p, nil
}

func (f *fakeStore) CreateAPIKey(_ context.Context, projectID, name string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("key-%d", len(f.keys[projectID])+1)
	f.keys[projectID] = append(f.keys[projectID], repository.APIKeyMeta{ID: id, ProjectID: projectID, Name: name})
	return id, "s3cret", nil
}

func (f *fakeStore) ListAPIKeys(_ context.Context, projectID string) ([]repository.APIKeyMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repository.APIKeyMeta{}, f.keys[projectID]...), nil
}

func (f *fakeStore) RevokeAPIKey(_ context.Context, projectID, keyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := f.keys[projectID]
	for i, k := range keys {
		if k.ID == keyID {
			f.keys[projectID] = append(keys[:i], keys[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)
}

func (f *fakeStore) ListAuditLog(_ context.Context, _ string, limit, offset int) ([]repository.AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.page = [2]int{limit, offset}
	return append([]repository.AuditLogEntry{}, f.audit...), nil
}

func (f *fakeStore) InsertAuditLog(_ context.Context, entry repository.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, entry)
	return nil
}

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions := make([]string, 0, len(f.audit))
	for _, e := range f.audit {
		actions = append(actions, e.Actor+" "+e.Action+" "+e.Target)
	}
	return actions
}

type fakeReloader struct {
	calls int
	err   error
}

func (f *fakeReloader) LoadCache(context.Context) error {
	f.calls++
	return f.err
}

var alice = IdentifierFunc(func(*http.Request) (string, error) { return "alice@example.com", nil })

func newTestHandler(store Store, opts ...Option) *Handler {
	opts = append([]Option{
		WithIdentifier(alice),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return NewHandler(store, opts...)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, reader))
	return rec
}

func TestCreateProject(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(store)

	rec := do(t, h, http.MethodPost, "/api/projects", `{"name":"  pixelgrade  ","description":"themes"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body=%s", rec.Code, http.StatusCreated, rec.Body)
	}

	var got repository.Project
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != "pixelgrade" || got.Description != "themes" {
		t.Fatalf("project = %+v", got)
	}

	want := []string{"operator:alice@example.com project.create " + got.ID}
	if diff := cmp.Diff(want, store.auditActions()); diff != "" {
		t.Fatalf("audit mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	h := newTestHandler(newFakeStore())

	tests := []struct {
		name string
		body string
	}{
		{name: "blank name", body: `{"name":"   "}`},
		{name: "unknown field", body: `{"name":"x","owner":"bob"}`},
		{name: "malformed", body: `{"name":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/projects", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestGetProject(t *testing.T) {
	h := newTestHandler(newFakeStore())

	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{name: "found", id: testProjectID, wantStatus: http.StatusOK},
		{name: "missing", id: "4b0e1c7d-2a3f-4e5b-9c8d-7a6b5c4d3e2f", wantStatus: http.StatusNotFound},
		{name: "not a uuid", id: "listable", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/api/projects/"+tt.id, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestListProjectsStoreError(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("connection refused")
	h := newTestHandler(store)

	rec := do(t, h, http.MethodGet, "/api/projects", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("body leaks store error: %s", rec.Body)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(store)
	base := "/api/projects/" + testProjectID + "/api-keys"

	rec := do(t, h, http.MethodPost, base, `{"name":"ci"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body=%s", rec.Code, rec.Body)
	}
	var created createAPIKeyResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(createAPIKeyResponse{ID: "key-1", Secret: "s3cret", Token: "key-1.s3cret"}, created); diff != "" {
		t.Fatalf("create response mismatch (-want +got):\n%s", diff)
	}

	rec = do(t, h, http.MethodGet, base, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "s3cret") {
		t.Fatalf("list leaks secret: %s", rec.Body)
	}

	if rec := do(t, h, http.MethodDelete, base+"/key-1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, base+"/key-1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second revoke status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	want := []string{
		"operator:alice@example.com api_key.create key-1",
		"operator:alice@example.com api_key.revoke key-1",
	}
	if diff := cmp.Diff(want, store.auditActions()); diff != "" {
		t.Fatalf("audit mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateAPIKeyUnknownProject(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(store)

	rec := do(t, h, http.MethodPost, "/api/projects/4b0e1c7d-2a3f-4e5b-9c8d-7a6b5c4d3e2f/api-keys", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if len(store.auditActions()) != 0 {
		t.Fatalf("audit = %v, want none", store.auditActions())
	}
}

func TestAuditLogPaging(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantPage   [2]int
	}{
		{name: "defaults", query: "", wantStatus: http.StatusOK, wantPage: [2]int{defaultAuditLimit, 0}},
		{name: "explicit", query: "?limit=10&offset=20", wantStatus: http.StatusOK, wantPage: [2]int{10, 20}},
		{name: "clamped", query: "?limit=100000", wantStatus: http.StatusOK, wantPage: [2]int{maxAuditLimit, 0}},
		{name: "zero limit", query: "?limit=0", wantStatus: http.StatusBadRequest},
		{name: "negative offset", query: "?offset=-1", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			h := newTestHandler(store)

			rec := do(t, h, http.MethodGet, "/api/projects/"+testProjectID+"/audit-log"+tt.query, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && store.page != tt.wantPage {
				t.Fatalf("page = %v, want %v", store.page, tt.wantPage)
			}
		})
	}
}

func TestOperatorIdentityRequired(t *testing.T) {
	h := NewHandler(newFakeStore(),
		WithIdentifier(IdentifierFunc(func(*http.Request) (string, error) { return "", errors.New("not on tailnet") })),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	if rec := do(t, h, http.MethodGet, "/api/projects", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReloadCache(t *testing.T) {
	if rec := do(t, newTestHandler(newFakeStore()), http.MethodPost, "/api/cache/reload", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("status without reloader = %d, want %d", rec.Code, http.StatusNotImplemented)
	}

	reloader := &fakeReloader{}
	h := newTestHandler(newFakeStore(), WithCacheReloader(reloader))
	if rec := do(t, h, http.MethodPost, "/api/cache/reload", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if reloader.calls != 1 {
		t.Fatalf("LoadCache calls = %d, want 1", reloader.calls)
	}

	reloader.err = errors.New("db down")
	if rec := do(t, h, http.MethodPost, "/api/cache/reload", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestRemoteAddrIdentifier(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "100.64.0.7:41234"
	got, err := RemoteAddrIdentifier.Identify(req)
	if err != nil || got != "100.64.0.7" {
		t.Fatalf("Identify() = %q, %v", got, err)
	}
}

func TestBuildAuditEntry(t *testing.T) {
	entry, err := buildAuditEntry("alice", testProjectID, "project.create", testProjectID, map[string]string{"name": "x"})
	if err != nil {
		t.Fatalf("buildAuditEntry() error = %v", err)
	}
	want := repository.AuditLogEntry{
		ProjectID: testProjectID,
		Actor:     "operator:alice",
		Action:    "project.create",
		Target:    testProjectID,
		Details:   json.RawMessage(`{"name":"x"}`),
	}
	if diff := cmp.Diff(want, entry); diff != "" {
		t.Fatalf("entry mismatch (-want +got):\n%s", diff)
	}

	if _, err := buildAuditEntry("alice", testProjectID, "x", "", make(chan int)); err == nil {
		t.Fatal("buildAuditEntry() error = nil, want marshal error")
	}
}
