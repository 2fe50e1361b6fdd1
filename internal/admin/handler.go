// Package admin serves the operator API: projects, API keys, and the audit
// log. It is meant to be reachable only over the tailnet, which identifies
// the operator making each call.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/condz/internal/middleware"
	"github.com/matt-riley/condz/internal/repository"
)

const (
	auditWriteTimeout   = 2 * time.Second
	defaultAuditLimit   = 50
	maxAuditLimit       = 500
	maxRequestBodyBytes = 64 << 10
)

// Store is the persistence the operator API needs.
type Store interface {
	CreateProject(ctx context.Context, name, description string) (repository.Project, error)
	ListProjects(ctx context.Context) ([]repository.Project, error)
	GetProject(ctx context.Context, id string) (repository.Project, error)
	CreateAPIKey(ctx context.Context, projectID, name string) (keyID, secret string, err error)
	ListAPIKeys(ctx context.Context, projectID string) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, projectID, keyID string) error
	ListAuditLog(ctx context.Context, projectID string, limit, offset int) ([]repository.AuditLogEntry, error)
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
}

// CacheReloader refreshes the evaluation cache on demand.
type CacheReloader interface {
	LoadCache(ctx context.Context) error
}

// Identifier names the operator behind a request.
type Identifier interface {
	Identify(r *http.Request) (string, error)
}

// IdentifierFunc adapts a function to [Identifier].
type IdentifierFunc func(r *http.Request) (string, error)

func (f IdentifierFunc) Identify(r *http.Request) (string, error) { return f(r) }

// RemoteAddrIdentifier names operators by their network address.
var RemoteAddrIdentifier = IdentifierFunc(func(r *http.Request) (string, error) {
	ip := middleware.ExtractIP(r.RemoteAddr)
	if ip == "" {
		return "", errors.New("no remote address")
	}
	return ip, nil
})

// Handler serves the operator API.
type Handler struct {
	store    Store
	cache    CacheReloader
	identify Identifier
	log      *slog.Logger
	mux      *http.ServeMux
}

// Option configures a [Handler].
type Option func(*Handler)

// WithIdentifier sets how operators are identified. The default uses the
// remote address.
func WithIdentifier(id Identifier) Option {
	return func(h *Handler) {
		if id != nil {
			h.identify = id
		}
	}
}

// WithCacheReloader enables POST /api/cache/reload.
func WithCacheReloader(c CacheReloader) Option {
	return func(h *Handler) { h.cache = c }
}

// WithLogger sets the handler's logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHandler returns the operator API handler. It panics if store is nil.
func NewHandler(store Store, opts ...Option) *Handler {
	if store == nil {
		panic("admin store is nil")
	}
	h := &Handler{
		store:    store,
		identify: RemoteAddrIdentifier,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /api/projects", h.operator(h.handleListProjects))
	mux.HandleFunc("POST /api/projects", h.operator(h.handleCreateProject))
	mux.HandleFunc("GET /api/projects/{id}", h.operator(h.handleGetProject))
	mux.HandleFunc("GET /api/projects/{id}/api-keys", h.operator(h.handleListAPIKeys))
	mux.HandleFunc("POST /api/projects/{id}/api-keys", h.operator(h.handleCreateAPIKey))
	mux.HandleFunc("DELETE /api/projects/{id}/api-keys/{key}", h.operator(h.handleRevokeAPIKey))
	mux.HandleFunc("GET /api/projects/{id}/audit-log", h.operator(h.handleAuditLog))
	mux.HandleFunc("POST /api/cache/reload", h.operator(h.handleReloadCache))
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type operatorKey struct{}

// operator rejects requests whose caller cannot be identified.
func (h *Handler) operator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, err := h.identify.Identify(r)
		if err != nil || strings.TrimSpace(who) == "" {
			h.log.WarnContext(r.Context(), "unidentified operator request", "remote_addr", r.RemoteAddr, "error", err)
			writeError(w, http.StatusForbidden, "operator identity required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, who)))
	}
}

func operatorFromContext(ctx context.Context) string {
	who, _ := ctx.Value(operatorKey{}).(string)
	return who
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type createAPIKeyRequest struct {
	Name string `json:"name"`
}

type createAPIKeyResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
	Token  string `json:"token"`
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		h.storeError(w, r, "list projects", err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	project, err := h.store.CreateProject(r.Context(), req.Name, strings.TrimSpace(req.Description))
	if err != nil {
		h.storeError(w, r, "create project", err)
		return
	}

	h.audit(r.Context(), project.ID, "project.create", project.ID, map[string]string{"name": project.Name})
	writeJSON(w, http.StatusCreated, project)
}

func (h *Handler) handleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(w, r)
	if !ok {
		return
	}

	project, err := h.store.GetProject(r.Context(), projectID)
	if err != nil {
		h.storeError(w, r, "get project", err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *Handler) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(w, r)
	if !ok {
		return
	}

	keys, err := h.store.ListAPIKeys(r.Context(), projectID)
	if err != nil {
		h.storeError(w, r, "list api keys", err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// handleCreateAPIKey returns the new key's secret. It cannot be read back.
func (h *Handler) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(w, r)
	if !ok {
		return
	}

	var req createAPIKeyRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, err := h.store.GetProject(r.Context(), projectID); err != nil {
		h.storeError(w, r, "get project", err)
		return
	}

	keyID, secret, err := h.store.CreateAPIKey(r.Context(), projectID, strings.TrimSpace(req.Name))
	if err != nil {
		h.storeError(w, r, "create api key", err)
		return
	}

	h.audit(r.Context(), projectID, "api_key.create", keyID, map[string]string{"name": req.Name})
	writeJSON(w, http.StatusCreated, createAPIKeyResponse{
		ID:     keyID,
		Secret: secret,
		Token:  middleware.FormatAPIKey(keyID, secret),
	})
}

func (h *Handler) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(w, r)
	if !ok {
		return
	}
	keyID := strings.TrimSpace(r.PathValue("key"))
	if keyID == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := h.store.RevokeAPIKey(r.Context(), projectID, keyID); err != nil {
		h.storeError(w, r, "revoke api key", err)
		return
	}

	h.audit(r.Context(), projectID, "api_key.revoke", keyID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(w, r)
	if !ok {
		return
	}

	limit, offset, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.store.ListAuditLog(r.Context(), projectID, limit, offset)
	if err != nil {
		h.storeError(w, r, "list audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleReloadCache(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, http.StatusNotImplemented, "cache reload unavailable")
		return
	}
	if err := h.cache.LoadCache(r.Context()); err != nil {
		h.log.ErrorContext(r.Context(), "reload cache", "error", err)
		writeError(w, http.StatusInternalServerError, "cache reload failed")
		return
	}
	h.log.InfoContext(r.Context(), "cache reloaded", "operator", operatorFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// audit records an operator action. Failures are logged and ignored.
func (h *Handler) audit(ctx context.Context, projectID, action, target string, details any) {
	entry, err := buildAuditEntry(operatorFromContext(ctx), projectID, action, target, details)
	if err != nil {
		h.log.WarnContext(ctx, "build audit entry", "action", action, "error", err)
		return
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := h.store.InsertAuditLog(auditCtx, entry); err != nil {
		h.log.WarnContext(ctx, "write audit log", "action", action, "target", target, "error", err)
	}
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.log.ErrorContext(r.Context(), op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func projectIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "project id must be a UUID")
		return "", false
	}
	return id.String(), true
}

func parsePage(r *http.Request) (limit, offset int, err error) {
	limit = defaultAuditLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(limit, maxAuditLimit)
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
