package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/condz/internal/core"
	"github.com/matt-riley/condz/internal/middleware"
	"github.com/matt-riley/condz/internal/repository"
	"github.com/matt-riley/condz/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var (
	errJSONBodyTooLarge = errors.New("json request body too large")
	errMissingProject   = errors.New("project is required")
)

// HTTPServer serves the condz JSON API.
type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
	metrics            StreamMetrics
	metricsHandler     http.Handler
}

// HTTPOption configures an [HTTPServer].
type HTTPOption func(*HTTPServer)

// WithStreamPollInterval sets how often the SSE stream polls for events.
func WithStreamPollInterval(interval time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if interval > 0 {
			s.streamPollInterval = interval
		}
	}
}

// WithMaxJSONBodySize bounds request bodies; larger bodies get 413.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithStreamMetrics reports open SSE streams.
func WithStreamMetrics(m StreamMetrics) HTTPOption {
	return func(s *HTTPServer) { s.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metricsHandler = h }
}

type conditionResponse struct {
	repository.Condition
	Issues []core.Issue `json:"issues,omitempty"`
}

type listConditionsResponse struct {
	Conditions    []repository.Condition `json:"conditions"`
	NextPageToken string                 `json:"next_page_token,omitempty"`
}

type evaluateRequest struct {
	Key    string   `json:"key,omitempty"`
	Keys   []string `json:"keys,omitempty"`
	SiteID string   `json:"site_id"`
}

type evaluateBatchResponse struct {
	Results []service.Decision `json:"results"`
}

type evaluateGroupRequest struct {
	SiteID string          `json:"site_id"`
	Group  json.RawMessage `json:"group"`
}

type evaluateGroupResponse struct {
	Result bool         `json:"result"`
	Issues []core.Issue `json:"issues"`
}

type resolveRequest struct {
	SiteID     string          `json:"site_id"`
	Config     json.RawMessage `json:"config,omitempty"`
	Descriptor json.RawMessage `json:"descriptor,omitempty"`
}

type resolveResponse struct {
	Value  any          `json:"value"`
	Issues []core.Issue `json:"issues"`
}

type validateRequest struct {
	Group json.RawMessage `json:"group"`
}

type validateResponse struct {
	Valid  bool         `json:"valid"`
	Issues []core.Issue `json:"issues"`
}

// NewHTTPHandler returns the API handler. It panics if svc is nil.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/conditions", server.handleCreateCondition)
	mux.HandleFunc("GET /v1/conditions", server.handleListConditions)
	mux.HandleFunc("GET /v1/conditions/{key}", server.handleGetCondition)
	mux.HandleFunc("PUT /v1/conditions/{key}", server.handleUpdateCondition)
	mux.HandleFunc("DELETE /v1/conditions/{key}", server.handleDeleteCondition)
	mux.HandleFunc("GET /v1/environments", server.handleListEnvironments)
	mux.HandleFunc("GET /v1/environments/{site}", server.handleGetEnvironment)
	mux.HandleFunc("PUT /v1/environments/{site}", server.handlePutEnvironment)
	mux.HandleFunc("DELETE /v1/environments/{site}", server.handleDeleteEnvironment)
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/evaluate/group", server.handleEvaluateGroup)
	mux.HandleFunc("POST /v1/resolve", server.handleResolve)
	mux.HandleFunc("POST /v1/validate", server.handleValidate)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metricsHandler != nil {
		mux.Handle("GET /metrics", server.metricsHandler)
	}

	return mux
}

// requestContext returns the caller's project and a context that records
// the API key as the audit actor.
func requestContext(r *http.Request) (context.Context, string, error) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok || strings.TrimSpace(principal.ProjectID) == "" {
		return nil, "", errMissingProject
	}

	ctx := r.Context()
	if principal.KeyID != "" {
		ctx = service.WithActor(ctx, "api_key:"+principal.KeyID)
	}
	return ctx, principal.ProjectID, nil
}

func (s *HTTPServer) handleCreateCondition(w http.ResponseWriter, r *http.Request) {
	ctx, projectID, err := requestContext(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var condition repository.Condition
	if err := s.decodeJSONBody(w, r, &condition); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(condition.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}
	condition.ProjectID = projectID

	created, issues, err := s.service.CreateCondition(ctx, condition)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, conditionResponse{Condition: created, Issues: issues})
}

func (s *HTTPServer) handleGetCondition(w http.ResponseWriter, r *http.Request) {
	ctx, projectID, err := requestContext(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	condition, err := s.service.GetCondition(ctx, projectID, key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, condition)
}

func (s *HTTPServer) handleListConditions(w http.ResponseWriter, r *http.Request) {
	ctx, projectID, err := requestContext(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	pageSize := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("page_size")); raw != "" {
		pageSize, err = strconv.Atoi(raw)
		if err != nil || pageSize < 0 {
			writeJSONError(w, http.StatusBadRequest, "page_size must be a non-negative integer")
			return
		}
	}

	conditions, err := s.service.ListConditions(ctx, projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pageStart, err := parseListPageToken(r.URL.Query().Get("page_token"), len(conditions))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid page_token")
		return
	}

	pageEnd := len(conditions)
	nextPageToken := ""
	if pageSize > 0 {
		pageEnd = min(pageStart+pageSize, len(conditions))
		if pageEnd < len(conditions) {
			nextPageToken = strconv.Itoa(pageEnd)
		}
	}

	writeJSON(w, http.StatusOK, listConditionsResponse{
		Conditions:    conditions[pageStart:pageEnd],
		NextPageToken: nextPageToken,
	})
}

func (s *HTTPServer) handleUpdateCondition(w http.ResponseWriter, r *http.Request) {
	ctx, projectID, err := requestContext(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var condition repository.Condition
	if err := s.decodeJSONBody(w, r, &condition); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(condition.Key) != "" && condition.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	condition.Key = key
	condition.ProjectID = projectID

	updated, issues, err := s.service.UpdateCondition(ctx, condition)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conditionResponse{Condition: updated, Issues: issues})
}

func (s *HTTPServer) handleDeleteCondition(w http.ResponseWriter, r *http.Request) {
	ctx, projectID, err := requestContext(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := s.service.DeleteCondition(ctx, projectID, key); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	ctx, projectID, err := requestContext(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	envs, err := s.service.ListEnvironments(ctx, projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, envs)
}

func (s *HTTPServer) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	ctx, projectID, err := requestContext(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	siteID := strings.TrimSpace(r.PathValue("site"))
	if siteID == "" {
		writeJSONError(w, http.StatusBadRequest, "site is required")
		return
	}

	env, err := s.service.GetEnvironment(ctx, projectID, siteID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, env)
}

// handlePutEnvironment stores the request body as the site's snapshot.
func (s *HTTPServer) handlePutEnvironment(w http.ResponseWriter, r *http.Request) {
	ctx, projectID, err := requestContext(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	siteID := strings.TrimSpace(r.PathValue("site"))
	if siteID == "" {
		writeJSONError(w, http.StatusBadRequest, "site is required")
		return
	}

	var snapshot json.RawMessage
	if err := s.decodeJSONBody(w, r, &snapshot); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	env, err := s.service.PutEnvironment(ctx, repository.Environment{
		ProjectID: projectID,
		SiteID:    siteID,
		Snapshot:  snapshot,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, env)
}

func (s *HTTPServer) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	ctx, projectID, err := requestContext(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	siteID := strings.TrimSpace(r.PathValue("site"))
	if siteID == "" {
		writeJSONError(w, http.StatusBadRequest, "site is required")
		return
	}

	if err := s.service.DeleteEnvironment(ctx, projectID, siteID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx, projectID, err := requestContext(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var request evaluateRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	key := strings.TrimSpace(request.Key)
	switch {
	case len(request.Keys) > 0 && key != "":
		writeJSONError(w, http.StatusBadRequest, "use either key or keys")
	case len(request.Keys) > 0:
		keys := make([]string, 0, len(request.Keys))
		for idx, k := range request.Keys {
			k = strings.TrimSpace(k)
			if k == "" {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("keys[%d] is required", idx))
				return
			}
			keys = append(keys, k)
		}

		decisions, err := s.service.EvaluateBatch(ctx, projectID, keys, request.SiteID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, evaluateBatchResponse{Results: decisions})
	case key != "":
		decision, err := s.service.Evaluate(ctx, projectID, key, request.SiteID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)
	default:
		writeJSONError(w, http.StatusBadRequest, "key or keys is required")
	}
}

func (s *HTTPServer) handleEvaluateGroup(w http.ResponseWriter, r *http.Request) {
	ctx, projectID, err := requestContext(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var request evaluateGroupRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	group, ok := decodeOrdered(w, request.Group, "group")
	if !ok {
		return
	}

	result, issues, err := s.service.EvaluateGroup(ctx, projectID, request.SiteID, group)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluateGroupResponse{Result: result, Issues: nonNilIssues(issues)})
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx, projectID, err := requestContext(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var request resolveRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	var (
		value  any
		issues []core.Issue
	)
	switch {
	case len(request.Config) > 0 && len(request.Descriptor) > 0:
		writeJSONError(w, http.StatusBadRequest, "use either config or descriptor")
		return
	case len(request.Descriptor) > 0:
		descriptor, ok := decodeOrdered(w, request.Descriptor, "descriptor")
		if !ok {
			return
		}
		value, issues, err = s.service.ResolveValue(ctx, projectID, request.SiteID, descriptor)
	default:
		tree, ok := decodeOrdered(w, request.Config, "config")
		if !ok {
			return
		}
		value, issues, err = s.service.ResolveConfig(ctx, projectID, request.SiteID, tree)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{Value: value, Issues: nonNilIssues(issues)})
}

func (s *HTTPServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	if _, _, err := requestContext(r); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var request validateRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	group, ok := decodeOrdered(w, request.Group, "group")
	if !ok {
		return
	}

	issues := s.service.Validate(group)
	writeJSON(w, http.StatusOK, validateResponse{Valid: len(issues) == 0, Issues: nonNilIssues(issues)})
}

// handleStream serves condition events as server-sent events. Clients
// resume with Last-Event-ID and may filter on ?key=.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx, projectID, err := requestContext(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}
	filterKey := strings.TrimSpace(r.URL.Query().Get("key"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.ConditionEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}
		return nil
	}

	initialEvents, err := s.service.ListEventsSince(ctx, projectID, currentEventID, filterKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.metrics != nil {
		defer s.metrics.StreamOpened("sse")()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(ctx, projectID, currentEventID, filterKey)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeOrdered decodes a required JSON document keeping object key order.
// It writes a 400 and reports false when the document is missing or bad.
func decodeOrdered(w http.ResponseWriter, raw json.RawMessage, field string) (any, bool) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		writeJSONError(w, http.StatusBadRequest, field+" is required")
		return nil, false
	}
	value, err := core.DecodeJSON(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid "+field)
		return nil, false
	}
	return value, true
}

func nonNilIssues(issues []core.Issue) []core.Issue {
	if issues == nil {
		return []core.Issue{}
	}
	return issues
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func parseListPageToken(pageToken string, maxOffset int) (int, error) {
	pageToken = strings.TrimSpace(pageToken)
	if pageToken == "" {
		return 0, nil
	}

	offset, err := strconv.Atoi(pageToken)
	if err != nil || offset < 0 || offset > maxOffset {
		return 0, errors.New("invalid page token")
	}

	return offset, nil
}

func toEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "update", service.EventTypeUpdated:
		return "update"
	case "delete", service.EventTypeDeleted:
		return "delete"
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidConditions),
		errors.Is(err, service.ErrInvalidConfig),
		errors.Is(err, service.ErrInvalidSnapshot),
		errors.Is(err, service.ErrProjectIDRequired):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrConditionNotFound), errors.Is(err, service.ErrEnvironmentNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidConditions):
		return "invalid conditions"
	case errors.Is(err, service.ErrInvalidConfig):
		return "invalid config"
	case errors.Is(err, service.ErrInvalidSnapshot):
		return "invalid snapshot"
	case errors.Is(err, service.ErrProjectIDRequired):
		return "project ID is required"
	case errors.Is(err, service.ErrConditionNotFound):
		return "condition not found"
	case errors.Is(err, service.ErrEnvironmentNotFound):
		return "environment not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range compactSSEPayload(payload) {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(string(payload), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON value")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
