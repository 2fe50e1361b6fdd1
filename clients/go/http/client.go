// Package http provides an HTTP client for the condz condition service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	condz "github.com/matt-riley/condz/clients/go"
)

var (
	_ condz.ConditionManager    = (*Client)(nil)
	_ condz.EnvironmentReporter = (*Client)(nil)
	_ condz.Evaluator           = (*Client)(nil)
	_ condz.Resolver            = (*Client)(nil)
	_ condz.Streamer            = (*Client)(nil)
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the condz server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements the condz interfaces over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the condz service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("condz: HTTP %d: %s", e.StatusCode, e.Message)
}

type conditionEnvelope struct {
	condz.Condition
	Issues []condz.Issue `json:"issues,omitempty"`
}

type listConditionsResponse struct {
	Conditions    []condz.Condition `json:"conditions"`
	NextPageToken string            `json:"next_page_token"`
}

type evaluateRequest struct {
	Key    string   `json:"key,omitempty"`
	Keys   []string `json:"keys,omitempty"`
	SiteID string   `json:"site_id"`
}

type groupRequest struct {
	SiteID string          `json:"site_id,omitempty"`
	Group  json.RawMessage `json:"group"`
}

type resolveRequest struct {
	SiteID     string          `json:"site_id"`
	Config     json.RawMessage `json:"config,omitempty"`
	Descriptor json.RawMessage `json:"descriptor,omitempty"`
}

type resolveResponse struct {
	Value  json.RawMessage `json:"value"`
	Issues []condz.Issue   `json:"issues"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("condz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("condz: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("condz: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("condz: decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	message := strings.TrimSpace(string(raw))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		message = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message}
}

func conditionPath(key string) string {
	return "/v1/conditions/" + url.PathEscape(key)
}

func (c *Client) CreateCondition(ctx context.Context, condition condz.Condition) (condz.Condition, []condz.Issue, error) {
	var out conditionEnvelope
	if err := c.do(ctx, http.MethodPost, "/v1/conditions", condition, &out); err != nil {
		return condz.Condition{}, nil, err
	}
	return out.Condition, out.Issues, nil
}

func (c *Client) GetCondition(ctx context.Context, key string) (condz.Condition, error) {
	var out conditionEnvelope
	if err := c.do(ctx, http.MethodGet, conditionPath(key), nil, &out); err != nil {
		return condz.Condition{}, err
	}
	return out.Condition, nil
}

// ListConditions follows page tokens until every condition is read.
func (c *Client) ListConditions(ctx context.Context) ([]condz.Condition, error) {
	var conditions []condz.Condition
	token := ""
	for {
		path := "/v1/conditions"
		if token != "" {
			path += "?page_token=" + url.QueryEscape(token)
		}
		var page listConditionsResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		conditions = append(conditions, page.Conditions...)
		if page.NextPageToken == "" || page.NextPageToken == token {
			return conditions, nil
		}
		token = page.NextPageToken
	}
}

func (c *Client) UpdateCondition(ctx context.Context, condition condz.Condition) (condz.Condition, []condz.Issue, error) {
	var out conditionEnvelope
	if err := c.do(ctx, http.MethodPut, conditionPath(condition.Key), condition, &out); err != nil {
		return condz.Condition{}, nil, err
	}
	return out.Condition, out.Issues, nil
}

func (c *Client) DeleteCondition(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, conditionPath(key), nil, nil)
}

// PutEnvironment replaces the stored snapshot for siteID.
func (c *Client) PutEnvironment(ctx context.Context, siteID string, snapshot json.RawMessage) error {
	return c.do(ctx, http.MethodPut, "/v1/environments/"+url.PathEscape(siteID), snapshot, nil)
}

func (c *Client) Evaluate(ctx context.Context, key, siteID string) (condz.Decision, error) {
	var out condz.Decision
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", evaluateRequest{Key: key, SiteID: siteID}, &out); err != nil {
		return condz.Decision{Key: key}, err
	}
	return out, nil
}

func (c *Client) EvaluateBatch(ctx context.Context, keys []string, siteID string) ([]condz.Decision, error) {
	var out struct {
		Results []condz.Decision `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", evaluateRequest{Keys: keys, SiteID: siteID}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) EvaluateGroup(ctx context.Context, siteID string, group json.RawMessage) (bool, []condz.Issue, error) {
	var out struct {
		Result bool          `json:"result"`
		Issues []condz.Issue `json:"issues"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate/group", groupRequest{SiteID: siteID, Group: group}, &out); err != nil {
		return false, nil, err
	}
	return out.Result, out.Issues, nil
}

func (c *Client) ResolveConfig(ctx context.Context, siteID string, config json.RawMessage) (json.RawMessage, []condz.Issue, error) {
	return c.resolve(ctx, resolveRequest{SiteID: siteID, Config: config})
}

func (c *Client) ResolveValue(ctx context.Context, siteID string, descriptor json.RawMessage) (json.RawMessage, []condz.Issue, error) {
	return c.resolve(ctx, resolveRequest{SiteID: siteID, Descriptor: descriptor})
}

func (c *Client) resolve(ctx context.Context, req resolveRequest) (json.RawMessage, []condz.Issue, error) {
	var out resolveResponse
	if err := c.do(ctx, http.MethodPost, "/v1/resolve", req, &out); err != nil {
		return nil, nil, err
	}
	return out.Value, out.Issues, nil
}

// Validate reports structural issues in a condition group.
func (c *Client) Validate(ctx context.Context, group json.RawMessage) ([]condz.Issue, error) {
	var out struct {
		Issues []condz.Issue `json:"issues"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/validate", groupRequest{Group: group}, &out); err != nil {
		return nil, err
	}
	return out.Issues, nil
}

// Stream connects to the SSE stream and emits ConditionEvents on the returned
// channel. A non-empty key limits the stream to that condition.
func (c *Client) Stream(ctx context.Context, lastEventID int64, key string) (<-chan condz.ConditionEvent, error) {
	target := c.cfg.BaseURL + "/v1/stream"
	if key != "" {
		target += "?key=" + url.QueryEscape(key)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("condz: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("condz: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	ch := make(chan condz.ConditionEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// 1 MiB lines: condition payloads can be large.
		parseSSE(ctx, bufio.NewReaderSize(resp.Body, 1<<20), ch)
	}()
	return ch, nil
}

// parseSSE reads the id, event and data fields the server emits and sends
// one ConditionEvent per blank-line terminated block.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- condz.ConditionEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				ev := condz.ConditionEvent{Type: eventType, EventID: eventID}
				if eventType == "update" || eventType == "delete" {
					var cond condz.Condition
					if json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &cond) == nil {
						ev.Condition = &cond
						ev.Key = cond.Key
					}
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			if id, perr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); perr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
