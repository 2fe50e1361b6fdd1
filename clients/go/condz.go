// Package condz provides client interfaces and domain types for the condz
// condition service.
//
// Use the http or grpc sub-package to create a client:
//
//	import condzhttp "github.com/matt-riley/condz/clients/go/http"
//	import condzgrpc "github.com/matt-riley/condz/clients/go/grpc"
package condz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ConditionManager covers CRUD operations on stored conditions.
type ConditionManager interface {
	CreateCondition(ctx context.Context, condition Condition) (Condition, []Issue, error)
	GetCondition(ctx context.Context, key string) (Condition, error)
	ListConditions(ctx context.Context) ([]Condition, error)
	UpdateCondition(ctx context.Context, condition Condition) (Condition, []Issue, error)
	DeleteCondition(ctx context.Context, key string) error
}

// EnvironmentReporter pushes a site's environment snapshot.
type EnvironmentReporter interface {
	PutEnvironment(ctx context.Context, siteID string, snapshot json.RawMessage) error
}

// Evaluator decides stored conditions and ad hoc groups for a site.
type Evaluator interface {
	Evaluate(ctx context.Context, key, siteID string) (Decision, error)
	EvaluateBatch(ctx context.Context, keys []string, siteID string) ([]Decision, error)
	EvaluateGroup(ctx context.Context, siteID string, group json.RawMessage) (bool, []Issue, error)
}

// Resolver replaces dynamic values in configuration trees.
type Resolver interface {
	ResolveConfig(ctx context.Context, siteID string, config json.RawMessage) (json.RawMessage, []Issue, error)
	ResolveValue(ctx context.Context, siteID string, descriptor json.RawMessage) (json.RawMessage, []Issue, error)
}

// Streamer delivers condition change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64, key string) (<-chan ConditionEvent, error)
}

// Condition is a stored condition group and the configuration it gates.
// Conditions and Config are kept as raw JSON so key order survives.
type Condition struct {
	Key         string          `json:"key"`
	Description string          `json:"description"`
	Enabled     bool            `json:"enabled"`
	Conditions  json.RawMessage `json:"conditions,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	CreatedAt   time.Time       `json:"created_at,omitzero"`
	UpdatedAt   time.Time       `json:"updated_at,omitzero"`
}

// Issue is a problem the server met while evaluating or resolving.
type Issue struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	Detail string `json:"detail,omitempty"`
}

func (i Issue) String() string {
	if i.Detail == "" {
		return fmt.Sprintf("%s at %s", i.Kind, i.Path)
	}
	return fmt.Sprintf("%s at %s: %s", i.Kind, i.Path, i.Detail)
}

// Decision is the outcome of evaluating one stored condition for a site.
type Decision struct {
	Key     string          `json:"key"`
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
	Issues  []Issue         `json:"issues,omitempty"`
}

// ConditionEvent is a change notification for a stored condition.
type ConditionEvent struct {
	Type      string // "update" | "delete" | "error"
	Key       string
	Condition *Condition // nil on error
	EventID   int64
}
