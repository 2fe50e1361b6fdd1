package server

import (
	"context"

	"github.com/matt-riley/condz/internal/core"
	"github.com/matt-riley/condz/internal/repository"
	"github.com/matt-riley/condz/internal/service"
)

// Service is the subset of [service.Service] the transports call.
type Service interface {
	CreateCondition(ctx context.Context, condition repository.Condition) (repository.Condition, []core.Issue, error)
	UpdateCondition(ctx context.Context, condition repository.Condition) (repository.Condition, []core.Issue, error)
	GetCondition(ctx context.Context, projectID, key string) (repository.Condition, error)
	ListConditions(ctx context.Context, projectID string) ([]repository.Condition, error)
	DeleteCondition(ctx context.Context, projectID, key string) error
	ListEventsSince(ctx context.Context, projectID string, eventID int64, key string) ([]repository.ConditionEvent, error)

	PutEnvironment(ctx context.Context, env repository.Environment) (repository.Environment, error)
	GetEnvironment(ctx context.Context, projectID, siteID string) (repository.Environment, error)
	ListEnvironments(ctx context.Context, projectID string) ([]repository.Environment, error)
	DeleteEnvironment(ctx context.Context, projectID, siteID string) error

	Evaluate(ctx context.Context, projectID, key, siteID string) (service.Decision, error)
	EvaluateBatch(ctx context.Context, projectID string, keys []string, siteID string) ([]service.Decision, error)
	EvaluateGroup(ctx context.Context, projectID, siteID string, group any) (bool, []core.Issue, error)
	ResolveConfig(ctx context.Context, projectID, siteID string, tree any) (any, []core.Issue, error)
	ResolveValue(ctx context.Context, projectID, siteID string, descriptor any) (any, []core.Issue, error)
	Validate(group any) []core.Issue
}

var _ Service = (*service.Service)(nil)

// StreamMetrics tracks open streaming connections.
type StreamMetrics interface {
	StreamOpened(transport string) func()
}
