package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/matt-riley/condz/internal/core"
	"github.com/matt-riley/condz/internal/middleware"
	"github.com/matt-riley/condz/internal/repository"
	"github.com/matt-riley/condz/internal/service"
)

func withPrincipal(ctx context.Context) context.Context {
	return middleware.NewContextWithPrincipal(ctx, middleware.Principal{ProjectID: "default", KeyID: "key-1"})
}

func reqWithProject(req *http.Request) *http.Request {
	return req.WithContext(withPrincipal(req.Context()))
}

type fakeService struct {
	createConditionFunc   func(ctx context.Context, condition repository.Condition) (repository.Condition, []core.Issue, error)
	updateConditionFunc   func(ctx context.Context, condition repository.Condition) (repository.Condition, []core.Issue, error)
	getConditionFunc      func(ctx context.Context, projectID, key string) (repository.Condition, error)
	listConditionsFunc    func(ctx context.Context, projectID string) ([]repository.Condition, error)
	deleteConditionFunc   func(ctx context.Context, projectID, key string) error
	listEventsSinceFunc   func(ctx context.Context, projectID string, eventID int64, key string) ([]repository.ConditionEvent, error)
	putEnvironmentFunc    func(ctx context.Context, env repository.Environment) (repository.Environment, error)
	getEnvironmentFunc    func(ctx context.Context, projectID, siteID string) (repository.Environment, error)
	listEnvironmentsFunc  func(ctx context.Context, projectID string) ([]repository.Environment, error)
	deleteEnvironmentFunc func(ctx context.Context, projectID, siteID string) error
	evaluateFunc          func(ctx context.Context, projectID, key, siteID string) (service.Decision, error)
	evaluateBatchFunc     func(ctx context.Context, projectID string, keys []string, siteID string) ([]service.Decision, error)
	evaluateGroupFunc     func(ctx context.Context, projectID, siteID string, group any) (bool, []core.Issue, error)
	resolveConfigFunc     func(ctx context.Context, projectID, siteID string, tree any) (any, []core.Issue, error)
	resolveValueFunc      func(ctx context.Context, projectID, siteID string, descriptor any) (any, []core.Issue, error)
	validateFunc          func(group any) []core.Issue
}

func (f *fakeService) CreateCondition(ctx context.Context, condition repository.Condition) (repository.Condition, []core.Issue, error) {
	if f.createConditionFunc != nil {
		return f.createConditionFunc(ctx, condition)
	}
	return repository.Condition{}, nil, errors.New("CreateCondition not implemented")
}

func (f *fakeService) UpdateCondition(ctx context.Context, condition repository.Condition) (repository.Condition, []core.Issue, error) {
	if f.updateConditionFunc != nil {
		return f.updateConditionFunc(ctx, condition)
	}
	return repository.Condition{}, nil, errors.New("UpdateCondition not implemented")
}

func (f *fakeService) GetCondition(ctx context.Context, projectID, key string) (repository.Condition, error) {
	if f.getConditionFunc != nil {
		return f.getConditionFunc(ctx, projectID, key)
	}
	return repository.Condition{}, errors.New("GetCondition not implemented")
}

func (f *fakeService) ListConditions(ctx context.Context, projectID string) ([]repository.Condition, error) {
	if f.listConditionsFunc != nil {
		return f.listConditionsFunc(ctx, projectID)
	}
	return nil, errors.New("ListConditions not implemented")
}

func (f *fakeService) DeleteCondition(ctx context.Context, projectID, key string) error {
	if f.deleteConditionFunc != nil {
		return f.deleteConditionFunc(ctx, projectID, key)
	}
	return errors.New("DeleteCondition not implemented")
}

func (f *fakeService) ListEventsSince(ctx context.Context, projectID string, eventID int64, key string) ([]repository.ConditionEvent, error) {
	if f.listEventsSinceFunc != nil {
		return f.listEventsSinceFunc(ctx, projectID, eventID, key)
	}
	return nil, errors.New("ListEventsSince not implemented")
}

func (f *fakeService) PutEnvironment(ctx context.Context, env repository.Environment) (repository.Environment, error) {
	if f.putEnvironmentFunc != nil {
		return f.putEnvironmentFunc(ctx, env)
	}
	return repository.Environment{}, errors.New("PutEnvironment not implemented")
}

func (f *fakeService) GetEnvironment(ctx context.Context, projectID, siteID string) (repository.Environment, error) {
	if f.getEnvironmentFunc != nil {
		return f.getEnvironmentFunc(ctx, projectID, siteID)
	}
	return repository.Environment{}, errors.New("GetEnvironment not implemented")
}

func (f *fakeService) ListEnvironments(ctx context.Context, projectID string) ([]repository.Environment, error) {
	if f.listEnvironmentsFunc != nil {
		return f.listEnvironmentsFunc(ctx, projectID)
	}
	return nil, errors.New("ListEnvironments not implemented")
}

func (f *fakeService) DeleteEnvironment(ctx context.Context, projectID, siteID string) error {
	if f.deleteEnvironmentFunc != nil {
		return f.deleteEnvironmentFunc(ctx, projectID, siteID)
	}
	return errors.New("DeleteEnvironment not implemented")
}

func (f *fakeService) Evaluate(ctx context.Context, projectID, key, siteID string) (service.Decision, error) {
	if f.evaluateFunc != nil {
		return f.evaluateFunc(ctx, projectID, key, siteID)
	}
	return service.Decision{}, errors.New("Evaluate not implemented")
}

func (f *fakeService) EvaluateBatch(ctx context.Context, projectID string, keys []string, siteID string) ([]service.Decision, error) {
	if f.evaluateBatchFunc != nil {
		return f.evaluateBatchFunc(ctx, projectID, keys, siteID)
	}
	return nil, errors.New("EvaluateBatch not implemented")
}

func (f *fakeService) EvaluateGroup(ctx context.Context, projectID, siteID string, group any) (bool, []core.Issue, error) {
	if f.evaluateGroupFunc != nil {
		return f.evaluateGroupFunc(ctx, projectID, siteID, group)
	}
	return false, nil, errors.New("EvaluateGroup not implemented")
}

func (f *fakeService) ResolveConfig(ctx context.Context, projectID, siteID string, tree any) (any, []core.Issue, error) {
	if f.resolveConfigFunc != nil {
		return f.resolveConfigFunc(ctx, projectID, siteID, tree)
	}
	return nil, nil, errors.New("ResolveConfig not implemented")
}

func (f *fakeService) ResolveValue(ctx context.Context, projectID, siteID string, descriptor any) (any, []core.Issue, error) {
	if f.resolveValueFunc != nil {
		return f.resolveValueFunc(ctx, projectID, siteID, descriptor)
	}
	return nil, nil, errors.New("ResolveValue not implemented")
}

func (f *fakeService) Validate(group any) []core.Issue {
	if f.validateFunc != nil {
		return f.validateFunc(group)
	}
	return nil
}

type countingStreamMetrics struct {
	opened chan string
	closed chan string
}

func newCountingStreamMetrics() *countingStreamMetrics {
	return &countingStreamMetrics{opened: make(chan string, 4), closed: make(chan string, 4)}
}

func (m *countingStreamMetrics) StreamOpened(transport string) func() {
	m.opened <- transport
	return func() { m.closed <- transport }
}
