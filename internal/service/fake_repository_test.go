package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/condz/internal/repository"
)

type fakeServiceRepository struct {
	mu           sync.RWMutex
	conditions   map[cacheKey]repository.Condition
	environments map[cacheKey]repository.Environment
	events       []repository.ConditionEvent
	audit        []repository.AuditLogEntry
	nextEventID  int64
	publishErr   error
	getCalls     int

	requirePublishActiveContext bool
	publishCtxErr               error
	publishCtxHasDeadline       bool
}

func newFakeServiceRepository() *fakeServiceRepository {
	return &fakeServiceRepository{
		conditions:   make(map[cacheKey]repository.Condition),
		environments: make(map[cacheKey]repository.Environment),
	}
}

func (f *fakeServiceRepository) CreateCondition(_ context.Context, condition repository.Condition) (repository.Condition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conditions[cacheKey{condition.ProjectID, condition.Key}] = condition
	return condition, nil
}

func (f *fakeServiceRepository) UpdateCondition(_ context.Context, condition repository.Condition) (repository.Condition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := cacheKey{condition.ProjectID, condition.Key}
	if _, ok := f.conditions[key]; !ok {
		return repository.Condition{}, pgx.ErrNoRows
	}
	f.conditions[key] = condition
	return condition, nil
}

func (f *fakeServiceRepository) GetCondition(_ context.Context, projectID, key string) (repository.Condition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getCalls++
	condition, ok := f.conditions[cacheKey{projectID, key}]
	if !ok {
		return repository.Condition{}, pgx.ErrNoRows
	}
	return condition, nil
}

func (f *fakeServiceRepository) ListConditions(_ context.Context) ([]repository.Condition, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	conditions := make([]repository.Condition, 0, len(f.conditions))
	for _, condition := range f.conditions {
		conditions = append(conditions, condition)
	}
	return conditions, nil
}

func (f *fakeServiceRepository) DeleteCondition(_ context.Context, projectID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := cacheKey{projectID, key}
	if _, ok := f.conditions[k]; !ok {
		return pgx.ErrNoRows
	}
	delete(f.conditions, k)
	return nil
}

func (f *fakeServiceRepository) PutEnvironment(_ context.Context, env repository.Environment) (repository.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.environments[cacheKey{env.ProjectID, env.SiteID}] = env
	return env, nil
}

func (f *fakeServiceRepository) GetEnvironment(_ context.Context, projectID, siteID string) (repository.Environment, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	env, ok := f.environments[cacheKey{projectID, siteID}]
	if !ok {
		return repository.Environment{}, pgx.ErrNoRows
	}
	return env, nil
}

func (f *fakeServiceRepository) ListEnvironments(_ context.Context) ([]repository.Environment, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	envs := make([]repository.Environment, 0, len(f.environments))
	for _, env := range f.environments {
		envs = append(envs, env)
	}
	return envs, nil
}

func (f *fakeServiceRepository) DeleteEnvironment(_ context.Context, projectID, siteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := cacheKey{projectID, siteID}
	if _, ok := f.environments[k]; !ok {
		return pgx.ErrNoRows
	}
	delete(f.environments, k)
	return nil
}

func (f *fakeServiceRepository) ListEventsSince(_ context.Context, projectID string, eventID int64, key string) ([]repository.ConditionEvent, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	events := make([]repository.ConditionEvent, 0, len(f.events))
	for _, event := range f.events {
		if event.EventID <= eventID || event.ProjectID != projectID {
			continue
		}
		if key != "" && event.ConditionKey != key {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (f *fakeServiceRepository) PublishConditionEvent(ctx context.Context, event repository.ConditionEvent) (repository.ConditionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.publishCtxErr = ctx.Err()
	_, f.publishCtxHasDeadline = ctx.Deadline()

	if f.requirePublishActiveContext && f.publishCtxErr != nil {
		return repository.ConditionEvent{}, f.publishCtxErr
	}
	if f.publishErr != nil {
		return repository.ConditionEvent{}, f.publishErr
	}

	f.nextEventID++
	event.EventID = f.nextEventID
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeServiceRepository) InsertAuditLog(_ context.Context, entry repository.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, entry)
	return nil
}

func (f *fakeServiceRepository) setCondition(condition repository.Condition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conditions[cacheKey{condition.ProjectID, condition.Key}] = condition
}

func (f *fakeServiceRepository) removeCondition(projectID, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conditions, cacheKey{projectID, key})
}

func (f *fakeServiceRepository) setEnvironment(env repository.Environment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.environments[cacheKey{env.ProjectID, env.SiteID}] = env
}

func (f *fakeServiceRepository) eventTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.events))
	for _, event := range f.events {
		types = append(types, event.EventType)
	}
	return types
}

func (f *fakeServiceRepository) auditActions() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	actions := make([]string, 0, len(f.audit))
	for _, entry := range f.audit {
		actions = append(actions, entry.Actor+" "+entry.Action+" "+entry.Target)
	}
	return actions
}

type notifyingFakeServiceRepository struct {
	*fakeServiceRepository
	invalidations chan struct{}
}

func newNotifyingFakeServiceRepository() *notifyingFakeServiceRepository {
	return &notifyingFakeServiceRepository{
		fakeServiceRepository: newFakeServiceRepository(),
		invalidations:         make(chan struct{}, 1),
	}
}

func (f *notifyingFakeServiceRepository) SubscribeInvalidation(_ context.Context) (<-chan struct{}, error) {
	return f.invalidations, nil
}

func (f *notifyingFakeServiceRepository) notifyInvalidation() {
	select {
	case f.invalidations <- struct{}{}:
	default:
	}
}

type resubscribingFakeServiceRepository struct {
	*fakeServiceRepository
	invalidationMu sync.Mutex
	invalidations  chan struct{}
	subscriptions  int
}

func newResubscribingFakeServiceRepository() *resubscribingFakeServiceRepository {
	return &resubscribingFakeServiceRepository{
		fakeServiceRepository: newFakeServiceRepository(),
		invalidations:         make(chan struct{}, 1),
	}
}

func (f *resubscribingFakeServiceRepository) SubscribeInvalidation(_ context.Context) (<-chan struct{}, error) {
	f.invalidationMu.Lock()
	defer f.invalidationMu.Unlock()

	if f.invalidations == nil {
		f.invalidations = make(chan struct{}, 1)
	}
	f.subscriptions++
	return f.invalidations, nil
}

func (f *resubscribingFakeServiceRepository) closeInvalidationChannel() {
	f.invalidationMu.Lock()
	ch := f.invalidations
	f.invalidations = nil
	f.invalidationMu.Unlock()

	if ch != nil {
		close(ch)
	}
}

func (f *resubscribingFakeServiceRepository) notifyInvalidation() {
	f.invalidationMu.Lock()
	ch := f.invalidations
	f.invalidationMu.Unlock()
	if ch == nil {
		return
	}

	select {
	case ch <- struct{}{}:
	default:
	}
}

func (f *resubscribingFakeServiceRepository) subscriptionCalls() int {
	f.invalidationMu.Lock()
	defer f.invalidationMu.Unlock()
	return f.subscriptions
}

func waitForCondition(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if check() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
