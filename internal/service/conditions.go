package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/condz/internal/core"
	"github.com/matt-riley/condz/internal/repository"
)

// CreateCondition stores a new condition. Structural problems in its group
// do not block the write; they are logged and returned.
func (s *Service) CreateCondition(ctx context.Context, condition repository.Condition) (repository.Condition, []core.Issue, error) {
	cached, issues, err := s.prepareCondition(ctx, condition)
	if err != nil {
		return repository.Condition{}, nil, err
	}

	created, err := s.repo.CreateCondition(ctx, cached.record)
	if err != nil {
		return repository.Condition{}, nil, fmt.Errorf("create condition: %w", err)
	}

	cached.record = created
	s.setCachedCondition(cached)
	s.publishConditionEventBestEffort(ctx, EventTypeUpdated, created)
	s.auditBestEffort(ctx, created.ProjectID, "condition.create", created.Key, created)

	return created, issues, nil
}

func (s *Service) UpdateCondition(ctx context.Context, condition repository.Condition) (repository.Condition, []core.Issue, error) {
	cached, issues, err := s.prepareCondition(ctx, condition)
	if err != nil {
		return repository.Condition{}, nil, err
	}

	updated, err := s.repo.UpdateCondition(ctx, cached.record)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedCondition(condition.ProjectID, condition.Key)
			return repository.Condition{}, nil, ErrConditionNotFound
		}
		return repository.Condition{}, nil, fmt.Errorf("update condition: %w", err)
	}

	cached.record = updated
	s.setCachedCondition(cached)
	s.publishConditionEventBestEffort(ctx, EventTypeUpdated, updated)
	s.auditBestEffort(ctx, updated.ProjectID, "condition.update", updated.Key, updated)

	return updated, issues, nil
}

func (s *Service) GetCondition(ctx context.Context, projectID, key string) (repository.Condition, error) {
	cached, err := s.condition(ctx, projectID, key)
	if err != nil {
		return repository.Condition{}, err
	}
	return cached.record, nil
}

// ListConditions returns a project's conditions sorted by key.
func (s *Service) ListConditions(_ context.Context, projectID string) ([]repository.Condition, error) {
	if err := requireProject(projectID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	conditions := make([]repository.Condition, 0)
	for key, cached := range s.conditions {
		if key.projectID == projectID {
			conditions = append(conditions, cached.record)
		}
	}
	s.mu.RUnlock()

	sort.Slice(conditions, func(i, j int) bool {
		return conditions[i].Key < conditions[j].Key
	})

	return conditions, nil
}

func (s *Service) DeleteCondition(ctx context.Context, projectID, key string) error {
	existing, err := s.GetCondition(ctx, projectID, key)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteCondition(ctx, projectID, key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedCondition(projectID, key)
			return ErrConditionNotFound
		}
		return fmt.Errorf("delete condition: %w", err)
	}

	s.deleteCachedCondition(projectID, key)
	s.publishConditionEventBestEffort(ctx, EventTypeDeleted, existing)
	s.auditBestEffort(ctx, projectID, "condition.delete", key, nil)

	return nil
}

// ListEventsSince returns a project's condition events after eventID. An
// empty key matches every condition.
func (s *Service) ListEventsSince(ctx context.Context, projectID string, eventID int64, key string) ([]repository.ConditionEvent, error) {
	if err := requireProject(projectID); err != nil {
		return nil, err
	}

	events, err := s.repo.ListEventsSince(ctx, projectID, eventID, key)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) condition(ctx context.Context, projectID, key string) (cachedCondition, error) {
	if err := requireProject(projectID); err != nil {
		return cachedCondition{}, err
	}
	if strings.TrimSpace(key) == "" {
		return cachedCondition{}, errors.New("condition key is required")
	}

	if cached, ok := s.cachedCondition(projectID, key); ok {
		return cached, nil
	}

	condition, err := s.repo.GetCondition(ctx, projectID, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cachedCondition{}, ErrConditionNotFound
		}
		return cachedCondition{}, fmt.Errorf("get condition: %w", err)
	}

	cached := s.compileCondition(condition)
	s.setCachedCondition(cached)
	return cached, nil
}

// prepareCondition checks a condition before it is written and returns it
// compiled together with its structural issues.
func (s *Service) prepareCondition(ctx context.Context, condition repository.Condition) (cachedCondition, []core.Issue, error) {
	if err := requireProject(condition.ProjectID); err != nil {
		return cachedCondition{}, nil, err
	}
	if strings.TrimSpace(condition.Key) == "" {
		return cachedCondition{}, nil, errors.New("condition key is required")
	}

	group, err := parseObjectJSON(condition.Conditions, ErrInvalidConditions)
	if err != nil {
		return cachedCondition{}, nil, err
	}
	config, err := parseObjectJSON(condition.Config, ErrInvalidConfig)
	if err != nil {
		return cachedCondition{}, nil, err
	}

	issues := core.Issues(core.ValidateWithOperators(group, s.operators, s.maxDepth))
	for _, issue := range issues {
		s.log.WarnContext(ctx, "condition has structural issue",
			"project_id", condition.ProjectID,
			"key", condition.Key,
			"kind", issue.Kind,
			"path", issue.Path,
		)
	}

	if len(condition.Conditions) == 0 {
		condition.Conditions = json.RawMessage(`{}`)
	}
	if len(condition.Config) == 0 {
		condition.Config = json.RawMessage(`{}`)
	}

	return cachedCondition{record: condition, group: group, config: config}, issues, nil
}

func (s *Service) compileCondition(condition repository.Condition) cachedCondition {
	cached := cachedCondition{record: condition}
	group, err := parseObjectJSON(condition.Conditions, ErrInvalidConditions)
	if err != nil {
		cached.err = err
		return cached
	}
	config, err := parseObjectJSON(condition.Config, ErrInvalidConfig)
	if err != nil {
		cached.err = err
		return cached
	}
	cached.group = group
	cached.config = config
	return cached
}

// parseObjectJSON decodes payload keeping key order. An empty payload is an
// empty object; anything other than an object is rejected with kind.
func parseObjectJSON(payload json.RawMessage, kind error) (*core.Map, error) {
	if len(payload) == 0 {
		return core.NewMap(), nil
	}

	value, err := core.DecodeJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kind, err)
	}
	m, ok := value.(*core.Map)
	if !ok {
		return nil, fmt.Errorf("%w: want a JSON object, got %s", kind, jsonKind(value))
	}
	return m, nil
}

func jsonKind(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case []any:
		return "array"
	default:
		return "number"
	}
}

func (s *Service) publishConditionEventBestEffort(ctx context.Context, eventType string, condition repository.Condition) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.publishConditionEvent(publishCtx, eventType, condition); err != nil {
		s.log.WarnContext(ctx, "publish condition event", "key", condition.Key, "error", err)
	}
}

func (s *Service) publishConditionEvent(ctx context.Context, eventType string, condition repository.Condition) error {
	payload, err := json.Marshal(condition)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishConditionEvent(ctx, repository.ConditionEvent{
		ProjectID:    condition.ProjectID,
		ConditionKey: condition.Key,
		EventType:    eventType,
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}
