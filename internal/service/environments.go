package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/condz/internal/environment"
	"github.com/matt-riley/condz/internal/repository"
)

// PutEnvironment stores the snapshot a site reported, replacing any earlier
// one.
func (s *Service) PutEnvironment(ctx context.Context, env repository.Environment) (repository.Environment, error) {
	if err := requireProject(env.ProjectID); err != nil {
		return repository.Environment{}, err
	}
	if strings.TrimSpace(env.SiteID) == "" {
		return repository.Environment{}, errors.New("site ID is required")
	}
	if len(env.Snapshot) == 0 {
		env.Snapshot = json.RawMessage(`{}`)
	}
	if _, err := decodeSnapshot(env.Snapshot); err != nil {
		return repository.Environment{}, err
	}

	stored, err := s.repo.PutEnvironment(ctx, env)
	if err != nil {
		return repository.Environment{}, fmt.Errorf("put environment: %w", err)
	}

	cached, err := s.compileEnvironment(stored)
	if err != nil {
		return repository.Environment{}, err
	}
	s.setCachedEnvironment(cached)
	s.auditBestEffort(ctx, stored.ProjectID, "environment.put", stored.SiteID, nil)

	return stored, nil
}

func (s *Service) GetEnvironment(ctx context.Context, projectID, siteID string) (repository.Environment, error) {
	if err := requireProject(projectID); err != nil {
		return repository.Environment{}, err
	}
	if cached, ok := s.cachedEnvironment(projectID, siteID); ok {
		return cached.record, nil
	}

	env, err := s.repo.GetEnvironment(ctx, projectID, siteID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Environment{}, ErrEnvironmentNotFound
		}
		return repository.Environment{}, fmt.Errorf("get environment: %w", err)
	}

	cached, err := s.compileEnvironment(env)
	if err != nil {
		return repository.Environment{}, err
	}
	s.setCachedEnvironment(cached)
	return env, nil
}

// ListEnvironments returns a project's environments sorted by site ID.
func (s *Service) ListEnvironments(_ context.Context, projectID string) ([]repository.Environment, error) {
	if err := requireProject(projectID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	envs := make([]repository.Environment, 0)
	for key, cached := range s.environments {
		if key.projectID == projectID {
			envs = append(envs, cached.record)
		}
	}
	s.mu.RUnlock()

	sort.Slice(envs, func(i, j int) bool {
		return envs[i].SiteID < envs[j].SiteID
	})
	return envs, nil
}

func (s *Service) DeleteEnvironment(ctx context.Context, projectID, siteID string) error {
	if err := requireProject(projectID); err != nil {
		return err
	}

	if err := s.repo.DeleteEnvironment(ctx, projectID, siteID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedEnvironment(projectID, siteID)
			return ErrEnvironmentNotFound
		}
		return fmt.Errorf("delete environment: %w", err)
	}

	s.deleteCachedEnvironment(projectID, siteID)
	s.auditBestEffort(ctx, projectID, "environment.delete", siteID, nil)
	return nil
}

// provider returns the Provider for a site. A site that never reported an
// environment is evaluated against an empty snapshot.
func (s *Service) provider(ctx context.Context, projectID, siteID string) (*environment.Provider, error) {
	if cached, ok := s.cachedEnvironment(projectID, siteID); ok {
		return cached.provider, nil
	}
	if strings.TrimSpace(siteID) == "" {
		return environment.NewProvider(environment.Snapshot{}, s.registry), nil
	}

	if _, err := s.GetEnvironment(ctx, projectID, siteID); err != nil {
		if errors.Is(err, ErrEnvironmentNotFound) {
			return environment.NewProvider(environment.Snapshot{}, s.registry), nil
		}
		return nil, err
	}
	cached, _ := s.cachedEnvironment(projectID, siteID)
	return cached.provider, nil
}

func (s *Service) compileEnvironment(env repository.Environment) (cachedEnvironment, error) {
	snapshot, err := decodeSnapshot(env.Snapshot)
	if err != nil {
		return cachedEnvironment{}, err
	}
	return cachedEnvironment{
		record:   env,
		provider: environment.NewProvider(snapshot, s.registry),
	}, nil
}

func decodeSnapshot(payload json.RawMessage) (environment.Snapshot, error) {
	var snapshot environment.Snapshot
	if len(payload) == 0 {
		return snapshot, nil
	}
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return environment.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := snapshot.Validate(); err != nil {
		return environment.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return snapshot, nil
}
