// Package service caches conditions and site environments in memory and
// evaluates them. Writes go through the repository; the caches follow
// LISTEN/NOTIFY invalidations and a periodic resync.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/condz/internal/callable"
	"github.com/matt-riley/condz/internal/core"
	"github.com/matt-riley/condz/internal/environment"
	"github.com/matt-riley/condz/internal/repository"
)

const (
	EventTypeUpdated           = "updated"
	EventTypeDeleted           = "deleted"
	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
)

var (
	ErrProjectIDRequired   = errors.New("project ID is required")
	ErrConditionNotFound   = errors.New("condition not found")
	ErrInvalidConditions   = errors.New("invalid conditions")
	ErrInvalidConfig       = errors.New("invalid config")
	ErrEnvironmentNotFound = errors.New("environment not found")
	ErrInvalidSnapshot     = errors.New("invalid snapshot")
)

var tracer = otel.Tracer("github.com/matt-riley/condz/internal/service")

type Repository interface {
	CreateCondition(ctx context.Context, condition repository.Condition) (repository.Condition, error)
	UpdateCondition(ctx context.Context, condition repository.Condition) (repository.Condition, error)
	GetCondition(ctx context.Context, projectID, key string) (repository.Condition, error)
	ListConditions(ctx context.Context) ([]repository.Condition, error)
	DeleteCondition(ctx context.Context, projectID, key string) error
	PutEnvironment(ctx context.Context, env repository.Environment) (repository.Environment, error)
	GetEnvironment(ctx context.Context, projectID, siteID string) (repository.Environment, error)
	ListEnvironments(ctx context.Context) ([]repository.Environment, error)
	DeleteEnvironment(ctx context.Context, projectID, siteID string) error
	ListEventsSince(ctx context.Context, projectID string, eventID int64, key string) ([]repository.ConditionEvent, error)
	PublishConditionEvent(ctx context.Context, event repository.ConditionEvent) (repository.ConditionEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error)
}

type auditLogWriter interface {
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
}

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the logger for cache and evaluation warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithCacheMetrics installs cache observers. Any of them may be nil.
func WithCacheMetrics(onLoad, onInvalidation, onReset func(), onSize func(projectID string, size float64)) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidation = onInvalidation
		s.onCacheReset = onReset
		s.onCacheSize = onSize
	}
}

// WithEvaluationMetrics installs evaluation observers. Any of them may be
// nil.
func WithEvaluationMetrics(onEvaluation func(result bool), onIssue func(kind string), onResolved func(source string, found bool)) Option {
	return func(s *Service) {
		s.onEvaluation = onEvaluation
		s.onIssue = onIssue
		s.onResolved = onResolved
	}
}

// WithCacheResyncInterval sets how often the caches are fully reloaded.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithMaxConditionDepth bounds group nesting during evaluation and
// validation.
func WithMaxConditionDepth(depth int) Option {
	return func(s *Service) {
		if depth > 0 {
			s.maxDepth = depth
		}
	}
}

// WithRegistry sets the callables available to every site. The default is
// [callable.Builtins].
func WithRegistry(registry *callable.Registry) Option {
	return func(s *Service) {
		if registry != nil {
			s.registry = registry
		}
	}
}

type cacheKey struct {
	projectID string
	key       string
}

type cachedCondition struct {
	record repository.Condition
	group  any
	config any
	err    error
}

type cachedEnvironment struct {
	record   repository.Environment
	provider *environment.Provider
}

type Service struct {
	repo      Repository
	registry  *callable.Registry
	operators core.Operators
	maxDepth  int
	log       *slog.Logger

	resyncInterval time.Duration

	onCacheLoad         func()
	onCacheInvalidation func()
	onCacheReset        func()
	onCacheSize         func(projectID string, size float64)
	onEvaluation        func(result bool)
	onIssue             func(kind string)
	onResolved          func(source string, found bool)

	mu           sync.RWMutex
	conditions   map[cacheKey]cachedCondition
	environments map[cacheKey]cachedEnvironment
}

func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		registry:       callable.Builtins(),
		operators:      core.DefaultOperators(),
		maxDepth:       32,
		log:            slog.Default(),
		resyncInterval: defaultCacheResyncInterval,
		conditions:     make(map[cacheKey]cachedCondition),
		environments:   make(map[cacheKey]cachedEnvironment),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadCache replaces both caches with the repository's current contents.
func (s *Service) LoadCache(ctx context.Context) error {
	conditions, err := s.repo.ListConditions(ctx)
	if err != nil {
		return fmt.Errorf("load conditions: %w", err)
	}
	environments, err := s.repo.ListEnvironments(ctx)
	if err != nil {
		return fmt.Errorf("load environments: %w", err)
	}

	nextConditions := make(map[cacheKey]cachedCondition, len(conditions))
	sizes := make(map[string]float64)
	for _, condition := range conditions {
		cached := s.compileCondition(condition)
		if cached.err != nil {
			s.log.Warn("stored condition does not decode", "project_id", condition.ProjectID, "key", condition.Key, "error", cached.err)
		}
		nextConditions[cacheKey{condition.ProjectID, condition.Key}] = cached
		sizes[condition.ProjectID]++
	}

	nextEnvironments := make(map[cacheKey]cachedEnvironment, len(environments))
	for _, env := range environments {
		cached, err := s.compileEnvironment(env)
		if err != nil {
			s.log.Warn("stored environment does not decode", "project_id", env.ProjectID, "site_id", env.SiteID, "error", err)
			continue
		}
		nextEnvironments[cacheKey{env.ProjectID, env.SiteID}] = cached
	}

	s.mu.Lock()
	s.conditions = nextConditions
	s.environments = nextEnvironments
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}
	if s.onCacheReset != nil {
		s.onCacheReset()
	}
	if s.onCacheSize != nil {
		for projectID, size := range sizes {
			s.onCacheSize(projectID, size)
		}
	}

	return nil
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err != nil {
						s.log.Warn("resubscribe cache invalidation", "error", err)
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onCacheInvalidation != nil {
					s.onCacheInvalidation()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil && ctx.Err() == nil {
		s.log.Warn("reload cache", "error", err)
	}
}

func (s *Service) cachedCondition(projectID, key string) (cachedCondition, bool) {
	s.mu.RLock()
	cached, ok := s.conditions[cacheKey{projectID, key}]
	s.mu.RUnlock()
	return cached, ok
}

func (s *Service) setCachedCondition(cached cachedCondition) {
	s.mu.Lock()
	s.conditions[cacheKey{cached.record.ProjectID, cached.record.Key}] = cached
	s.mu.Unlock()
}

func (s *Service) deleteCachedCondition(projectID, key string) {
	s.mu.Lock()
	delete(s.conditions, cacheKey{projectID, key})
	s.mu.Unlock()
}

func (s *Service) cachedEnvironment(projectID, siteID string) (cachedEnvironment, bool) {
	s.mu.RLock()
	cached, ok := s.environments[cacheKey{projectID, siteID}]
	s.mu.RUnlock()
	return cached, ok
}

func (s *Service) setCachedEnvironment(cached cachedEnvironment) {
	s.mu.Lock()
	s.environments[cacheKey{cached.record.ProjectID, cached.record.SiteID}] = cached
	s.mu.Unlock()
}

func (s *Service) deleteCachedEnvironment(projectID, siteID string) {
	s.mu.Lock()
	delete(s.environments, cacheKey{projectID, siteID})
	s.mu.Unlock()
}

func requireProject(projectID string) error {
	if strings.TrimSpace(projectID) == "" {
		return ErrProjectIDRequired
	}
	return nil
}

func startSpan(ctx context.Context, name string, projectID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attrProject.String(projectID))
	return ctx, span
}
