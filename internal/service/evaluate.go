package service

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/matt-riley/condz/internal/core"
)

const (
	attrProject = attribute.Key("condz.project_id")
	attrKey     = attribute.Key("condz.condition_key")
	attrSite    = attribute.Key("condz.site_id")
	attrEnabled = attribute.Key("condz.enabled")
	attrIssues  = attribute.Key("condz.issues")
)

// Decision is the outcome of evaluating a stored condition for a site.
// Config is the condition's configuration with dynamic values resolved; it
// is nil when the condition is not enabled.
type Decision struct {
	Key     string       `json:"key"`
	Enabled bool         `json:"enabled"`
	Config  any          `json:"config,omitempty"`
	Issues  []core.Issue `json:"issues,omitempty"`
}

// issueCollector gathers the issues one call runs into.
type issueCollector struct {
	mu     sync.Mutex
	issues []core.Issue
}

func (c *issueCollector) add(issue core.Issue) {
	c.mu.Lock()
	c.issues = append(c.issues, issue)
	c.mu.Unlock()
}

func (c *issueCollector) list() []core.Issue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Issue(nil), c.issues...)
}

func (s *Service) issueHandler(collector *issueCollector) core.IssueHandler {
	return func(ctx context.Context, issue core.Issue) {
		collector.add(issue)
		if s.onIssue != nil {
			s.onIssue(string(issue.Kind))
		}
		s.log.WarnContext(ctx, "evaluation issue", "kind", issue.Kind, "path", issue.Path, "detail", issue.Detail)
	}
}

func (s *Service) evaluator(ctx context.Context, projectID, siteID string, collector *issueCollector) (*core.Evaluator, *core.Resolver, error) {
	provider, err := s.provider(ctx, projectID, siteID)
	if err != nil {
		return nil, nil, err
	}

	onIssue := s.issueHandler(collector)
	evaluator := core.NewEvaluator(provider,
		core.WithMaxDepth(s.maxDepth),
		core.WithOperators(s.operators),
		core.WithIssueHandler(onIssue),
		core.WithLogger(s.log),
	)
	resolver := core.NewResolver(provider,
		core.WithResolverIssueHandler(onIssue),
		core.WithResolvedHandler(func(_ context.Context, source core.Source, found bool) {
			if s.onResolved != nil {
				s.onResolved(string(source), found)
			}
		}),
		core.WithResolverLogger(s.log),
	)
	return evaluator, resolver, nil
}

// Evaluate decides whether a stored condition is enabled for a site and, if
// it is, resolves the dynamic values in its configuration.
func (s *Service) Evaluate(ctx context.Context, projectID, key, siteID string) (Decision, error) {
	ctx, span := startSpan(ctx, "service.Evaluate", projectID)
	defer span.End()
	span.SetAttributes(attrKey.String(key), attrSite.String(siteID))

	decision, err := s.evaluate(ctx, projectID, key, siteID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}

	span.SetAttributes(attrEnabled.Bool(decision.Enabled), attrIssues.Int(len(decision.Issues)))
	return decision, nil
}

func (s *Service) evaluate(ctx context.Context, projectID, key, siteID string) (Decision, error) {
	cached, err := s.condition(ctx, projectID, key)
	if err != nil {
		return Decision{}, err
	}
	if cached.err != nil {
		return Decision{}, cached.err
	}

	decision := Decision{Key: key}
	if !cached.record.Enabled {
		s.recordEvaluation(false)
		return decision, nil
	}

	collector := &issueCollector{}
	evaluator, resolver, err := s.evaluator(ctx, projectID, siteID, collector)
	if err != nil {
		return Decision{}, err
	}

	decision.Enabled = evaluator.Evaluate(ctx, cached.group)
	if decision.Enabled {
		decision.Config = resolver.Process(ctx, cached.config)
	}
	decision.Issues = collector.list()
	s.recordEvaluation(decision.Enabled)

	return decision, nil
}

// EvaluateBatch evaluates several conditions for one site. A missing
// condition yields a disabled decision rather than failing the batch.
func (s *Service) EvaluateBatch(ctx context.Context, projectID string, keys []string, siteID string) ([]Decision, error) {
	ctx, span := startSpan(ctx, "service.EvaluateBatch", projectID)
	defer span.End()
	span.SetAttributes(attrSite.String(siteID), attribute.Int("condz.batch_size", len(keys)))

	decisions := make([]Decision, 0, len(keys))
	for _, key := range keys {
		decision, err := s.evaluate(ctx, projectID, key, siteID)
		if err != nil {
			if errors.Is(err, ErrConditionNotFound) {
				decisions = append(decisions, Decision{Key: key})
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		decisions = append(decisions, decision)
	}

	return decisions, nil
}

// EvaluateGroup evaluates an ad hoc condition group for a site.
func (s *Service) EvaluateGroup(ctx context.Context, projectID, siteID string, group any) (bool, []core.Issue, error) {
	ctx, span := startSpan(ctx, "service.EvaluateGroup", projectID)
	defer span.End()
	span.SetAttributes(attrSite.String(siteID))

	if err := requireProject(projectID); err != nil {
		return false, nil, err
	}

	collector := &issueCollector{}
	evaluator, _, err := s.evaluator(ctx, projectID, siteID, collector)
	if err != nil {
		span.RecordError(err)
		return false, nil, err
	}

	result := evaluator.Evaluate(ctx, group)
	s.recordEvaluation(result)
	issues := collector.list()
	span.SetAttributes(attrEnabled.Bool(result), attrIssues.Int(len(issues)))
	return result, issues, nil
}

// ResolveConfig returns tree with every dynamic value replaced by what it
// resolves to for a site. tree is not modified.
func (s *Service) ResolveConfig(ctx context.Context, projectID, siteID string, tree any) (any, []core.Issue, error) {
	ctx, span := startSpan(ctx, "service.ResolveConfig", projectID)
	defer span.End()
	span.SetAttributes(attrSite.String(siteID))

	if err := requireProject(projectID); err != nil {
		return nil, nil, err
	}

	collector := &issueCollector{}
	_, resolver, err := s.evaluator(ctx, projectID, siteID, collector)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	result := resolver.Process(ctx, tree)
	return result, collector.list(), nil
}

// ResolveValue resolves a single dynamic value descriptor for a site.
func (s *Service) ResolveValue(ctx context.Context, projectID, siteID string, descriptor any) (any, []core.Issue, error) {
	ctx, span := startSpan(ctx, "service.ResolveValue", projectID)
	defer span.End()
	span.SetAttributes(attrSite.String(siteID))

	if err := requireProject(projectID); err != nil {
		return nil, nil, err
	}

	collector := &issueCollector{}
	_, resolver, err := s.evaluator(ctx, projectID, siteID, collector)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	return resolver.Resolve(ctx, descriptor), collector.list(), nil
}

// Validate reports the structural issues of a condition group without
// evaluating it.
func (s *Service) Validate(group any) []core.Issue {
	return core.Issues(core.ValidateWithOperators(group, s.operators, s.maxDepth))
}

func (s *Service) recordEvaluation(result bool) {
	if s.onEvaluation != nil {
		s.onEvaluation(result)
	}
}
