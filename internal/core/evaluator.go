package core

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

const (
	keyRelation   = "relation"
	keyRules      = "rules"
	keyType       = "type"
	keyValue      = "value"
	keyComparison = "comparison"
	keyDefault    = "default"
	keyArgs       = "args"

	defaultMaxDepth = 32
)

// Getter names the source of a rule's left-hand operand.
type Getter int

const (
	GetterOption Getter = iota
	GetterThemeMod
	GetterPixelgradeOption
	GetterCallback
	GetterConstant
	GetterUserHasAccess
	GetterIsCallable
	GetterFunctionExists
	GetterClassExists
	GetterMethodExists
	GetterIsDefined

	getterCount
)

var getterNames = [getterCount]string{
	GetterOption:           "option",
	GetterThemeMod:         "themeMod",
	GetterPixelgradeOption: "pixelgradeOption",
	GetterCallback:         "callback",
	GetterConstant:         "constant",
	GetterUserHasAccess:    "userHasAccess",
	GetterIsCallable:       "isCallable",
	GetterFunctionExists:   "functionExists",
	GetterClassExists:      "classExists",
	GetterMethodExists:     "methodExists",
	GetterIsDefined:        "isDefined",
}

func (g Getter) String() string {
	if g < 0 || g >= getterCount {
		return "Getter(" + strconv.Itoa(int(g)) + ")"
	}
	return getterNames[g]
}

// Unary reports whether the getter checks its own input rather than
// producing a value to compare. Unary getters default to is_not_empty.
func (g Getter) Unary() bool {
	switch g {
	case GetterUserHasAccess, GetterIsCallable, GetterFunctionExists,
		GetterClassExists, GetterMethodExists, GetterIsDefined:
		return true
	default:
		return false
	}
}

func parseGetter(name string) (Getter, bool) {
	for g, n := range getterNames {
		if n == name {
			return Getter(g), true
		}
	}
	return 0, false
}

type relation int

const (
	relationAnd relation = iota
	relationOr
	relationOther
)

func parseRelation(raw any) (relation, bool) {
	s, ok := raw.(string)
	if !ok {
		return relationOther, false
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AND":
		return relationAnd, true
	case "OR":
		return relationOr, true
	default:
		return relationOther, false
	}
}

// ruleSpec is a rule after shorthand normalisation.
type ruleSpec struct {
	Type       string `mapstructure:"type"`
	Value      any    `mapstructure:"value"`
	Comparison string `mapstructure:"comparison"`
	Option     string `mapstructure:"option"`
	Constant   string `mapstructure:"constant"`
	Default    any    `mapstructure:"default"`
	Args       any    `mapstructure:"args"`
	Class      string `mapstructure:"class"`
	Method     string `mapstructure:"method"`

	hasDefault bool
	hasArgs    bool
}

func (s ruleSpec) comparisonFor(getter Getter) string {
	if s.Comparison != "" {
		return s.Comparison
	}
	if getter.Unary() {
		return OpIsNotEmpty
	}
	// Presence of a value upgrades the default; rules without one have
	// already collapsed to missing_value.
	return OpEqual
}

func (s ruleSpec) fallback() any {
	if s.hasDefault {
		return s.Default
	}
	return false
}

// normalizeRule turns a rule element into a ruleSpec. The returned kind is
// empty when the rule is well formed.
func normalizeRule(value any, key string) (ruleSpec, IssueKind) {
	if s, ok := value.(string); ok {
		getter, known := parseGetter(key)
		if !known || !getter.Unary() {
			return ruleSpec{}, IssueMissingType
		}
		return ruleSpec{Type: key, Value: s, Comparison: OpIsNotEmpty}, ""
	}

	rule, ok := asMap(value)
	if !ok {
		return ruleSpec{}, IssueMalformedRule
	}

	var spec ruleSpec
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &spec,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return ruleSpec{}, IssueMalformedRule
	}
	if err := decoder.Decode(shallowPlain(rule)); err != nil {
		return ruleSpec{}, IssueMalformedRule
	}
	spec.hasDefault = rule.Has(keyDefault)
	spec.hasArgs = rule.Has(keyArgs)

	if !rule.Has(keyType) || spec.Type == "" {
		return spec, IssueMissingType
	}
	if !rule.Has(keyValue) {
		return spec, IssueMissingValue
	}

	return spec, ""
}

// shallowPlain exposes a Map's top level as map[string]any for decoding.
// Nested values keep their concrete types.
func shallowPlain(m *Map) map[string]any {
	out := make(map[string]any, m.Len())
	m.Range(func(key string, value any) bool {
		out[key] = value
		return true
	})
	return out
}

type ruleEntry struct {
	key   string
	path  string
	value any
}

// groupRules returns the elements of a group in order. The second result is
// false when "rules" is present but is neither a list nor a mapping.
func groupRules(group *Map) ([]ruleEntry, bool) {
	if raw, ok := group.Get(keyRules); ok {
		if list, ok := asList(raw); ok {
			entries := make([]ruleEntry, len(list))
			for i, item := range list {
				key := strconv.Itoa(i)
				entries[i] = ruleEntry{key: key, path: keyRules + "/" + key, value: item}
			}
			return entries, true
		}
		if m, ok := asMap(raw); ok {
			return mapEntries(m, "", keyRules+"/"), true
		}
		return nil, false
	}

	return mapEntries(group, keyRelation, ""), true
}

func mapEntries(m *Map, skip, prefix string) []ruleEntry {
	entries := make([]ruleEntry, 0, m.Len())
	m.Range(func(key string, value any) bool {
		if key != skip {
			entries = append(entries, ruleEntry{key: key, path: prefix + key, value: value})
		}
		return true
	})
	return entries
}

// isGroup reports whether an element of a rule list is itself a group: it
// has a non-empty "rules" entry or any "relation" entry.
func isGroup(value any) bool {
	m, ok := asMap(value)
	if !ok {
		return false
	}
	if m.Has(keyRelation) {
		return true
	}
	rules, ok := m.Get(keyRules)
	return ok && truthy(rules)
}

// GroupFilter may override the final result of [Evaluator.Evaluate].
type GroupFilter func(ctx context.Context, group any, result bool) bool

// RuleFilter may override the result of a single rule.
type RuleFilter func(ctx context.Context, rule any, key string, result bool) bool

// IssueHandler observes issues met during evaluation or resolution.
type IssueHandler func(ctx context.Context, issue Issue)

// EvaluatorOption configures an [Evaluator].
type EvaluatorOption func(*Evaluator)

// WithMaxDepth bounds how many group levels, counting the root, are
// evaluated. Deeper groups evaluate to their permissive default.
func WithMaxDepth(depth int) EvaluatorOption {
	return func(e *Evaluator) {
		if depth > 0 {
			e.maxDepth = depth
		}
	}
}

// WithOperators replaces the comparison operator registry.
func WithOperators(operators Operators) EvaluatorOption {
	return func(e *Evaluator) {
		if operators != nil {
			e.operators = operators
		}
	}
}

// WithGroupFilter installs a hook that post-processes top-level results.
func WithGroupFilter(filter GroupFilter) EvaluatorOption {
	return func(e *Evaluator) { e.groupFilter = filter }
}

// WithRuleFilter installs a hook that post-processes each rule result.
func WithRuleFilter(filter RuleFilter) EvaluatorOption {
	return func(e *Evaluator) { e.ruleFilter = filter }
}

// WithIssueHandler installs a callback for evaluation issues.
func WithIssueHandler(handler IssueHandler) EvaluatorOption {
	return func(e *Evaluator) { e.onIssue = handler }
}

// WithLogger sets the logger used for debug output about issues.
func WithLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if logger != nil {
			e.log = logger
		}
	}
}

// Evaluator reduces condition groups to booleans against a Provider.
// Evaluators hold no per-call state and are safe for concurrent use when the
// Provider is.
type Evaluator struct {
	provider    Provider
	operators   Operators
	maxDepth    int
	groupFilter GroupFilter
	ruleFilter  RuleFilter
	onIssue     IssueHandler
	log         *slog.Logger
}

// NewEvaluator returns an Evaluator reading from provider.
func NewEvaluator(provider Provider, opts ...EvaluatorOption) *Evaluator {
	if provider == nil {
		panic("provider is nil")
	}

	e := &Evaluator{
		provider:  provider,
		operators: DefaultOperators(),
		maxDepth:  defaultMaxDepth,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate is the top-level entry point: EvaluateGroup followed by the group
// filter, if any.
func (e *Evaluator) Evaluate(ctx context.Context, group any) bool {
	result := e.EvaluateGroup(ctx, group)
	if e.groupFilter != nil {
		result = e.groupFilter(ctx, group, result)
	}
	return result
}

// EvaluateGroup reduces a group to a boolean. Each element's result replaces
// the running value; iteration stops at the first false under AND, the first
// true under OR, and after the first element under any other relation.
func (e *Evaluator) EvaluateGroup(ctx context.Context, group any) bool {
	return e.evaluateGroup(ctx, group, "", 0)
}

// EvaluateRule evaluates a single rule. key is the rule's identifier within
// its group and enables the shorthand form {"functionExists": "name"}.
func (e *Evaluator) EvaluateRule(ctx context.Context, rule any, key string) bool {
	return e.evaluateRule(ctx, rule, key, key)
}

func (e *Evaluator) evaluateGroup(ctx context.Context, value any, path string, depth int) bool {
	if depth >= e.maxDepth {
		return e.issue(ctx, IssueDepthExceeded, path, "nesting limit "+strconv.Itoa(e.maxDepth))
	}

	group, ok := asMap(value)
	if !ok {
		return e.issue(ctx, IssueMalformedRule, path, fmt.Sprintf("group is %T", value))
	}

	rel := relationAnd
	if raw, ok := group.Get(keyRelation); ok {
		var known bool
		rel, known = parseRelation(raw)
		if !known {
			e.report(ctx, Issue{Kind: IssueUnknownRelation, Path: joinPath(path, keyRelation), Detail: fmt.Sprintf("%v", raw)})
		}
	}

	rules, ok := groupRules(group)
	if !ok {
		return e.issue(ctx, IssueRulesNotList, joinPath(path, keyRules), "")
	}

	result := rel == relationAnd
	for _, entry := range rules {
		entryPath := joinPath(path, entry.path)
		if isGroup(entry.value) {
			result = e.evaluateGroup(ctx, entry.value, entryPath, depth+1)
		} else {
			result = e.evaluateRule(ctx, entry.value, entry.key, entryPath)
		}

		switch rel {
		case relationAnd:
			if !result {
				return false
			}
		case relationOr:
			if result {
				return true
			}
		default:
			return result
		}
	}

	return result
}

func (e *Evaluator) evaluateRule(ctx context.Context, value any, key, path string) bool {
	result := e.ruleResult(ctx, value, key, path)
	if e.ruleFilter != nil {
		result = e.ruleFilter(ctx, value, key, result)
	}
	return result
}

func (e *Evaluator) ruleResult(ctx context.Context, value any, key, path string) bool {
	spec, kind := normalizeRule(value, key)
	if kind != "" {
		return e.issue(ctx, kind, path, "")
	}

	getter, known := parseGetter(spec.Type)
	if !known {
		return e.issue(ctx, IssueUnknownGetter, joinPath(path, keyType), spec.Type)
	}

	comparison := spec.comparisonFor(getter)
	operator, ok := e.operators[comparison]
	if !ok {
		return e.issue(ctx, IssueUnknownOperator, joinPath(path, keyComparison), comparison)
	}

	dynamic, issue := getters[getter](ctx, e.provider, spec)
	if issue != nil {
		issue.Path = path
		e.report(ctx, *issue)
		dynamic = PermissiveDefault(issue.Kind)
	}

	return operator(dynamic, spec.Value)
}

// issue reports an issue and returns the permissive default for its kind.
func (e *Evaluator) issue(ctx context.Context, kind IssueKind, path, detail string) bool {
	e.report(ctx, Issue{Kind: kind, Path: path, Detail: detail})
	return PermissiveDefault(kind)
}

func (e *Evaluator) report(ctx context.Context, issue Issue) {
	e.log.DebugContext(ctx, "condition issue", "kind", string(issue.Kind), "path", issue.Path, "detail", issue.Detail)
	if e.onIssue != nil {
		e.onIssue(ctx, issue)
	}
}

type getterFunc func(ctx context.Context, provider Provider, spec ruleSpec) (any, *Issue)

var getters = [getterCount]getterFunc{
	GetterOption: func(ctx context.Context, p Provider, s ruleSpec) (any, *Issue) {
		return lookupOr(s.fallback(), sanitizeKey(s.Option), func(key string) (any, bool) { return p.Option(ctx, key) }), nil
	},
	GetterThemeMod: func(ctx context.Context, p Provider, s ruleSpec) (any, *Issue) {
		return lookupOr(s.fallback(), sanitizeKey(s.Option), func(key string) (any, bool) { return p.ThemeMod(ctx, key) }), nil
	},
	GetterPixelgradeOption: func(ctx context.Context, p Provider, s ruleSpec) (any, *Issue) {
		return lookupOr(s.fallback(), sanitizeKey(s.Option), func(key string) (any, bool) { return themeOption(ctx, p, key) }), nil
	},
	GetterCallback: func(ctx context.Context, p Provider, s ruleSpec) (any, *Issue) {
		var args []any
		if s.hasArgs {
			args = argumentList(s.Args)
		}
		return invoke(ctx, p, s.Value, args)
	},
	GetterConstant: func(ctx context.Context, p Provider, s ruleSpec) (any, *Issue) {
		name := s.Constant
		if name == "" {
			name, _ = s.Value.(string)
		}
		return lookupOr(s.fallback(), sanitizeIdentifier(name), func(n string) (any, bool) { return p.Constant(ctx, n) }), nil
	},
	GetterUserHasAccess: func(ctx context.Context, p Provider, s ruleSpec) (any, *Issue) {
		feature, _ := stringOf(s.Value)
		feature = sanitizeKey(feature)
		return feature != "" && p.UserHasAccess(ctx, feature), nil
	},
	GetterIsCallable: func(ctx context.Context, p Provider, s ruleSpec) (any, *Issue) {
		return p.IsInvokable(ctx, s.Value), nil
	},
	GetterFunctionExists: func(ctx context.Context, p Provider, s ruleSpec) (any, *Issue) {
		name := identifierOf(s.Value)
		return name != "" && p.FunctionExists(ctx, name), nil
	},
	GetterClassExists: func(ctx context.Context, p Provider, s ruleSpec) (any, *Issue) {
		name := identifierOf(s.Value)
		return name != "" && p.ClassExists(ctx, name), nil
	},
	GetterMethodExists: func(ctx context.Context, p Provider, s ruleSpec) (any, *Issue) {
		class := sanitizeIdentifier(s.Class)
		method := sanitizeIdentifier(s.Method)
		if class == "" || method == "" {
			return false, nil
		}
		return p.MethodExists(ctx, class, method), nil
	},
	GetterIsDefined: func(ctx context.Context, p Provider, s ruleSpec) (any, *Issue) {
		name := identifierOf(s.Value)
		if name == "" {
			return false, nil
		}
		_, defined := p.Constant(ctx, name)
		return defined, nil
	},
}

func identifierOf(value any) string {
	s, ok := value.(string)
	if !ok {
		return ""
	}
	return sanitizeIdentifier(s)
}

func lookupOr(fallback any, key string, lookup func(string) (any, bool)) any {
	if key == "" {
		return fallback
	}
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	return value
}

// argumentList spreads a list of arguments; any other value is passed as the
// only argument.
func argumentList(args any) []any {
	if list, ok := asList(args); ok {
		return list
	}
	return []any{args}
}

// invoke calls ref through the provider. A reference that cannot be invoked
// or a call that fails yields false together with an issue.
func invoke(ctx context.Context, p Provider, ref any, args []any) (any, *Issue) {
	if !p.IsInvokable(ctx, ref) {
		return false, &Issue{Kind: IssueNotInvokable, Detail: fmt.Sprintf("%v", ref)}
	}
	result, err := p.Invoke(ctx, ref, args)
	if err != nil {
		return false, &Issue{Kind: IssueInvokeFailed, Detail: err.Error()}
	}
	return result, nil
}
