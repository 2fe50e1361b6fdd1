package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// IssueKind names a way a condition tree can be malformed or fail to
// evaluate.
type IssueKind string

const (
	IssueRulesNotList     IssueKind = "rules_not_list"
	IssueMissingType      IssueKind = "missing_type"
	IssueMissingValue     IssueKind = "missing_value"
	IssueMalformedRule    IssueKind = "malformed_rule"
	IssueUnknownGetter    IssueKind = "unknown_getter"
	IssueUnknownOperator  IssueKind = "unknown_operator"
	IssueUnknownRelation  IssueKind = "unknown_relation"
	IssueDepthExceeded    IssueKind = "depth_exceeded"
	IssueInvokeFailed     IssueKind = "invoke_failed"
	IssueNotInvokable     IssueKind = "not_invokable"
	IssueUnknownSource    IssueKind = "unknown_source"
	IssueMalformedDynamic IssueKind = "malformed_dynamic_value"
)

// permissiveDefaults is the value a rule or group collapses to when it hits
// the given issue. Structural problems never block a feature. For failed
// calls the entry is the value the getter yields, which is then compared as
// usual.
var permissiveDefaults = map[IssueKind]bool{
	IssueRulesNotList:    true,
	IssueMissingType:     true,
	IssueMissingValue:    true,
	IssueMalformedRule:   true,
	IssueUnknownGetter:   true,
	IssueUnknownOperator: true,
	IssueDepthExceeded:   true,
	IssueInvokeFailed:    false,
	IssueNotInvokable:    false,
}

// PermissiveDefault returns the boolean a rule or group evaluates to when it
// encounters an issue of the given kind. Kinds that do not decide a rule
// outcome (relation and dynamic value issues) report true.
func PermissiveDefault(kind IssueKind) bool {
	value, ok := permissiveDefaults[kind]
	if !ok {
		return true
	}
	return value
}

// Issue describes one problem found while validating or evaluating a tree.
// Path is a slash-separated location such as "rules/1/rules/0".
type Issue struct {
	Kind   IssueKind `json:"kind"`
	Path   string    `json:"path"`
	Detail string    `json:"detail,omitempty"`
}

func (i Issue) Error() string {
	location := i.Path
	if location == "" {
		location = "/"
	}
	if i.Detail == "" {
		return fmt.Sprintf("%s at %s", i.Kind, location)
	}
	return fmt.Sprintf("%s at %s: %s", i.Kind, location, i.Detail)
}

// Issues flattens an error returned by [Validate] into its issues.
func Issues(err error) []Issue {
	if err == nil {
		return nil
	}
	merr, ok := err.(*multierror.Error)
	if !ok {
		if issue, ok := err.(Issue); ok {
			return []Issue{issue}
		}
		return nil
	}
	issues := make([]Issue, 0, len(merr.Errors))
	for _, e := range merr.Errors {
		if issue, ok := e.(Issue); ok {
			issues = append(issues, issue)
		}
	}
	return issues
}

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "/" + child
}

// Validate walks a condition group without consulting any provider and
// reports every structural issue. A nil result means the group is well
// formed. Evaluation of an invalid group still succeeds; Validate exists so
// that configuration authors can see what the permissive defaults hide.
func Validate(group any) error {
	return ValidateWithOperators(group, DefaultOperators(), defaultMaxDepth)
}

// ValidateWithOperators is [Validate] with a custom operator registry and
// nesting limit. The limit counts the root group; values below 1 mean the
// default.
func ValidateWithOperators(group any, operators Operators, maxDepth int) error {
	if maxDepth < 1 {
		maxDepth = defaultMaxDepth
	}
	v := validator{operators: operators, maxDepth: maxDepth}
	v.group(group, "", 0)
	return v.result.ErrorOrNil()
}

type validator struct {
	operators Operators
	maxDepth  int
	result    *multierror.Error
}

func (v *validator) add(kind IssueKind, path, detail string) {
	v.result = multierror.Append(v.result, Issue{Kind: kind, Path: path, Detail: detail})
}

func (v *validator) group(value any, path string, depth int) {
	if depth >= v.maxDepth {
		v.add(IssueDepthExceeded, path, "nesting limit "+strconv.Itoa(v.maxDepth))
		return
	}

	group, ok := asMap(value)
	if !ok {
		v.add(IssueMalformedRule, path, fmt.Sprintf("group is %T, want object", value))
		return
	}

	if raw, ok := group.Get(keyRelation); ok {
		if _, known := parseRelation(raw); !known {
			v.add(IssueUnknownRelation, joinPath(path, keyRelation), fmt.Sprintf("%v", raw))
		}
	}

	rules, ok := groupRules(group)
	if !ok {
		v.add(IssueRulesNotList, joinPath(path, keyRules), "")
		return
	}

	for _, entry := range rules {
		entryPath := joinPath(path, entry.path)
		if isGroup(entry.value) {
			v.group(entry.value, entryPath, depth+1)
			continue
		}
		v.rule(entry.value, entry.key, entryPath)
	}
}

func (v *validator) rule(value any, key, path string) {
	spec, issue := normalizeRule(value, key)
	if issue != "" {
		v.add(issue, path, "")
		return
	}
	getter, known := parseGetter(spec.Type)
	if !known {
		v.add(IssueUnknownGetter, joinPath(path, keyType), spec.Type)
		return
	}
	if _, ok := v.operators[spec.comparisonFor(getter)]; !ok {
		v.add(IssueUnknownOperator, joinPath(path, keyComparison), spec.Comparison)
	}
	if getter == GetterMethodExists && (strings.TrimSpace(spec.Class) == "" || strings.TrimSpace(spec.Method) == "") {
		v.add(IssueMissingValue, path, "methodExists needs class and method")
	}
}
