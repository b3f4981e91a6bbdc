package rule

import (
	"strings"

	"github.com/marcus-qen/actiongate/internal/action"
)

// builtinRules are always present ahead of any loaded rule set and
// cannot be disabled or weakened by configuration, the same "built-ins
// always, user rules only extend" invariant this codebase has always
// applied to its hardcoded protection classes.
var builtinRules = []action.Rule{
	hardBlockRule("builtin-block-hard-delete-provider", "provider", "delete-everything"),
	hardBlockRule("builtin-block-raw-credential-leak", "action_type", "*dump_credentials*"),
}

func hardBlockRule(name, field, globPattern string) action.Rule {
	r := action.Rule{
		Name:      name,
		Priority:  -1,
		Enabled:   true,
		HardBlock: true,
		Condition: action.Condition{
			Kind:  action.KindCall,
			Call:  "glob_match",
			Args:  map[string]any{"field": "action." + field, "pattern": globPattern},
		},
		Verdict: action.Verdict{Kind: action.VerdictSuppress},
	}
	return r
}

// globMatchPredicate implements the builtin glob_match call, evaluating
// a simple case-insensitive glob (the same class of pattern this
// codebase has always used for hardcoded deny rules) against a resolved
// field.
func globMatchPredicate(args map[string]any, ctx EvalContext) bool {
	fieldPath, _ := args["field"].(string)
	pattern, _ := args["pattern"].(string)
	if fieldPath == "" || pattern == "" {
		return false
	}
	val, ok := resolveField(fieldPath, ctx)
	if !ok {
		return false
	}
	s, ok := val.(string)
	if !ok {
		return false
	}
	return matchGlob(strings.ToLower(pattern), strings.ToLower(s))
}

func matchGlob(pattern, target string) bool {
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1 {
		inner := strings.Trim(pattern, "*")
		return strings.Contains(target, inner)
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(target, strings.TrimPrefix(pattern, "*"))
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(target, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == target
}

// DefaultPredicates returns the predicate registry wired with the
// builtins plus glob_match, merged by callers with any predicates
// they register (e.g. has_active_event, backed by internal/statemachine).
func DefaultPredicates(extra map[string]Predicate) map[string]Predicate {
	out := map[string]Predicate{
		"glob_match": globMatchPredicate,
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
