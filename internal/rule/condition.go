// Package rule implements the rule engine: condition tree evaluation,
// a directory-backed hot-reloadable loader, and a fixed set of
// non-overridable built-in suppress rules.
package rule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marcus-qen/actiongate/internal/action"
)

// Predicate is a registered dynamic call, e.g. has_active_event. It may
// consult event state through whatever closure registered it.
type Predicate func(args map[string]any, ctx EvalContext) bool

// EvalContext carries the action and ambient time used to resolve
// field paths and dispatch predicates during evaluation.
type EvalContext struct {
	Action   action.Action
	Now      time.Time
	Timezone *time.Location
}

var regexCache sync.Map // pattern string -> *regexp.Regexp

// compileRegex returns a cached compiled pattern.
func compileRegex(pattern string) (*regexp.Regexp, error) {
	if v, ok := regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// Evaluate walks the condition tree recursively against ctx, as a
// straight tagged-variant dispatch rather than reflection.
func Evaluate(c action.Condition, ctx EvalContext, predicates map[string]Predicate) bool {
	switch c.Kind {
	case action.KindAll:
		for _, sub := range c.All {
			if !Evaluate(sub, ctx, predicates) {
				return false
			}
		}
		return true
	case action.KindAny:
		for _, sub := range c.Any {
			if Evaluate(sub, ctx, predicates) {
				return true
			}
		}
		return false
	case action.KindNot:
		if c.Not == nil {
			return false
		}
		// A missing leaf field evaluates every operator as false, so
		// negating it here falls out naturally as true without a
		// special case.
		return !Evaluate(*c.Not, ctx, predicates)
	case action.KindCall:
		pred, ok := predicates[c.Call]
		if !ok {
			return false
		}
		return pred(c.Args, ctx)
	default: // leaf
		return evaluateLeaf(c, ctx)
	}
}

func evaluateLeaf(c action.Condition, ctx EvalContext) bool {
	val, ok := resolveField(c.Field, ctx)
	if !ok {
		return false
	}
	switch c.Op {
	case action.OpEq:
		return fmt.Sprintf("%v", val) == fmt.Sprintf("%v", c.Value)
	case action.OpContains:
		s, ok1 := val.(string)
		target, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.Contains(s, target)
	case action.OpStartsWith:
		s, ok1 := val.(string)
		target, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.HasPrefix(s, target)
	case action.OpEndsWith:
		s, ok1 := val.(string)
		target, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.HasSuffix(s, target)
	case action.OpRegex:
		s, ok1 := val.(string)
		pattern, ok2 := c.Value.(string)
		if !ok1 || !ok2 {
			return false
		}
		re, err := compileRegex(pattern)
		if err != nil {
			return false
		}
		if strings.HasPrefix(pattern, "^") && strings.HasSuffix(pattern, "$") {
			return re.MatchString(s) && len(re.FindString(s)) == len(s)
		}
		return re.MatchString(s)
	case action.OpGt, action.OpGte, action.OpLt, action.OpLte:
		a, ok1 := toFloat(val)
		b, ok2 := toFloat(c.Value)
		if !ok1 || !ok2 {
			return false
		}
		switch c.Op {
		case action.OpGt:
			return a > b
		case action.OpGte:
			return a >= b
		case action.OpLt:
			return a < b
		case action.OpLte:
			return a <= b
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// resolveField walks a dotted path through action/metadata/payload/time.
func resolveField(path string, ctx EvalContext) (any, bool) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return nil, false
	}
	switch parts[0] {
	case "time":
		return resolveTimeField(parts[1:], ctx)
	case "metadata":
		if len(parts) < 2 {
			return nil, false
		}
		v, ok := ctx.Action.Metadata[strings.Join(parts[1:], ".")]
		return v, ok
	case "action":
		return resolveActionField(parts[1:], ctx.Action)
	case "payload":
		return resolveMapPath(ctx.Action.Payload, parts[1:])
	default:
		return nil, false
	}
}

func resolveActionField(parts []string, a action.Action) (any, bool) {
	if len(parts) == 0 {
		return nil, false
	}
	switch parts[0] {
	case "id":
		return a.ID, true
	case "namespace":
		return a.Namespace, true
	case "tenant":
		return a.Tenant, true
	case "provider":
		return a.Provider, true
	case "action_type":
		return a.ActionType, true
	case "dedup_key":
		return a.DedupKey, true
	case "status":
		return a.Status, true
	case "payload":
		return resolveMapPath(a.Payload, parts[1:])
	default:
		return nil, false
	}
}

func resolveMapPath(m map[string]any, parts []string) (any, bool) {
	var cur any = m
	for _, p := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func resolveTimeField(parts []string, ctx EvalContext) (any, bool) {
	if len(parts) == 0 {
		return nil, false
	}
	loc := ctx.Timezone
	if loc == nil {
		loc = time.UTC
	}
	now := ctx.Now.In(loc)
	switch parts[0] {
	case "hour":
		return now.Hour(), true
	case "minute":
		return now.Minute(), true
	case "second":
		return now.Second(), true
	case "day":
		return now.Day(), true
	case "month":
		return int(now.Month()), true
	case "year":
		return now.Year(), true
	case "weekday":
		return now.Weekday().String(), true
	case "weekday_num":
		wd := int(now.Weekday())
		if wd == 0 {
			wd = 7
		}
		return wd, true
	case "timestamp":
		return now.Unix(), true
	default:
		return nil, false
	}
}
