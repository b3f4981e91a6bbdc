package quota

import (
	"context"
	"fmt"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/store"
)

// throttleKey scopes a counter to (rule_name, namespace, tenant) so
// counters from different rules never cross-contaminate, per spec.
func throttleKey(ruleName, namespace, tenant string) string {
	return fmt.Sprintf("%s%s/%s/%s", store.PrefixThrottle, ruleName, namespace, tenant)
}

// Throttle checks and increments a short-window burst counter for a
// matched throttle verdict. Returns allowed=false once count exceeds
// MaxCount within Window.
func Throttle(ctx context.Context, st store.Store, ruleName string, a action.Action, v action.Verdict) (allowed bool, count int64, err error) {
	key := throttleKey(ruleName, a.Namespace, a.Tenant)
	n, err := st.Incr(ctx, key, v.Window)
	if err != nil {
		return false, 0, fmt.Errorf("throttle incr for rule %s: %w", ruleName, err)
	}
	return n <= int64(v.MaxCount), n, nil
}
