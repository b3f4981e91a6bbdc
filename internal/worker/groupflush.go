package worker

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/actiongate/internal/group"
)

// GroupFlushTrigger flushes a group buffer past its computed flush time,
// synthesizing and re-dispatching its batch.
type GroupFlushTrigger interface {
	FlushGroupIfDue(ctx context.Context, ruleName, groupKey string)
}

// GroupFlusher sweeps every known group buffer each tick and flushes the
// ones past their wait/interval/max-size trigger, catching the
// time-based triggers that a synchronous Add never sees (a group that
// goes quiet after its last item still has to flush on its wait timer).
type GroupFlusher struct {
	groups  *group.Buffer
	flusher GroupFlushTrigger
	log     logr.Logger
}

// NewGroupFlusher creates the group-flush sweep worker.
func NewGroupFlusher(groups *group.Buffer, flusher GroupFlushTrigger, log logr.Logger) *GroupFlusher {
	return &GroupFlusher{groups: groups, flusher: flusher, log: log.WithName("group-flush-worker")}
}

func (w *GroupFlusher) Name() string { return "group_flusher" }

func (w *GroupFlusher) RunOnce(ctx context.Context) error {
	pairs, err := w.groups.ActiveGroups(ctx)
	if err != nil {
		return fmt.Errorf("list active groups: %w", err)
	}
	for _, pair := range pairs {
		w.flusher.FlushGroupIfDue(ctx, pair.RuleName, pair.GroupKey)
	}
	return nil
}
