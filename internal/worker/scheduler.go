package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/actiongate/internal/schedule"
)

// Dispatcher resumes one due scheduled entry, re-entering the pipeline
// with the schedule verdict bypassed for its originating rule.
type Dispatcher interface {
	ResumeDueSchedule(ctx context.Context, item schedule.DueItem)
}

// Scheduler drains due scheduled actions each tick, generalized from the
// teacher's InfraAgent due-check loop onto the Scheduled Action store.
type Scheduler struct {
	schedules *schedule.Store
	dispatch  Dispatcher
	log       logr.Logger
	batchSize int
}

// NewScheduler creates the scheduled-action dispatch worker.
func NewScheduler(schedules *schedule.Store, dispatch Dispatcher, log logr.Logger) *Scheduler {
	return &Scheduler{schedules: schedules, dispatch: dispatch, log: log.WithName("scheduler-worker"), batchSize: 100}
}

func (s *Scheduler) Name() string { return "scheduler" }

// RunOnce claims and resumes every currently-due scheduled entry, up to
// one tick's batch size, so a backlog drains over several ticks instead
// of blocking one tick indefinitely.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	due, err := s.schedules.Due(ctx, time.Now(), s.batchSize)
	if err != nil {
		return fmt.Errorf("list due scheduled actions: %w", err)
	}
	for _, item := range due {
		s.dispatch.ResumeDueSchedule(ctx, item)
	}
	return nil
}
