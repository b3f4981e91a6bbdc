// Package worker implements the gateway's fixed-cadence background
// workers: scheduled-action dispatch, group-flush sweeps, recurring
// action cron evaluation, audit/event-state retention, and circuit
// breaker half-open probing. Each worker ticks on its own interval and
// takes a per-tick CAS claim so a fleet of gateway instances runs each
// tick's work exactly once, generalized from the teacher's
// ticker-driven Scheduler.Start loop onto a plain context.Context loop
// with no leader election (the State Store's CAS takes that role).
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/marcus-qen/actiongate/internal/gwerrors"
	"github.com/marcus-qen/actiongate/internal/store"
)

const defaultTickInterval = 30 * time.Second

// instanceID identifies this process for per-tick CAS claims.
var instanceID = uuid.NewString()

// Runnable is one background worker's tick loop.
type Runnable interface {
	// Name identifies the worker for logging and claim keys.
	Name() string
	// RunOnce performs one tick's work. Called only by the instance that
	// won the tick's CAS claim.
	RunOnce(ctx context.Context) error
}

// Run ticks r on interval until ctx is done, claiming each tick before
// running it so only one gateway instance executes a given tick's work.
// A RunOnce error is logged and does not stop the loop.
func Run(ctx context.Context, r Runnable, interval time.Duration, log logr.Logger, st store.Store) {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	log = log.WithName(r.Name())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			won, err := claimTick(ctx, st, r.Name(), now, interval)
			if err != nil {
				log.Error(err, "tick claim failed")
				continue
			}
			if !won {
				continue
			}
			if err := r.RunOnce(ctx); err != nil {
				log.Error(err, "tick failed")
			}
		}
	}
}

// claimTick wins the per-worker, per-tick-bucket CAS claim for now's
// bucket under interval. Reports false if another instance already won
// this bucket; the claim's TTL outlives the bucket so a crashed winner
// does not block the next tick from being claimed independently.
func claimTick(ctx context.Context, st store.Store, name string, now time.Time, interval time.Duration) (bool, error) {
	bucket := now.Truncate(interval).Unix()
	key := fmt.Sprintf("%s%s/%d", store.PrefixWorkerClaim, name, bucket)
	if err := st.CAS(ctx, key, nil, []byte(instanceID), interval*2); err != nil {
		if gwerrors.Conflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim tick for %s: %w", name, err)
	}
	return true, nil
}
