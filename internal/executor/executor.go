// Package executor drives a single provider dispatch attempt through a
// per-provider throttle, retry-with-backoff, a per-attempt timeout, the
// provider's circuit breaker, and fallback routing, appending to a
// dead-letter queue on terminal failure when the provider has DLQ
// enabled.
//
// Retry policy resolution (defaults, override, exponential backoff with
// a capped ceiling) is grounded on the teacher's
// internal/controlplane/jobs/retry.go; the context-aware retry loop
// itself follows the itsneelabh-gomind resilience.Retry shape.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/breaker"
	"github.com/marcus-qen/actiongate/internal/config"
	"github.com/marcus-qen/actiongate/internal/gwerrors"
	"github.com/marcus-qen/actiongate/internal/provider"
	"github.com/marcus-qen/actiongate/internal/shared/ratelimit"
	"github.com/marcus-qen/actiongate/internal/shared/security"
	"github.com/marcus-qen/actiongate/internal/store"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMultiplier     = 2.0
	defaultMaxBackoff     = 10 * time.Second
	defaultTimeout        = 30 * time.Second
)

// Policy is the resolved retry/timeout behavior for one provider's
// dispatch attempts.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
	Timeout        time.Duration
	DLQEnabled     bool
	RateLimit      ratelimit.Config
}

// ResolvePolicy derives a Policy from a provider's configuration,
// falling back to sensible defaults for anything left unset.
func ResolvePolicy(c config.ProviderConfig) Policy {
	p := Policy{
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: defaultInitialBackoff,
		Multiplier:     defaultMultiplier,
		MaxBackoff:     defaultMaxBackoff,
		Timeout:        defaultTimeout,
		DLQEnabled:     c.DLQEnabled,
		RateLimit: ratelimit.Config{
			MaxConcurrent:  c.MaxConcurrent,
			MaxPerHour:     c.MaxPerHour,
			BurstAllowance: max(c.MaxConcurrent/4, 1),
		},
	}
	if c.MaxRetries > 0 {
		p.MaxAttempts = c.MaxRetries
	}
	if c.TimeoutSeconds > 0 {
		p.Timeout = time.Duration(c.TimeoutSeconds) * time.Second
	}
	return p
}

// nextDelay returns the backoff before retrying after failedAttempt has
// completed (1-indexed), capped at MaxBackoff.
func (p Policy) nextDelay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	exponent := float64(failedAttempt - 1)
	delay := time.Duration(float64(p.InitialBackoff) * math.Pow(p.Multiplier, exponent))
	if delay <= 0 {
		delay = p.InitialBackoff
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// DeadLetter is a terminally-failed dispatch attempt, appended to the
// provider's dead-letter queue for operator replay.
type DeadLetter struct {
	Provider string        `json:"provider"`
	Action   action.Action `json:"action"`
	Error    string        `json:"error"`
	FailedAt time.Time     `json:"failed_at"`
}

func dlqKey(providerName string) string {
	return store.PrefixDLQ + providerName
}

// Executor dispatches actions to providers with retry, timeout, breaker
// protection, fallback routing, and DLQ capture.
type Executor struct {
	registry *provider.Registry
	breakers *breaker.Manager
	policies map[string]Policy
	st       store.Store
	log      logr.Logger

	limitersMu sync.Mutex
	limiters   map[string]*ratelimit.Limiter
}

// New creates an Executor. policies maps provider name to its resolved
// retry policy (see ResolvePolicy).
func New(registry *provider.Registry, breakers *breaker.Manager, policies map[string]Policy, st store.Store, log logr.Logger) *Executor {
	return &Executor{
		registry: registry,
		breakers: breakers,
		policies: policies,
		st:       st,
		log:      log.WithName("executor"),
		limiters: make(map[string]*ratelimit.Limiter),
	}
}

// limiterFor returns the dispatch limiter for providerName, creating one
// from its resolved policy on first use.
func (e *Executor) limiterFor(providerName string, policy Policy) *ratelimit.Limiter {
	e.limitersMu.Lock()
	defer e.limitersMu.Unlock()
	l, ok := e.limiters[providerName]
	if !ok {
		l = ratelimit.NewLimiter(providerName, policy.RateLimit)
		e.limiters[providerName] = l
	}
	return l
}

// Dispatch runs a with retry/backoff/timeout against providerName's
// breaker, falling back to its configured fallback provider if the
// breaker is open, and appending to the DLQ on terminal failure.
func (e *Executor) Dispatch(ctx context.Context, providerName string, a action.Action) (map[string]any, error) {
	resp, err := e.attempt(ctx, providerName, a)
	if err == nil {
		return resp, nil
	}

	var circuitOpen *gwerrors.CircuitOpen
	if errors.As(err, &circuitOpen) {
		if fb := e.breakers.Fallback(providerName); fb != "" {
			e.log.Info("routing to fallback provider", "provider", providerName, "fallback", fb)
			resp, fbErr := e.attempt(ctx, fb, a)
			if fbErr == nil {
				return resp, nil
			}
			err = fmt.Errorf("fallback provider %s also failed: %w", fb, fbErr)
		}
	}

	e.deadLetter(ctx, providerName, a, err)
	return nil, err
}

// attempt runs the retry loop for one provider against its policy. A
// dispatch that does not fit under the provider's instance-local
// concurrency/rate limiter is rejected before it ever reaches the
// breaker, so a noisy provider cannot consume the breaker's own
// failure budget.
func (e *Executor) attempt(ctx context.Context, providerName string, a action.Action) (map[string]any, error) {
	policy := e.policies[providerName]
	if policy.MaxAttempts == 0 {
		policy = ResolvePolicy(config.ProviderConfig{})
	}

	limiter := e.limiterFor(providerName, policy)
	chained := a.ChainID != ""
	if d := limiter.Allow(chained); !d.Allowed {
		return nil, fmt.Errorf("provider %s throttled: %s", providerName, d.Reason)
	}
	limiter.RecordStart()
	defer limiter.RecordComplete()

	var lastErr error
	for try := 1; try <= policy.MaxAttempts; try++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		resp, err := e.callOnce(ctx, providerName, a, policy.Timeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var circuitOpen *gwerrors.CircuitOpen
		if errors.As(err, &circuitOpen) {
			return nil, err // breaker is open; no point retrying this provider
		}

		var provErr *gwerrors.ProviderError
		if errors.As(err, &provErr) && !provErr.Retryable {
			return nil, err // terminal failure; retrying would not help
		}

		if try == policy.MaxAttempts {
			break
		}
		timer := time.NewTimer(policy.nextDelay(try))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("provider %s: max attempts (%d) exceeded: %w", providerName, policy.MaxAttempts, lastErr)
}

// callOnce executes a single provider call, through the breaker, bounded
// by timeout.
func (e *Executor) callOnce(ctx context.Context, providerName string, a action.Action, timeout time.Duration) (map[string]any, error) {
	p, err := e.registry.Get(providerName)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := e.breakers.Execute(callCtx, providerName, func(ctx context.Context) (any, error) {
		return p.Execute(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	resp, _ := result.(map[string]any)
	return resp, nil
}

func (e *Executor) deadLetter(ctx context.Context, providerName string, a action.Action, cause error) {
	policy := e.policies[providerName]
	if !policy.DLQEnabled || e.st == nil {
		return
	}
	dl := DeadLetter{Provider: providerName, Action: a, Error: security.Sanitize(cause.Error()), FailedAt: time.Now()}
	data, err := json.Marshal(dl)
	if err != nil {
		e.log.Error(err, "marshal dead letter", "provider", providerName)
		return
	}
	if err := e.st.PushTail(ctx, dlqKey(providerName), data, 0); err != nil {
		e.log.Error(err, "append dead letter", "provider", providerName)
	}
}

// DrainDeadLetters removes and returns every queued dead letter for
// providerName, for operator-triggered replay.
func (e *Executor) DrainDeadLetters(ctx context.Context, providerName string) ([]DeadLetter, error) {
	raw, err := e.st.Drain(ctx, dlqKey(providerName))
	if err != nil {
		return nil, fmt.Errorf("drain dead letters for %s: %w", providerName, err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal(item, &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}
