package worker

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/actiongate/internal/breaker"
	"github.com/marcus-qen/actiongate/internal/metrics"
)

// BreakerProber sweeps every configured provider's circuit breaker each
// tick. Reading gobreaker's state is itself the half-open probe: a
// breaker whose cooldown has elapsed flips from open to half-open as a
// side effect of the read, so this worker's only job is to visit every
// breaker and record what it observes.
type BreakerProber struct {
	breakers *breaker.Manager
	log      logr.Logger
}

// NewBreakerProber creates the breaker half-open probe worker.
func NewBreakerProber(breakers *breaker.Manager, log logr.Logger) *BreakerProber {
	return &BreakerProber{breakers: breakers, log: log.WithName("breaker-prober")}
}

func (p *BreakerProber) Name() string { return "breaker_prober" }

func (p *BreakerProber) RunOnce(ctx context.Context) error {
	for _, provider := range p.breakers.Providers() {
		state := p.breakers.State(provider)
		metrics.RecordBreakerState(provider, state)
	}
	return nil
}
