// Package provider implements the Provider Registry: the set of
// outbound channels a dispatched action can target (email, SMS, chat,
// webhook, cloud API, LLM). Generalized from the teacher's LLM-only
// `Provider` interface (`Complete` against Anthropic/OpenAI) onto a
// generic `Execute(ctx, action) (response, error)` contract, since the
// gateway dispatches many kinds of side effects, not just completions.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/config"
)

// Provider executes a dispatched action against one external channel.
// Implementations must be safe for concurrent use; the registry may
// invoke the same provider from many dispatches at once.
type Provider interface {
	// Execute sends a to the external system and returns a response
	// summary suitable for audit and for chain step branch evaluation.
	Execute(ctx context.Context, a action.Action) (map[string]any, error)

	// Name returns the provider identifier.
	Name() string
}

// Registry resolves a provider name to its executor, constructed once
// at startup from configuration and held immutable thereafter (provider
// configuration is not hot-reloaded; only rules and chain definitions are).
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry builds a registry from the given provider configs,
// constructing one executor per entry.
func NewRegistry(configs []config.ProviderConfig) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(configs))}
	for _, c := range configs {
		p, err := newProvider(c)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", c.Name, err)
		}
		r.providers[c.Name] = p
	}
	return r, nil
}

// Register adds or replaces a single provider, for tests and for
// runtime registration of mock providers.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.providers == nil {
		r.providers = make(map[string]Provider)
	}
	r.providers[p.Name()] = p
}

// Get resolves name to its provider, or an error if unknown.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

func newProvider(c config.ProviderConfig) (Provider, error) {
	switch c.Type {
	case "email":
		return newEmailProvider(c)
	case "webhook", "sms":
		return newWebhookProvider(c)
	case "slack_webhook":
		return newSlackWebhookProvider(c)
	case "slack_bot":
		return newSlackBotProvider(c)
	case "telegram":
		return newTelegramProvider(c)
	case "llm":
		return newLLMProvider(c)
	case "cloud":
		return newCloudProvider(c)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", c.Type)
	}
}
