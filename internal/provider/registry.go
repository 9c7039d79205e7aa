package provider

import (
	"context"
	"sync"

	"github.com/howard-nolan/llmgateway/internal/breaker"
	"github.com/howard-nolan/llmgateway/internal/gatewayerr"
)

// Registry holds the configured provider adapters and picks a healthy
// one for a given request: a runtime-queryable component the
// orchestrator calls once per request.
type Registry struct {
	mu        sync.RWMutex
	providers []namedProvider
}

type namedProvider struct {
	provider Provider
	breaker  *breaker.Breaker
}

// NewRegistry creates an empty Registry; callers Register each adapter
// at startup.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds p to the registry with its own circuit breaker. Order
// of registration is the fallback order used when req.Provider is nil.
func (r *Registry) Register(p Provider, cb *breaker.Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, namedProvider{provider: p, breaker: cb})
}

// Get returns the provider registered under name, or (nil, false).
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, np := range r.providers {
		if np.provider.Name() == name {
			return np.provider, true
		}
	}
	return nil, false
}

// Breaker returns the circuit breaker guarding the named provider, or
// nil if unregistered.
func (r *Registry) Breaker(name string) *breaker.Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, np := range r.providers {
		if np.provider.Name() == name {
			return np.breaker
		}
	}
	return nil
}

// SelectHealthy picks a provider for model. If requested is non-nil and
// registered, it is tried first; but a preferred provider whose circuit
// is open or whose model predicate rejects the request does not fail
// the call — it triggers failover to the next healthy provider in
// registration order, per spec §4.7 Stage 4. Only an unregistered
// requested provider name is a hard error (the client asked for
// something that doesn't exist, not something that's merely down).
// Returns ALL_PROVIDERS_DOWN if nothing qualifies.
func (r *Registry) SelectHealthy(ctx context.Context, model string, requested *string) (Provider, *breaker.Breaker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	excluded := ""
	if requested != nil {
		found := false
		for _, np := range r.providers {
			if np.provider.Name() != *requested {
				continue
			}
			found = true
			excluded = *requested
			if !np.provider.SupportsModel(model) {
				break
			}
			if np.breaker != nil && !np.breaker.ShouldAllowRequest(ctx) {
				break
			}
			return np.provider, np.breaker, nil
		}
		if !found {
			return nil, nil, gatewayerr.New(gatewayerr.KindProviderNotAvailable, "requested provider is not registered").WithDetails(map[string]any{"provider": *requested})
		}
	}

	for _, np := range r.providers {
		if np.provider.Name() == excluded {
			continue
		}
		if !np.provider.SupportsModel(model) {
			continue
		}
		if np.breaker != nil && !np.breaker.ShouldAllowRequest(ctx) {
			continue
		}
		return np.provider, np.breaker, nil
	}

	return nil, nil, gatewayerr.New(gatewayerr.KindAllProvidersDown, "no healthy provider supports the requested model").WithDetails(map[string]any{"model": model})
}

// Names returns the registered provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.providers))
	for i, np := range r.providers {
		names[i] = np.provider.Name()
	}
	return names
}
