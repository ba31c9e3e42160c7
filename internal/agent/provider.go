// ABOUTME: CapabilityProvider contract and provider registry
// ABOUTME: Providers execute named capabilities; the registry selects one per invocation

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// CapabilityProvider executes a named capability. The context carries the
// task deadline and cancellation token; implementations must observe both.
// Failures should be returned as *InvocationError so the task manager can
// classify them; any other error is treated as permanent.
type CapabilityProvider interface {
	Invoke(ctx context.Context, capability string, params map[string]string) (string, error)
}

// ProviderFunc adapts a function to the CapabilityProvider interface.
type ProviderFunc func(ctx context.Context, capability string, params map[string]string) (string, error)

func (f ProviderFunc) Invoke(ctx context.Context, capability string, params map[string]string) (string, error) {
	return f(ctx, capability, params)
}

// InvocationError is a classified tool failure. Transient failures are
// retried by the task manager per its retry policy; permanent ones
// terminate the task.
type InvocationError struct {
	Detail    string
	Transient bool
}

func (e *InvocationError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient invocation failure: %s", e.Detail)
	}
	return fmt.Sprintf("permanent invocation failure: %s", e.Detail)
}

// IsTransient reports whether an invocation error should be retried.
func IsTransient(err error) bool {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Transient
	}
	// A blown deadline is retryable by definition
	return errors.Is(err, context.DeadlineExceeded)
}

// Registry maps capability names to providers. Providers are wired at
// composition time; there is no runtime type inspection.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]CapabilityProvider
	fallback  CapabilityProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]CapabilityProvider)}
}

// RegisterProvider binds a provider to a capability name.
func (r *Registry) RegisterProvider(capability string, p CapabilityProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[capability] = p
}

// SetFallback sets the provider used for capabilities with no explicit binding.
func (r *Registry) SetFallback(p CapabilityProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = p
}

// Invoke dispatches to the provider registered for the capability.
// A capability with no provider is a permanent failure: retrying cannot fix it.
func (r *Registry) Invoke(ctx context.Context, capability string, params map[string]string) (string, error) {
	r.mu.RLock()
	p, ok := r.providers[capability]
	if !ok {
		p = r.fallback
	}
	r.mu.RUnlock()

	if p == nil {
		return "", &InvocationError{
			Detail:    fmt.Sprintf("no provider for capability %q", capability),
			Transient: false,
		}
	}
	return p.Invoke(ctx, capability, params)
}
