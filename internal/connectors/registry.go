package connectors

import (
	"fmt"
	"sync"

	"doubleu/internal/models"
)

// Factory builds a connector for one bank provider catalog entry.
type Factory func(provider *models.BankProvider) Connector

// Registry maps bank identifiers to connector constructors. It is populated
// once at startup with compile-time-checked factories; banks without a
// dedicated connector fall back to the designated fallback factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	fallback  Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register binds a bank id to a connector factory. Later registrations for
// the same id win, which lets tests swap implementations.
func (r *Registry) Register(bankID string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[bankID] = factory
}

// SetFallback designates the factory used for bank ids with no dedicated
// connector.
func (r *Registry) SetFallback(factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = factory
}

// Get constructs the connector for the provider's bank id, using the
// fallback when no specific factory is registered.
func (r *Registry) Get(provider *models.BankProvider) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[provider.BankID]
	fallback := r.fallback
	r.mu.RUnlock()

	if ok {
		return factory(provider), nil
	}
	if fallback != nil {
		return fallback(provider), nil
	}
	return nil, fmt.Errorf("no connector registered for bank %q", provider.BankID)
}
