package payment

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hotspotfox/HotspotFox/app/models"
)

// ProviderFactory builds an adapter from a resolved settings snapshot.
type ProviderFactory func(settings *models.AppSettings) (Provider, error)

// Registry hands out payment provider adapters keyed by provider name.
// Adapters are built once from the settings snapshot current at first use and
// kept until an explicit Invalidate after an admin configuration change.
// There is no TTL: staleness is controlled by the caller, which keeps tests
// deterministic and avoids stale-credential races.
type Registry struct {
	mu        sync.Mutex
	factories map[string]ProviderFactory
	cache     map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
		cache:     make(map[string]Provider),
	}
}

// Register adds a provider factory under a name.
func (r *Registry) Register(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(strings.TrimSpace(name))] = factory
}

// Get returns the adapter for a provider name, building it on first use.
func (r *Registry) Get(name string) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("provider name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache[key]; ok {
		return p, nil
	}
	factory, ok := r.factories[key]
	if !ok {
		return nil, fmt.Errorf("unknown payment provider: %s", key)
	}

	settings := models.GetAppSettings()
	if settings == nil {
		return nil, fmt.Errorf("application settings not loaded")
	}
	p, err := factory(settings)
	if err != nil {
		return nil, err
	}
	r.cache[key] = p
	return p, nil
}

// Invalidate drops the cached adapter for a provider so the next Get rebuilds
// it from current settings.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, strings.ToLower(strings.TrimSpace(name)))
}

// InvalidateAll drops every cached adapter.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]Provider)
}

// Global registry instance, wired at startup.
var (
	globalRegistry *Registry
	registryOnce   sync.Once
)

// GetRegistry returns the process-wide provider registry.
func GetRegistry() *Registry {
	registryOnce.Do(func() {
		globalRegistry = NewRegistry()
		globalRegistry.Register("stripe", func(settings *models.AppSettings) (Provider, error) {
			return NewStripeClientFromSettings(settings), nil
		})
	})
	return globalRegistry
}
