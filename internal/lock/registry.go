package lock

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lock-code-manager/backend/internal/config"
	"github.com/lock-code-manager/backend/internal/logging"
	"github.com/lock-code-manager/backend/internal/storage/models"
)

// Deps carries the shared clients adapters may need.
type Deps struct {
	Config *config.Config
	MQTT   MQTTClient
	Logger *logging.Logger
}

// Factory builds a provider bound to one lock's connection parameters.
type Factory func(lock models.Lock, deps Deps) (Provider, error)

// Registry maps platform identifiers to provider factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the built-in platforms.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.PlatformZWaveJS, newZWaveJSProvider)
	r.Register(models.PlatformZigbee2MQTT, newZigbee2MQTTProvider)
	r.Register(models.PlatformHomeAssistant, newHomeAssistantProvider)
	r.Register(models.PlatformVirtual, newVirtualProvider)
	return r
}

// Register adds or replaces the factory for platform.
func (r *Registry) Register(platform string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[platform] = f
}

// New builds a provider for lock.
func (r *Registry) New(lock models.Lock, deps Deps) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[lock.Platform]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown lock platform %q", lock.Platform)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	return f(lock, deps)
}

// Has reports whether platform is registered.
func (r *Registry) Has(platform string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[platform]
	return ok
}

// Platforms lists registered platforms in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
