// Package registry maps (module, action) identifiers to capability
// implementations. The registry is populated once at process start and
// read-only thereafter.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/weftworks/weft/pkg/api"
)

// ErrCapabilityNotFound is returned when no capability is registered
// for a (module, action) pair.
var ErrCapabilityNotFound = errors.New("capability not found")

type capabilityKey struct {
	module string
	action string
}

// Registry is a lookup table from (module, action) to Capability.
type Registry struct {
	mu   sync.RWMutex
	caps map[capabilityKey]api.Capability
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{caps: make(map[capabilityKey]api.Capability)}
}

// Register binds a capability to a (module, action) pair. Registering
// the same pair twice is an error; implementations are swapped by
// restarting the process, not at runtime.
func (r *Registry) Register(module, action string, capFn api.Capability) error {
	if module == "" || action == "" {
		return errors.New("module and action must not be empty")
	}
	if capFn == nil {
		return fmt.Errorf("capability for %s/%s is nil", module, action)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := capabilityKey{module: module, action: action}
	if _, exists := r.caps[key]; exists {
		return fmt.Errorf("capability %s/%s already registered", module, action)
	}
	r.caps[key] = capFn
	return nil
}

// Resolve returns the capability registered for (module, action).
func (r *Registry) Resolve(module, action string) (api.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	capFn, ok := r.caps[capabilityKey{module: module, action: action}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrCapabilityNotFound, module, action)
	}
	return capFn, nil
}
