package capability

import (
	"fmt"
	"sync"

	"github.com/loomhq/loom/core"
)

// Registry holds the capabilities available to the workflow engine, keyed by
// their versioned id. Registration validates the id format so incompatible
// implementations are rejected at startup, not mid-turn.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]core.Capability
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]core.Capability)}
}

// Register adds a capability. Malformed ids and duplicates are rejected.
func (r *Registry) Register(c core.Capability) error {
	id := c.ID()
	if _, _, err := core.ParseCapabilityID(id); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.capabilities[id]; exists {
		return fmt.Errorf("capability %s already registered", id)
	}
	r.capabilities[id] = c
	return nil
}

// MustRegister registers c and panics on error. Startup wiring only.
func (r *Registry) MustRegister(c core.Capability) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Get returns the capability with the given versioned id.
func (r *Registry) Get(id string) (core.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[id]
	return c, ok
}

// IDs returns the registered capability ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.capabilities))
	for id := range r.capabilities {
		ids = append(ids, id)
	}
	return ids
}
