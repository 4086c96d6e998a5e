// File: internal/server/capabilities.go
// Description: Explicit registry of optional features this process runs with.
// Peers and operators read it from the extended health endpoint instead of
// probing endpoints to discover what is enabled.
package server

import (
	"sort"
	"sync"
)

// Capability names registered by the server at startup.
const (
	CapDashboardFallback  = "dashboard_fallback"
	CapSubcategoryPruning = "subcategory_pruning"
	CapOutboundSync       = "outbound_sync"
)

// CapabilityRegistry holds named feature flags registered at startup.
type CapabilityRegistry struct {
	mu   sync.RWMutex
	caps map[string]bool
}

// NewCapabilityRegistry creates an empty registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{caps: make(map[string]bool)}
}

// Set records a capability and whether it is enabled.
func (r *CapabilityRegistry) Set(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[name] = enabled
}

// Enabled reports whether a capability is registered and on.
func (r *CapabilityRegistry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[name]
}

// Snapshot returns the full capability map for reporting.
func (r *CapabilityRegistry) Snapshot() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.caps))
	for name, enabled := range r.caps {
		out[name] = enabled
	}
	return out
}

// Names lists registered capabilities in stable order.
func (r *CapabilityRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
