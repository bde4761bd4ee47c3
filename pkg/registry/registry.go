// Package registry implements the Service Registry: the in-memory map from
// service name to live Service record, kept in sync with the Catalog by
// Refresh. All mutation goes through the registry mutex; Connections and
// LastActivity on a Service remain lock-free per the concurrency design.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cogsled/cogsled/pkg/log"
	"github.com/cogsled/cogsled/pkg/storage"
	"github.com/cogsled/cogsled/pkg/types"
)

// Stopper is the subset of the Lifecycle Controller the registry needs to
// drain a service dropped from the catalog. Declared here rather than
// imported from pkg/lifecycle so the registry does not depend on the
// lifecycle package.
type Stopper interface {
	Stop(name string) error
}

// Registry is the synchronized name -> Service map.
type Registry struct {
	catalog storage.Catalog
	logger  zerolog.Logger

	mu       sync.RWMutex
	services map[string]*types.Service
}

// New builds a registry against a catalog. Services are populated by the
// first Refresh call, not at construction.
func New(catalog storage.Catalog) *Registry {
	return &Registry{
		catalog:  catalog,
		logger:   log.WithComponent("registry"),
		services: make(map[string]*types.Service),
	}
}

// Get returns the service by name, if registered.
func (r *Registry) Get(name string) (*types.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// List returns a snapshot slice of every registered service, sorted by name
// for deterministic output (health summary, logs).
func (r *Registry) List() []*types.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Refresh reconciles the registry against the catalog: services whose
// catalog row disappeared are stopped and dropped, new catalog rows become
// fresh STOPPED services. stopper is the Lifecycle Controller; it may be nil
// during startup before the controller exists, in which case removed
// services are dropped without a graceful stop (there is nothing running to
// drain from a cold registry).
func (r *Registry) Refresh(stopper Stopper) error {
	rows, err := r.catalog.List()
	if err != nil {
		return fmt.Errorf("list catalog: %w", err)
	}

	seen := make(map[string]types.ServiceConfig, len(rows))
	for _, cfg := range rows {
		seen[cfg.Name] = cfg
	}

	r.mu.RLock()
	var removed []string
	for name := range r.services {
		if _, ok := seen[name]; !ok {
			removed = append(removed, name)
		}
	}
	r.mu.RUnlock()

	// Stop each removed service while it is still registered: the Lifecycle
	// Controller looks services up by name to drain and stop them, so
	// dropping the entry first would leave the real container running with
	// nothing left to find and tear it down.
	for _, name := range removed {
		if stopper != nil {
			if err := stopper.Stop(name); err != nil {
				r.logger.Warn().Str("service", name).Err(err).Msg("stop during catalog removal failed")
			}
		}
		r.logger.Info().Str("service", name).Msg("service dropped from catalog")
	}

	r.mu.Lock()
	for _, name := range removed {
		delete(r.services, name)
	}

	var added []string
	for name, cfg := range seen {
		if _, ok := r.services[name]; !ok {
			r.services[name] = types.NewService(cfg)
			added = append(added, name)
		}
	}
	r.mu.Unlock()

	for _, name := range added {
		r.logger.Info().Str("service", name).Msg("service added from catalog")
	}
	return nil
}

// Snapshot returns the same name-sorted slice of every registered service as
// List; the registry lock is not held once it returns.
func (r *Registry) Snapshot() []*types.Service {
	return r.List()
}
