// Package storage implements the Catalog: the persistent store of
// ServiceConfig rows the Service Registry refreshes itself against. The
// core spec treats the catalog as an external collaborator; this package
// ships a concrete bbolt-backed default so the system is runnable
// standalone.
package storage

import (
	"github.com/cogsled/cogsled/pkg/types"
)

// Catalog is the interface the Service Registry consumes. Rows map 1:1 to
// types.ServiceConfig.
type Catalog interface {
	List() ([]types.ServiceConfig, error)
	Get(name string) (types.ServiceConfig, bool, error)
	Put(cfg types.ServiceConfig) error
	Delete(name string) error
	Close() error
}
