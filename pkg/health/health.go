// Package health implements the readiness predicate the Lifecycle
// Controller polls while a service is STARTING: one of {none, http, log}.
package health

import (
	"context"

	"github.com/cogsled/cogsled/pkg/types"
)

// LogReader fetches a container's current logs. Implemented by the
// runtime adapter; kept as a narrow interface here so the log checker
// doesn't import the runtime package.
type LogReader interface {
	Logs(ctx context.Context, containerID string) ([]byte, error)
}

// Prober dispatches a readiness check by HealthCheckType. Probing is
// idempotent and side-effect-free.
type Prober struct {
	runtime LogReader
}

// New creates a Prober. runtime is used for log-mode checks.
func New(runtime LogReader) *Prober {
	return &Prober{runtime: runtime}
}

// Probe runs the configured check against a service. It never returns an
// error: connection failures, timeouts, and missing containers all count
// as "not yet healthy" rather than propagating to the caller.
func (p *Prober) Probe(ctx context.Context, svc *types.Service) bool {
	switch svc.Config.HealthCheck.Type {
	case types.HealthCheckNone, "":
		return true
	case types.HealthCheckHTTP:
		return checkHTTP(ctx, svc.HostPort, svc.Config.HealthCheck)
	case types.HealthCheckLog:
		return p.checkLog(ctx, svc.ContainerID, svc.Config.HealthCheck)
	default:
		return false
	}
}
