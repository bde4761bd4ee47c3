// Package reconciler implements the Monitor Loop: the single background
// worker that refreshes the Service Registry against the catalog,
// reconciles drift against the container runtime, attributes memory/VRAM
// to services, and idle-reaps.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cogsled/cogsled/pkg/log"
	"github.com/cogsled/cogsled/pkg/memprobe"
	"github.com/cogsled/cogsled/pkg/metrics"
	"github.com/cogsled/cogsled/pkg/registry"
	"github.com/cogsled/cogsled/pkg/runtime"
	"github.com/cogsled/cogsled/pkg/types"
)

// TickInterval is the Monitor Loop's period.
const TickInterval = 5 * time.Second

// Registry is the subset of the Service Registry the monitor loop drives.
type Registry interface {
	Refresh(stopper registry.Stopper) error
	List() []*types.Service
}

// LifecycleController is the subset of the Lifecycle Controller the
// monitor loop drives for reconciliation and idle reaping.
type LifecycleController interface {
	Stop(name string) error
}

// Runtime is the subset of the Container Runtime Adapter the monitor loop
// reads and garbage-collects against.
type Runtime interface {
	ListAll(ctx context.Context) ([]runtime.Info, error)
	Remove(ctx context.Context, name string, force bool) error
}

// Reconciler is the Monitor Loop.
type Reconciler struct {
	registry Registry
	ctrl     LifecycleController
	runtime  Runtime
	probe    *memprobe.Probe

	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New builds a Reconciler wiring the registry, lifecycle controller,
// runtime adapter, and memory probe together.
func New(registry Registry, ctrl LifecycleController, rt Runtime, probe *memprobe.Probe) *Reconciler {
	return &Reconciler{
		registry: registry,
		ctrl:     ctrl,
		runtime:  rt,
		probe:    probe,
		interval: TickInterval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop in a background goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop ends the reconciliation loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Msg("monitor loop started")
	for {
		select {
		case <-ticker.C:
			r.tick()
		case <-r.stopCh:
			r.logger.Info().Msg("monitor loop stopped")
			return
		}
	}
}

// tick runs one reconciliation cycle. It never returns an error to the
// caller: every sub-step logs and continues on failure, per the rule that
// the monitor loop never raises.
func (r *Reconciler) tick() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	ctx := context.Background()

	if err := r.registry.Refresh(r.ctrl); err != nil {
		r.logger.Warn().Err(err).Msg("registry refresh failed")
	}

	containers, err := r.runtime.ListAll(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to list containers")
		containers = nil
	}

	services := r.registry.List()
	byContainerName := make(map[string]*types.Service, len(services))
	for _, svc := range services {
		byContainerName[svc.ContainerName] = svc
	}

	r.reconcileContainers(ctx, containers, byContainerName)
	r.attributeMemory(services)
	r.idleReap(services)
	r.reportGauges(services)
}

// reportGauges refreshes the point-in-time gauges the /metrics endpoint
// exposes: a count of services per status, plus per-service RAM/VRAM/
// connection gauges.
func (r *Reconciler) reportGauges(services []*types.Service) {
	counts := map[types.Status]int{
		types.StatusStopped:  0,
		types.StatusStarting: 0,
		types.StatusRunning:  0,
		types.StatusStopping: 0,
	}
	for _, svc := range services {
		counts[svc.Status]++
		metrics.ServiceRAMBytes.WithLabelValues(svc.Name).Set(float64(svc.RAM))
		metrics.ServiceVRAMBytes.WithLabelValues(svc.Name).Set(float64(svc.VRAM))
		metrics.ServiceConnections.WithLabelValues(svc.Name).Set(float64(svc.Connections()))
	}
	for status, count := range counts {
		metrics.ServicesByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

// reconcileContainers re-attaches registered services to their live
// container and drives state-drift back to a consistent status, then
// garbage-collects unregistered managed containers.
func (r *Reconciler) reconcileContainers(ctx context.Context, containers []runtime.Info, byContainerName map[string]*types.Service) {
	seen := make(map[string]bool, len(containers))
	for _, c := range containers {
		seen[c.Name] = true

		svc, ok := byContainerName[c.Name]
		if !ok {
			if types.IsManagedContainer(c.Name) {
				r.logger.Info().Str("container", c.Name).Msg("garbage-collecting unregistered managed container")
				if err := r.runtime.Remove(ctx, c.Name, true); err != nil {
					r.logger.Warn().Str("container", c.Name).Err(err).Msg("garbage collection failed")
				} else {
					metrics.ContainersGarbageCollected.Inc()
				}
			}
			continue
		}

		svc.ContainerID = c.ID
		svc.PID = c.RootPID

		running := runtime.IsRunning(c.State)

		switch svc.Status {
		case types.StatusStarting:
			if !running {
				r.stopAsync(svc.Name)
			}
		case types.StatusRunning:
			if c.State != runtime.StateRunning {
				r.stopAsync(svc.Name)
			}
		case types.StatusStopped:
			// Drift: runtime has it present but the registry thinks it's
			// stopped. Mark it running so stop() has a consistent state to
			// tear down from, then immediately reap it.
			svc.Status = types.StatusRunning
			r.stopAsync(svc.Name)
		}
	}

	for name, svc := range byContainerName {
		if !seen[name] && svc.Status != types.StatusStopped {
			// Registered but the runtime no longer knows about the
			// container: it vanished out from under us (crash, manual
			// removal). Force the record back to a clean STOPPED state.
			svc.Status = types.StatusStopped
			svc.PID = -1
			svc.ContainerID = ""
		}
	}
}

// stopAsync runs the Lifecycle Controller's Stop in the background so one
// stuck service can't block the rest of a tick; Stop's own draining logic
// already accounts for concurrent callers.
func (r *Reconciler) stopAsync(name string) {
	go func() {
		if err := r.ctrl.Stop(name); err != nil {
			r.logger.Warn().Str("service", name).Err(err).Msg("reconciliation stop failed")
		}
	}()
}

// attributeMemory takes the largest RSS and the summed VRAM across each
// service's root pid and its descendants, bumps peaks, and warns on budget
// overruns.
func (r *Reconciler) attributeMemory(services []*types.Service) {
	if len(services) == 0 {
		return
	}
	procRAM := r.probe.ProcessRAM()
	procVRAM := r.probe.ProcessVRAM()

	for _, svc := range services {
		if svc.PID < 0 {
			continue
		}
		pids := append([]int32{int32(svc.PID)}, memprobe.ChildrenOf(int32(svc.PID))...)

		var ram, vram uint64
		for _, pid := range pids {
			if v := procRAM[pid]; v > ram {
				ram = v
			}
			vram += procVRAM[pid]
		}
		svc.RAM = int64(ram)
		svc.VRAM = int64(vram)
		svc.BumpPeaks()

		if maxRAM, _ := types.ParseSize(svc.Config.MaxRAM); maxRAM > 0 && svc.RAM > maxRAM {
			r.logger.Warn().Str("service", svc.Name).Int64("ram", svc.RAM).Int64("max_ram", maxRAM).
				Msg("service exceeds configured RAM budget")
		}
		if maxVRAM, _ := types.ParseSize(svc.Config.MaxVRAM); maxVRAM > 0 && svc.VRAM > maxVRAM {
			r.logger.Warn().Str("service", svc.Name).Int64("vram", svc.VRAM).Int64("max_vram", maxVRAM).
				Msg("service exceeds configured VRAM budget")
		}
	}
}

// idleReap stops any RUNNING service with no live connections that has
// exceeded its configured idle_timeout.
func (r *Reconciler) idleReap(services []*types.Service) {
	for _, svc := range services {
		if svc.Status != types.StatusRunning {
			continue
		}
		if svc.Connections() != 0 {
			continue
		}
		if svc.Config.IdleTimeout <= 0 {
			continue
		}
		if svc.IdleTime() <= time.Duration(svc.Config.IdleTimeout)*time.Second {
			continue
		}
		r.logger.Info().Str("service", svc.Name).Dur("idle_time", svc.IdleTime()).Msg("idle-reaping service")
		metrics.IdleReapsTotal.Inc()
		r.stopAsync(svc.Name)
	}
}
