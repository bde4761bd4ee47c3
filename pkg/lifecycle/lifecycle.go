// Package lifecycle implements the Lifecycle Controller: the state machine
// owner for each Service, driving STOPPED -> STARTING -> RUNNING on
// EnsureRunning and RUNNING -> STOPPING -> STOPPED on Stop.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cogsled/cogsled/pkg/log"
	"github.com/cogsled/cogsled/pkg/metrics"
	"github.com/cogsled/cogsled/pkg/runtime"
	"github.com/cogsled/cogsled/pkg/types"
)

// pollInterval is the polling period for status-change waits and the
// startup health loop.
const pollInterval = 100 * time.Millisecond

// Registry is the subset of the Service Registry the controller needs.
type Registry interface {
	Get(name string) (*types.Service, bool)
}

// Allocator is the subset of the Allocator the controller drives on start.
type Allocator interface {
	Allocate(useCPU, useGPU bool, requiredRAM, requiredVRAM int64) (int, error)
}

// RuntimeAdapter is the subset of the Container Runtime Adapter the
// controller needs, narrowed to an interface so it can be exercised against
// a fake in tests without a live containerd socket.
type RuntimeAdapter interface {
	Get(ctx context.Context, name string) (runtime.Info, error)
	Create(ctx context.Context, spec runtime.Spec) (string, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, name string, force bool) error
}

// HealthProber is the subset of the Health Prober the controller polls.
type HealthProber interface {
	Probe(ctx context.Context, svc *types.Service) bool
}

// Controller is the Lifecycle Controller.
type Controller struct {
	registry  Registry
	runtime   RuntimeAdapter
	allocator Allocator
	prober    HealthProber

	// mu serializes the port-choice-to-container-create window and the
	// STOPPED->STARTING CAS, per the concurrency design: only one caller
	// may observe STOPPED and proceed to STARTING for a given service.
	mu sync.Mutex

	logger zerolog.Logger
}

// New builds a Controller wiring the registry, runtime adapter, allocator,
// and health prober together.
func New(registry Registry, rt RuntimeAdapter, alloc Allocator, prober HealthProber) *Controller {
	return &Controller{
		registry:  registry,
		runtime:   rt,
		allocator: alloc,
		prober:    prober,
		logger:    log.WithComponent("lifecycle"),
	}
}

// EnsureRunning observes the current status of name and drives it toward
// RUNNING, bounded by the service's configured max_boot_time.
func (c *Controller) EnsureRunning(ctx context.Context, name string) error {
	svc, ok := c.registry.Get(name)
	if !ok {
		return types.ErrServiceNotFound
	}

	switch svc.Status {
	case types.StatusStarting:
		c.waitForStatusChange(svc, types.StatusStarting, time.Duration(svc.Config.MaxBootTime)*time.Second)
		return nil
	case types.StatusStopping:
		c.waitForStatusChange(svc, types.StatusStopping, 0)
	case types.StatusRunning:
		return nil
	}

	if svc.Status != types.StatusStopped {
		c.logger.Warn().Str("service", name).Str("status", string(svc.Status)).
			Msg("ensure_running observed a status outside the expected state machine")
		return nil
	}
	return c.start(ctx, svc)
}

// start runs the STOPPED->STARTING->RUNNING path for svc.
func (c *Controller) start(ctx context.Context, svc *types.Service) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LifecycleStartDuration)

	c.mu.Lock()
	if svc.Status != types.StatusStopped {
		// Another caller already won the race to start this service.
		c.mu.Unlock()
		return nil
	}

	requiredRAM, _ := types.ParseSize(svc.Config.MaxRAM)
	if requiredRAM == 0 {
		requiredRAM = svc.PeakRAM
	}
	requiredVRAM, _ := types.ParseSize(svc.Config.MaxVRAM)
	if requiredVRAM == 0 {
		requiredVRAM = svc.PeakVRAM
	}

	device, err := c.allocator.Allocate(svc.Config.UseCPU, svc.Config.UseGPU, requiredRAM, requiredVRAM)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	svc.Device = device
	svc.Status = types.StatusStarting

	if err := c.runtime.Remove(ctx, svc.ContainerName, true); err != nil {
		c.logger.Warn().Str("service", svc.Name).Err(err).Msg("force-remove of stale container failed")
	}

	hostPort, err := findUnusedPort()
	if err != nil {
		svc.Status = types.StatusStopped
		c.mu.Unlock()
		return fmt.Errorf("choose host port: %w", err)
	}
	svc.HostPort = hostPort

	mounts := make([]types.Mount, 0, len(svc.Config.Mounts))
	for _, descriptor := range svc.Config.Mounts {
		m, err := types.ParseMount(descriptor, svc.ContainerName)
		if err != nil {
			c.logger.Warn().Str("service", svc.Name).Err(err).Msg("skipping invalid mount descriptor")
			continue
		}
		mounts = append(mounts, m)
	}

	var devices []int
	if device >= 0 {
		devices = []int{device}
	}

	spec := runtime.Spec{
		Name:          svc.ContainerName,
		Image:         svc.Config.Image,
		MemoryLimit:   requiredRAM,
		CpusetCpus:    svc.Config.CpusetCpus,
		ContainerPort: svc.Config.Port,
		HostPort:      hostPort,
		Devices:       devices,
		Mounts:        mounts,
		Environment:   types.ParseEnvironment(svc.Config.Environment),
	}

	containerID, err := c.runtime.Create(ctx, spec)
	if err != nil {
		svc.Status = types.StatusStopped
		c.mu.Unlock()
		return fmt.Errorf("create container for %s: %w", svc.Name, err)
	}
	svc.ContainerID = containerID

	if info, err := c.runtime.Get(ctx, svc.ContainerName); err == nil {
		svc.PID = info.RootPID
	}
	c.mu.Unlock()

	return c.waitHealthy(ctx, svc)
}

// waitHealthy polls the Health Prober every pollInterval until it reports
// healthy or max_boot_time elapses.
func (c *Controller) waitHealthy(ctx context.Context, svc *types.Service) error {
	started := time.Now()
	maxBoot := time.Duration(svc.Config.MaxBootTime) * time.Second

	for {
		if c.prober.Probe(ctx, svc) {
			bootTime := time.Since(started).Seconds()
			svc.LastBootTime = bootTime
			if bootTime > svc.PeakBootTime {
				svc.PeakBootTime = bootTime
			}
			if maxBoot > 0 && bootTime > maxBoot.Seconds() {
				c.logger.Warn().Str("service", svc.Name).Float64("boot_time", bootTime).
					Msg("boot time exceeded configured budget")
			}
			svc.Status = types.StatusRunning
			return nil
		}
		if maxBoot > 0 && time.Since(started) > maxBoot {
			metrics.BootTimeouts.Inc()
			c.logger.Warn().Str("service", svc.Name).Msg("service stuck starting, leaving for monitor loop to reconcile")
			return nil
		}
		time.Sleep(pollInterval)
	}
}

// Stop drains and stops name, per the STOPPING drain semantics: new
// ensure_running callers observe STOPPING and wait, in-flight requests
// finish normally, then the container is stopped.
func (c *Controller) Stop(name string) error {
	svc, ok := c.registry.Get(name)
	if !ok {
		return types.ErrServiceNotFound
	}

	for {
		switch svc.Status {
		case types.StatusStopping:
			c.waitForStatusChange(svc, types.StatusStopping, 0)
			return nil
		case types.StatusStopped:
			return nil
		case types.StatusStarting:
			c.waitForStatusChange(svc, types.StatusStarting, time.Duration(svc.Config.MaxBootTime)*time.Second)
			continue
		default:
			return c.drain(svc)
		}
	}
}

func (c *Controller) drain(svc *types.Service) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LifecycleStopDuration)

	svc.Status = types.StatusStopping
	for svc.Connections() > 0 {
		time.Sleep(time.Second)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.runtime.Stop(context.Background(), svc.ContainerID, 10*time.Second); err != nil {
		c.logger.Warn().Str("service", svc.Name).Err(err).Msg("runtime stop failed, forcing status to stopped anyway")
	}
	svc.Status = types.StatusStopped
	svc.PID = -1
	return nil
}

// waitForStatusChange blocks while svc.Status == from, polling at
// pollInterval. timeout <= 0 means wait indefinitely.
func (c *Controller) waitForStatusChange(svc *types.Service, from types.Status, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for svc.Status == from {
		if timeout > 0 && time.Now().After(deadline) {
			return
		}
		time.Sleep(pollInterval)
	}
}

// findUnusedPort asks the OS for an ephemeral port by binding to :0 and
// releasing it immediately, avoiding a race-prone linear scan from a fixed
// starting port.
func findUnusedPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("choose ephemeral port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
