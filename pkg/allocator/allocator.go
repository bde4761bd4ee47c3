// Package allocator implements the Allocator: the pure decision function
// that picks a device (CPU or a GPU index) for a starting service and, when
// the device is under pressure, the prefix of live services to evict to
// make room.
package allocator

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/cogsled/cogsled/pkg/log"
	"github.com/cogsled/cogsled/pkg/memprobe"
	"github.com/cogsled/cogsled/pkg/metrics"
	"github.com/cogsled/cogsled/pkg/types"
)

// cpuDevice is the sentinel device id standing in for the host CPU/RAM
// budget, mirroring Service.Device's -1 convention.
const cpuDevice = -1

// cpuPenalty is added to the CPU candidate's cost so GPUs win ties even
// when slightly more eviction on the GPU would be required.
const cpuPenalty = 1_000_000

// Evictor is the subset of the Lifecycle Controller the allocator drives to
// free resources. Declared here to avoid a dependency on pkg/lifecycle.
type Evictor interface {
	Stop(name string) error
}

// Registry is the subset of the Service Registry the allocator reads.
type Registry interface {
	List() []*types.Service
}

// Allocator is the Allocator component.
type Allocator struct {
	probe    *memprobe.Probe
	registry Registry
	evictor  Evictor
	logger   zerolog.Logger
}

// New builds an Allocator against a probe, the service registry, and the
// evictor (Lifecycle Controller) used to stop services chosen for eviction.
func New(probe *memprobe.Probe, registry Registry, evictor Evictor) *Allocator {
	return &Allocator{probe: probe, registry: registry, evictor: evictor, logger: log.WithComponent("allocator")}
}

// candidate is one device under consideration, with its eviction prefix and
// the total shutdown_cost of evicting that prefix.
type candidate struct {
	device   int
	cost     float64
	evict    []*types.Service
	feasible bool
}

// Allocate picks a device for a new service with the given resource
// requirements, evicting live services as needed. Returns
// types.ErrResourceExhausted if no device (including CPU) can be made to
// fit even after evicting every eligible service on it.
func (a *Allocator) Allocate(useCPU, useGPU bool, requiredRAM, requiredVRAM int64) (int, error) {
	services := a.registry.List()

	systemRAM := a.probe.SystemRAM()
	systemVRAM := a.probe.SystemVRAM()

	// system_usage[d] = usage not attributable to known services. This must
	// use each service's current reading, not its reserved (max-of-current-
	// and-configured) amount: reserved headroom a service isn't actually
	// using yet is not usage by anyone, known or not, and subtracting it
	// here would overstate how much of the host's current usage belongs to
	// other, unknown consumers.
	vramByDevice := make(map[int]int64)
	var liveRAMTotal int64
	for _, svc := range services {
		if svc.Status == types.StatusStopped {
			continue
		}
		liveRAMTotal += svc.RAM
		if svc.Device >= 0 {
			vramByDevice[svc.Device] += svc.VRAM
		}
	}
	cpuSystemUsage := clampNonNegative(int64(systemRAM.Used) - liveRAMTotal)

	var candidates []candidate

	if useGPU {
		for gpu, info := range systemVRAM {
			deviceUsage := clampNonNegative(int64(info.Used) - vramByDevice[gpu])
			if int64(info.Total)-deviceUsage >= requiredVRAM {
				freeRAM := int64(systemRAM.Total) - cpuSystemUsage - liveRAMTotal
				freeVRAM := int64(info.Total) - deviceUsage - vramByDevice[gpu]
				candidates = append(candidates, a.buildCandidate(gpu, services, requiredRAM, requiredVRAM, freeRAM, freeVRAM))
			}
		}
	}
	if useCPU && int64(systemRAM.Total)-cpuSystemUsage >= requiredRAM {
		freeRAM := int64(systemRAM.Total) - cpuSystemUsage - liveRAMTotal
		c := a.buildCandidate(cpuDevice, services, requiredRAM, requiredVRAM, freeRAM, 0)
		c.cost += cpuPenalty
		candidates = append(candidates, c)
	}

	feasible := candidates[:0]
	for _, c := range candidates {
		if c.feasible {
			feasible = append(feasible, c)
		}
	}
	if len(feasible) == 0 {
		metrics.AllocationsTotal.WithLabelValues("resource_exhausted").Inc()
		return 0, types.ErrResourceExhausted
	}

	sort.SliceStable(feasible, func(i, j int) bool { return feasible[i].cost < feasible[j].cost })
	winner := feasible[0]

	deviceKind := "gpu"
	if winner.device == cpuDevice {
		deviceKind = "cpu"
	}
	for _, svc := range winner.evict {
		a.logger.Info().Str("service", svc.Name).Int("device", winner.device).Msg("evicting for allocation")
		if err := a.evictor.Stop(svc.Name); err != nil {
			a.logger.Warn().Str("service", svc.Name).Err(err).Msg("eviction stop failed")
		}
		metrics.EvictionsTotal.WithLabelValues(deviceKind).Inc()
	}
	metrics.AllocationsTotal.WithLabelValues("granted").Inc()
	return winner.device, nil
}

// buildCandidate walks the device's live services in ascending shutdown_cost
// order, accumulating the eviction prefix needed to cover both the RAM and
// VRAM requirement.
func (a *Allocator) buildCandidate(device int, services []*types.Service, requiredRAM, requiredVRAM, freeRAM, freeVRAM int64) candidate {
	var onDevice []*types.Service
	for _, svc := range services {
		if svc.Status == types.StatusStopped {
			continue
		}
		if svc.Device == device {
			onDevice = append(onDevice, svc)
		}
	}
	sort.SliceStable(onDevice, func(i, j int) bool { return onDevice[i].ShutdownCost() < onDevice[j].ShutdownCost() })

	availRAM := freeRAM
	availVRAM := freeVRAM

	if availRAM >= requiredRAM && (device == cpuDevice || availVRAM >= requiredVRAM) {
		return candidate{device: device, feasible: true}
	}

	var evicted []*types.Service
	var cost float64
	for _, svc := range onDevice {
		evicted = append(evicted, svc)
		cost += svc.ShutdownCost()
		availRAM += svc.ReservedRAM()
		if device >= 0 {
			availVRAM += svc.ReservedVRAM()
		}
		ramOK := availRAM >= requiredRAM
		vramOK := device == cpuDevice || availVRAM >= requiredVRAM
		if ramOK && vramOK {
			return candidate{device: device, cost: cost, evict: evicted, feasible: true}
		}
	}
	return candidate{device: device, feasible: false}
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
