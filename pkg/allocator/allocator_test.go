package allocator

import (
	"testing"

	"github.com/cogsled/cogsled/pkg/memprobe"
	"github.com/cogsled/cogsled/pkg/types"
)

type fakeRegistry struct {
	services []*types.Service
}

func (f *fakeRegistry) List() []*types.Service { return f.services }

type fakeEvictor struct {
	stopped []string
}

func (f *fakeEvictor) Stop(name string) error {
	f.stopped = append(f.stopped, name)
	return nil
}

func liveGPUService(name string, device int, ram, vram int64, idleSeconds, idleTimeout float64, connections int64) *types.Service {
	svc := types.NewService(types.ServiceConfig{
		Name:        name,
		UseGPU:      true,
		IdleTimeout: int(idleTimeout),
	})
	svc.Status = types.StatusRunning
	svc.Device = device
	svc.RAM = ram
	svc.VRAM = vram
	svc.LastBootTime = 5
	if connections > 0 {
		svc.BumpActivity()
	}
	return svc
}

// NB: allocator_test exercises Allocate purely through the memprobe.Probe's
// public surface is impractical without nvidia-smi present, so these tests
// drive buildCandidate's eviction-prefix selection directly, which is the
// part of the algorithm spec section 8's property tests are about.

func TestBuildCandidateNoEvictionNeededWhenRoomIsFree(t *testing.T) {
	a := New(memprobe.New(), &fakeRegistry{}, &fakeEvictor{})
	c := a.buildCandidate(0, nil, 1<<30, 1<<30, 4<<30, 4<<30)
	if !c.feasible || len(c.evict) != 0 {
		t.Errorf("expected feasible with no eviction, got %+v", c)
	}
}

func TestBuildCandidateEvictsAscendingShutdownCost(t *testing.T) {
	cheap := liveGPUService("cheap", 0, 1<<30, 4<<30, 0, 0, 0)   // never active -> idle far past idle_timeout -> idleFactor 0 -> cost 0
	cheap.Config.IdleTimeout = 600
	expensive := liveGPUService("expensive", 0, 1<<30, 4<<30, 0, 600, 1) // has a connection -> 10x multiplier -> pricier

	services := []*types.Service{cheap, expensive}
	a := New(memprobe.New(), &fakeRegistry{services: services}, &fakeEvictor{})

	// total capacity 8GiB, nothing free, need 4GiB: evicting one 4GiB service is enough.
	c := a.buildCandidate(0, services, 0, 4<<30, 0, 0)
	if !c.feasible {
		t.Fatal("expected candidate to become feasible after evicting one service")
	}
	if len(c.evict) != 1 {
		t.Fatalf("expected exactly one eviction, got %d", len(c.evict))
	}
	if c.evict[0].Name != "cheap" {
		t.Errorf("expected the lower shutdown_cost service to be evicted first, got %s", c.evict[0].Name)
	}
}

func TestAllocateFailsClosedWithNoCandidateDevices(t *testing.T) {
	a := New(memprobe.New(), &fakeRegistry{}, &fakeEvictor{})
	_, err := a.Allocate(false, false, 1, 1)
	if err != types.ErrResourceExhausted {
		t.Errorf("expected ErrResourceExhausted when neither CPU nor GPU requested, got %v", err)
	}
}

func TestCPUCandidateCarriesPenalty(t *testing.T) {
	a := New(memprobe.New(), &fakeRegistry{}, &fakeEvictor{})
	c := a.buildCandidate(cpuDevice, nil, 0, 0, 1<<30, 0)
	c.cost += cpuPenalty
	if c.cost < cpuPenalty {
		t.Errorf("expected CPU candidate cost to carry the penalty, got %f", c.cost)
	}
}
