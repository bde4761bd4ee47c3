package types

import (
	"sync/atomic"
	"time"
)

// Service is the runtime record for a configured service. Structural
// fields (everything but Connections/LastActivity) are owned by the
// registry and mutated only under its mutex by the Lifecycle Controller and
// Monitor Loop. Connections and LastActivity are hot per-request counters
// and must stay lock-free: BumpActivity stamps LastActivity before publishing the
// increment so a concurrent idle-reaper can never observe Connections==0
// together with a stale LastActivity.
type Service struct {
	Config ServiceConfig

	Name          string
	ContainerName string

	ContainerID string
	PID         int
	HostPort    int
	Device      int // -1 = CPU, >=0 = GPU index

	Status Status

	RAM  int64
	VRAM int64

	PeakRAM       int64
	PeakVRAM      int64
	PeakBootTime  float64
	LastBootTime  float64

	connections   int64
	lastActivity  int64 // unix nanos, atomic
}

// NewService builds a fresh STOPPED service record from a config.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		Config:        cfg,
		Name:          cfg.Name,
		ContainerName: ContainerName(cfg.Name),
		PID:           -1,
		HostPort:      0,
		Device:        -1,
		Status:        StatusStopped,
	}
}

// BumpActivity stamps LastActivity then increments Connections, in that
// order, per the ordering rule in the concurrency design.
func (s *Service) BumpActivity() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
	atomic.AddInt64(&s.connections, 1)
}

// ReleaseActivity decrements Connections. Always called on every exit path
// of a dispatched request (success, cancellation, or error).
func (s *Service) ReleaseActivity() {
	atomic.AddInt64(&s.connections, -1)
}

// Connections returns the live connection count.
func (s *Service) Connections() int64 {
	return atomic.LoadInt64(&s.connections)
}

// LastActivity returns the last time a request was bumped.
func (s *Service) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

// IdleTime is how long the service has gone without a bumped connection.
func (s *Service) IdleTime() time.Duration {
	return time.Since(s.LastActivity())
}

// ReservedRAM is the amount of RAM accounted against the host budget: the
// larger of the live reading and the configured maximum.
func (s *Service) ReservedRAM() int64 {
	max, _ := ParseSize(s.Config.MaxRAM)
	if s.RAM > max {
		return s.RAM
	}
	return max
}

// ReservedVRAM mirrors ReservedRAM for VRAM.
func (s *Service) ReservedVRAM() int64 {
	max, _ := ParseSize(s.Config.MaxVRAM)
	if s.VRAM > max {
		return s.VRAM
	}
	return max
}

// ShutdownCost is the eviction priority for a live service: lower evicts
// first. See the allocator package for the selection algorithm that
// consumes this.
func (s *Service) ShutdownCost() float64 {
	bootTime := s.LastBootTime
	if bootTime < 1 {
		bootTime = 1
	}
	denom := float64(s.VRAM) + float64(s.RAM)*0.25 + 1e8

	idleTimeout := float64(s.Config.IdleTimeout)
	idleFactor := 0.0
	if idleTimeout > 0 {
		remaining := 1 - s.IdleTime().Seconds()/idleTimeout
		if remaining > 0 {
			idleFactor = remaining * remaining
		}
	}

	connMultiplier := 1.0
	if s.Connections() > 0 {
		connMultiplier = 10.0
	}

	gpuMultiplier := 0.5
	if s.Config.UseGPU {
		gpuMultiplier = 1.0
	}

	return bootTime / denom * idleFactor * connMultiplier * gpuMultiplier
}

// BumpPeaks updates the monotonically non-decreasing peak trackers from the
// current live readings. Called by the Monitor Loop after a memory
// attribution pass.
func (s *Service) BumpPeaks() {
	if s.RAM > s.PeakRAM {
		s.PeakRAM = s.RAM
	}
	if s.VRAM > s.PeakVRAM {
		s.PeakVRAM = s.VRAM
	}
}
