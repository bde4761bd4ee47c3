// Package memprobe snapshots host RAM, per-GPU VRAM, and per-process memory
// usage. Every snapshot is cached for a short TTL to bound probe cost under
// concurrent callers (the allocator, the monitor loop, and the /health
// endpoint all read it on their own schedules).
package memprobe

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/cogsled/cogsled/pkg/log"
)

// DefaultTTL bounds how long a snapshot is reused across callers.
const DefaultTTL = time.Second

// MemoryInfo is a single {free, used, total} reading.
type MemoryInfo struct {
	Free  uint64
	Used  uint64
	Total uint64
}

// Probe is the Memory Probe component. It is safe for concurrent use.
type Probe struct {
	ttl time.Duration

	mu sync.Mutex

	ramAt    time.Time
	ram      MemoryInfo
	vramAt   time.Time
	vram     map[int]MemoryInfo
	procRAMAt time.Time
	procRAM  map[int32]uint64
	procVRAMAt time.Time
	procVRAM map[int32]uint64
}

// New creates a Probe with the default TTL.
func New() *Probe {
	return &Probe{ttl: DefaultTTL}
}

// SystemRAM returns whole-host RAM usage, cached for the TTL.
func (p *Probe) SystemRAM() MemoryInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.ramAt) < p.ttl {
		return p.ram
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.WithComponent("memprobe").Warn().Err(err).Msg("failed to read system RAM")
		return p.ram
	}
	p.ram = MemoryInfo{Free: vm.Available, Used: vm.Used, Total: vm.Total}
	p.ramAt = time.Now()
	return p.ram
}

// SystemVRAM returns per-GPU memory usage keyed by device index, cached for
// the TTL. Reads via nvidia-smi; hosts without an NVIDIA GPU get an empty
// map, not an error (partial results are the contract here, same as for
// process reads).
func (p *Probe) SystemVRAM() map[int]MemoryInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.vramAt) < p.ttl && p.vram != nil {
		return p.vram
	}
	p.vram = queryNvidiaSMI()
	p.vramAt = time.Now()
	return p.vram
}

// ProcessRAM returns RSS bytes per pid, cached for the TTL. Processes that
// disappear or deny access between enumeration and read are simply omitted.
func (p *Probe) ProcessRAM() map[int32]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.procRAMAt) < p.ttl && p.procRAM != nil {
		return p.procRAM
	}
	result := make(map[int32]uint64)
	pids, err := process.Pids()
	if err != nil {
		log.WithComponent("memprobe").Warn().Err(err).Msg("failed to enumerate processes")
		return p.procRAM
	}
	for _, pid := range pids {
		proc, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		info, err := proc.MemoryInfo()
		if err != nil || info == nil || info.RSS == 0 {
			continue
		}
		result[pid] = info.RSS
	}
	p.procRAM = result
	p.procRAMAt = time.Now()
	return p.procRAM
}

// ProcessVRAM returns used GPU memory per pid, via nvidia-smi's
// per-process query. Cached for the TTL.
func (p *Probe) ProcessVRAM() map[int32]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.procVRAMAt) < p.ttl && p.procVRAM != nil {
		return p.procVRAM
	}
	p.procVRAM = queryNvidiaSMIProcesses()
	p.procVRAMAt = time.Now()
	return p.procVRAM
}

// ChildrenOf returns all descendant pids of pid (recursive), not cached:
// callers invoke this once per attribution pass for a small set of roots.
func ChildrenOf(pid int32) []int32 {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	children, err := proc.Children()
	if err != nil {
		return nil
	}
	var all []int32
	for _, c := range children {
		all = append(all, c.Pid)
		all = append(all, ChildrenOf(c.Pid)...)
	}
	return all
}

func queryNvidiaSMI() map[int]MemoryInfo {
	result := make(map[int]MemoryInfo)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,memory.free,memory.used,memory.total",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return result
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ",")
		if len(fields) != 4 {
			continue
		}
		idx, err1 := strconv.Atoi(strings.TrimSpace(fields[0]))
		free, err2 := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
		used, err3 := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
		total, err4 := strconv.ParseUint(strings.TrimSpace(fields[3]), 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		const mib = 1 << 20
		result[idx] = MemoryInfo{Free: free * mib, Used: used * mib, Total: total * mib}
	}
	return result
}

func queryNvidiaSMIProcesses() map[int32]uint64 {
	result := make(map[int32]uint64)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-compute-apps=pid,used_memory",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return result
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ",")
		if len(fields) != 2 {
			continue
		}
		pid, err1 := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 32)
		used, err2 := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		const mib = 1 << 20
		result[int32(pid)] += used * mib
	}
	return result
}
