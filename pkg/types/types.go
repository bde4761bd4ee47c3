package types

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Well-known error kinds surfaced to callers per the error handling policy:
// NotFound, PermissionDenied and ResourceExhausted are distinguished so the
// dispatcher can map them to the right HTTP status without inspecting
// message text.
var (
	ErrServiceNotFound   = errors.New("service not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrContainerNotFound = errors.New("container not found")
)

// Status is the lifecycle state of a Service.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// HealthCheckType selects the readiness strategy the health prober runs
// while a service is STARTING.
type HealthCheckType string

const (
	HealthCheckNone HealthCheckType = "none"
	HealthCheckHTTP HealthCheckType = "http"
	HealthCheckLog  HealthCheckType = "log"
)

// HealthCheckConfig describes how to decide a just-started container is ready.
type HealthCheckConfig struct {
	Type  HealthCheckType
	URL   string // path, used when Type == HealthCheckHTTP
	Regex string // optional; empty means "any response/log counts"
}

// Mount is a single resolved mount descriptor: either a bind mount
// (Source non-empty) or a named volume (Source holds the derived volume
// name, Type == "volume").
type Mount struct {
	Source   string
	Target   string
	Type     string // "bind" or "volume"
	ReadOnly bool
}

// ServiceConfig is the immutable-per-revision configuration for a service,
// the shape the Catalog stores and the Registry turns into a Service.
type ServiceConfig struct {
	Name             string
	Image            string
	MaxRAM           string // human-readable size, e.g. "4G", "512Mi"
	MaxVRAM          string
	UseCPU           bool
	UseGPU           bool
	MaxBootTime      int // seconds
	IdleTimeout      int // seconds
	HealthCheck      HealthCheckConfig
	Port             int      // container-internal port exposed to the dispatcher
	Mounts           []string // raw descriptors, see ParseMount
	Environment      []string // raw "KEY=VALUE" lines
	CpusetCpus       string
	PermissionGroup  string
}

// ContainerName derives the runtime container name for a service name:
// lowercased, "ca_" prefixed, non [a-z0-9_.-] characters replaced with '-',
// leading/trailing '-'/'.' stripped, truncated to 255 bytes. Idempotent:
// applying it to an already-derived name returns the same name.
var containerNameDisallowed = regexp.MustCompile(`[^a-z0-9_.-]`)
var containerNameTrim = regexp.MustCompile(`^[-.]+|[-.]+$`)

func ContainerName(name string) string {
	n := strings.ToLower(name)
	n = containerNameDisallowed.ReplaceAllString(n, "-")
	n = containerNameTrim.ReplaceAllString(n, "")
	if !strings.HasPrefix(n, "ca_") {
		n = "ca_" + n
	}
	if len(n) > 255 {
		n = n[:255]
	}
	return n
}

// IsManagedContainer reports whether a runtime container name belongs to
// this system's namespace and is therefore a garbage-collection candidate
// when unknown to the registry.
func IsManagedContainer(name string) bool {
	return strings.HasPrefix(name, "ca_")
}

// VolumeNameForTarget derives the deterministic named-volume name for a
// bare mount target: ca_<containerName>_<md5(target)>.
func VolumeNameForTarget(containerName, target string) string {
	sum := md5.Sum([]byte(target))
	return fmt.Sprintf("ca_%s_%s", containerName, hex.EncodeToString(sum[:]))
}

// ParseMount turns one mount descriptor line into a Mount.
//
//	"src:dst[:ro]" -> bind mount
//	"dst"          -> named volume "ca_<containerName>_<md5(dst)>"
func ParseMount(descriptor, containerName string) (Mount, error) {
	parts := strings.Split(descriptor, ":")
	switch len(parts) {
	case 1:
		target := parts[0]
		if target == "" {
			return Mount{}, fmt.Errorf("empty mount descriptor")
		}
		return Mount{
			Source: VolumeNameForTarget(containerName, target),
			Target: target,
			Type:   "volume",
		}, nil
	case 2, 3:
		source, target := parts[0], parts[1]
		if source == "" || target == "" {
			return Mount{}, fmt.Errorf("invalid mount descriptor %q", descriptor)
		}
		readOnly := false
		if len(parts) == 3 {
			if parts[2] != "ro" {
				return Mount{}, fmt.Errorf("invalid mount descriptor %q: unknown option %q", descriptor, parts[2])
			}
			readOnly = true
		}
		return Mount{Source: source, Target: target, Type: "bind", ReadOnly: readOnly}, nil
	default:
		return Mount{}, fmt.Errorf("invalid mount descriptor %q", descriptor)
	}
}

// ParseEnvironment turns "KEY=VALUE" lines into a map, trimming whitespace
// and silently dropping blank or malformed lines.
func ParseEnvironment(lines []string) map[string]string {
	env := make(map[string]string, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

var sizeSuffix = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([a-zA-Z]*)$`)

// ParseSize parses a human-readable byte size with a decimal (k/m/g/t,
// powers of 10) or binary (Ki/Mi/Gi/Ti, powers of 2) suffix. A suffixless
// value is bytes. An empty string parses to 0.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	m := sizeSuffix.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	unit := m[2]
	var multiplier float64
	switch unit {
	case "", "b", "B":
		multiplier = 1
	case "k", "K":
		multiplier = 1e3
	case "m", "M":
		multiplier = 1e6
	case "g", "G":
		multiplier = 1e9
	case "t", "T":
		multiplier = 1e12
	case "Ki", "ki", "KI":
		multiplier = 1 << 10
	case "Mi", "mi", "MI":
		multiplier = 1 << 20
	case "Gi", "gi", "GI":
		multiplier = 1 << 30
	case "Ti", "ti", "TI":
		multiplier = 1 << 40
	default:
		return 0, fmt.Errorf("invalid size suffix %q in %q", unit, s)
	}
	return int64(value * multiplier), nil
}
