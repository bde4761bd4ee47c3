// Package runtime is the thin, typed wrapper over containerd the rest of
// the system uses: list/get, create-with-spec, stop, remove, logs, and
// status + root pid. Nothing above this package talks to containerd
// directly.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cogsled/cogsled/pkg/log"
	"github.com/cogsled/cogsled/pkg/types"
)

const (
	// Namespace is the containerd namespace this system's containers live in.
	Namespace = "cogsled"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerState mirrors the status_string values the core distinguishes.
type ContainerState string

const (
	StateRunning    ContainerState = "running"
	StateRestarting ContainerState = "restarting"
	StateCreated    ContainerState = "created"
	StateExited     ContainerState = "exited"
	StateUnknown    ContainerState = "unknown"
)

// Info is the record get/list return.
type Info struct {
	ID      string
	Name    string
	State   ContainerState
	RootPID int
}

// Spec describes a container to create. Spec is the only input create()
// needs; everything else about the container (image
// pull, snapshot, task creation) is handled internally.
type Spec struct {
	Name          string
	Image         string
	MemoryLimit   int64 // bytes, 0 = unset
	CpusetCpus    string
	ContainerPort int
	HostPort      int
	Devices       []int // GPU indices, empty = none
	Mounts        []types.Mount
	Environment   map[string]string
}

// Runtime is the Container Runtime Adapter.
type Runtime struct {
	client    *containerd.Client
	namespace string
}

// New connects to containerd at socketPath (DefaultSocketPath if empty).
func New(socketPath string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &Runtime{client: client, namespace: Namespace}, nil
}

// Close closes the containerd client connection.
func (r *Runtime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Runtime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// Get returns the record for a single container. Errors distinguish
// "not found" (types.ErrContainerNotFound) from generic failure.
func (r *Runtime) Get(ctx context.Context, name string) (Info, error) {
	ctx = r.ctx(ctx)
	c, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Info{}, types.ErrContainerNotFound
		}
		return Info{}, fmt.Errorf("load container %s: %w", name, err)
	}
	return r.infoOf(ctx, c), nil
}

// ListAll returns every container this adapter's namespace knows about.
func (r *Runtime) ListAll(ctx context.Context) ([]Info, error) {
	ctx = r.ctx(ctx)
	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	infos := make([]Info, 0, len(containers))
	for _, c := range containers {
		infos = append(infos, r.infoOf(ctx, c))
	}
	return infos, nil
}

func (r *Runtime) infoOf(ctx context.Context, c containerd.Container) Info {
	info := Info{ID: c.ID(), Name: c.ID(), State: StateCreated}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return info
	}
	info.RootPID = int(task.Pid())
	status, err := task.Status(ctx)
	if err != nil {
		return info
	}
	switch status.Status {
	case containerd.Running:
		info.State = StateRunning
	case containerd.Paused:
		info.State = StateRestarting
	case containerd.Stopped:
		info.State = StateExited
	default:
		info.State = StateUnknown
	}
	return info
}

// Create pulls the image if needed, builds the OCI spec from Spec, and
// creates + starts the task, returning the container id. Port exposure is
// implemented with a host-network container plus an iptables REDIRECT rule
// on loopback from HostPort to ContainerPort, so no CNI bridge plugin is
// involved.
func (r *Runtime) Create(ctx context.Context, spec Spec) (string, error) {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("pull image %s: %w", spec.Image, err)
		}
	}

	env := make([]string, 0, len(spec.Environment))
	for k, v := range spec.Environment {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithHostNamespace(specs.NetworkNamespace),
	}

	if spec.MemoryLimit > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryLimit)))
	}
	if spec.CpusetCpus != "" {
		opts = append(opts, oci.WithCPUs(spec.CpusetCpus))
	}
	if len(spec.Devices) > 0 {
		opts = append(opts, withDeviceEnv(spec.Devices))
	}

	var mounts []specs.Mount
	for _, m := range spec.Mounts {
		mountType := "bind"
		options := []string{"rbind"}
		if m.ReadOnly {
			options = append(options, "ro")
		} else {
			options = append(options, "rw")
		}
		if m.Type == "volume" {
			mountType = "bind" // named volumes are bind-mounted from Source as given; no host directory is created for them
		}
		mounts = append(mounts, specs.Mount{
			Source:      m.Source,
			Destination: m.Target,
			Type:        mountType,
			Options:     options,
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	if err := os.MkdirAll("/var/log/cogsled", 0o755); err != nil {
		return "", fmt.Errorf("prepare log directory: %w", err)
	}
	task, err := container.NewTask(ctx, cio.LogFile(logPath(spec.Name)))
	if err != nil {
		return "", fmt.Errorf("create task for %s: %w", spec.Name, err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("start task for %s: %w", spec.Name, err)
	}

	if spec.HostPort != 0 && spec.ContainerPort != 0 {
		if err := publishPort(int(task.Pid()), spec.HostPort, spec.ContainerPort); err != nil {
			log.WithComponent("runtime").Warn().Err(err).
				Str("container", spec.Name).Msg("failed to publish host port")
		}
	}

	return container.ID(), nil
}

// withDeviceEnv exposes the requested GPU indices the way NVIDIA's
// container runtime does: via NVIDIA_VISIBLE_DEVICES, so a GPU-aware image
// entrypoint picks them up without this adapter depending on a GPU SDK.
func withDeviceEnv(devices []int) oci.SpecOpts {
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = strconv.Itoa(d)
	}
	return oci.WithEnv([]string{"NVIDIA_VISIBLE_DEVICES=" + strings.Join(ids, ",")})
}

// Stop sends SIGTERM, waits up to timeout, then SIGKILLs and deletes the
// task. Errors are returned for the caller to log and swallow per the
// error-handling policy; a missing container or task is not an error.
func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx = r.ctx(ctx)
	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("load container %s: %w", id, err)
	}

	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for task %s: %w", id, err)
	}

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("kill task %s: %w", id, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force kill task %s: %w", id, err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// Remove force-removes a container and its snapshot, stopping it first if
// it's still running.
func (r *Runtime) Remove(ctx context.Context, name string, force bool) error {
	ctx = r.ctx(ctx)
	c, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("load container %s: %w", name, err)
	}

	if force {
		if err := r.Stop(ctx, name, 5*time.Second); err != nil {
			log.WithComponent("runtime").Warn().Err(err).Str("container", name).
				Msg("stop before remove failed, continuing")
		}
	}

	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container %s: %w", name, err)
	}
	return nil
}

// Logs returns the concatenated stdout+stderr captured for a container.
func (r *Runtime) Logs(ctx context.Context, containerID string) ([]byte, error) {
	ctx = r.ctx(ctx)
	_, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, types.ErrContainerNotFound
		}
		return nil, fmt.Errorf("load container %s: %w", containerID, err)
	}
	data, err := os.ReadFile(logPath(containerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read logs for %s: %w", containerID, err)
	}
	return data, nil
}

func logPath(containerID string) string {
	return "/var/log/cogsled/" + containerID + ".log"
}

// IsRunning reports whether a container state counts as "running" for drift
// reconciliation: actively running, mid-restart, or just created and not yet
// drifted to exited. Shared by the Monitor Loop so the running/not-running
// boundary lives in one place instead of being reimplemented per caller.
func IsRunning(state ContainerState) bool {
	return state == StateRunning || state == StateRestarting || state == StateCreated
}

// IsRunning refetches a container's state and reports whether it counts as
// running per the package-level IsRunning (running, restarting, or created). Callers that already hold an Info from ListAll
// should use the package-level IsRunning against its State field instead.
func (r *Runtime) IsRunning(ctx context.Context, containerID string) bool {
	info, err := r.Get(ctx, containerID)
	if err != nil {
		return false
	}
	return IsRunning(info.State)
}

// publishPort redirects loopback traffic for hostPort to containerPort
// inside the container's (shared host) network namespace. Because containers here run
// with oci.WithHostNamespace(NetworkNamespace), the container listens
// directly on containerPort inside the host's network stack; exposing it
// at hostPort is a local port redirect via iptables, not a bridge NAT.
func publishPort(pid, hostPort, containerPort int) error {
	if hostPort == containerPort {
		return nil
	}
	rule := []string{
		"-t", "nat", "-A", "OUTPUT",
		"-p", "tcp", "-o", "lo",
		"--dport", strconv.Itoa(hostPort),
		"-j", "REDIRECT", "--to-port", strconv.Itoa(containerPort),
	}
	return runIPTables(rule)
}

func runIPTables(args []string) error {
	cmd := exec.Command("iptables", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("iptables %s: %w (%s)", strings.Join(args, " "), err, stderr.String())
	}
	return nil
}
