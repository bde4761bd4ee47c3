package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/cogsled/cogsled/pkg/runtime"
	"github.com/cogsled/cogsled/pkg/types"
)

type fakeRegistry struct {
	services map[string]*types.Service
}

func (f *fakeRegistry) Get(name string) (*types.Service, bool) {
	svc, ok := f.services[name]
	return svc, ok
}

type fakeAllocator struct {
	device int
	err    error
}

func (f *fakeAllocator) Allocate(useCPU, useGPU bool, requiredRAM, requiredVRAM int64) (int, error) {
	return f.device, f.err
}

type fakeRuntime struct {
	createCalls int
	info        runtime.Info
}

func (f *fakeRuntime) Get(ctx context.Context, name string) (runtime.Info, error) {
	return f.info, nil
}

func (f *fakeRuntime) Create(ctx context.Context, spec runtime.Spec) (string, error) {
	f.createCalls++
	return "container-id", nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, name string, force bool) error {
	return nil
}

type fakeProber struct {
	healthyAfter int
	calls        int
}

func (f *fakeProber) Probe(ctx context.Context, svc *types.Service) bool {
	f.calls++
	return f.calls > f.healthyAfter
}

func newTestController(svc *types.Service, prober *fakeProber) (*Controller, *fakeRuntime) {
	reg := &fakeRegistry{services: map[string]*types.Service{svc.Name: svc}}
	alloc := &fakeAllocator{device: -1}
	rt := &fakeRuntime{info: runtime.Info{RootPID: 42}}
	return New(reg, rt, alloc, prober), rt
}

func TestEnsureRunningStartsAStoppedService(t *testing.T) {
	svc := types.NewService(types.ServiceConfig{Name: "svc_a", UseCPU: true, MaxBootTime: 5})
	ctrl, rt := newTestController(svc, &fakeProber{healthyAfter: 0})

	if err := ctrl.EnsureRunning(context.Background(), "svc_a"); err != nil {
		t.Fatal(err)
	}
	if svc.Status != types.StatusRunning {
		t.Errorf("expected RUNNING, got %s", svc.Status)
	}
	if rt.createCalls != 1 {
		t.Errorf("expected exactly one container create, got %d", rt.createCalls)
	}
}

func TestEnsureRunningReturnsImmediatelyWhenAlreadyRunning(t *testing.T) {
	svc := types.NewService(types.ServiceConfig{Name: "svc_a", UseCPU: true})
	svc.Status = types.StatusRunning
	ctrl, rt := newTestController(svc, &fakeProber{})

	if err := ctrl.EnsureRunning(context.Background(), "svc_a"); err != nil {
		t.Fatal(err)
	}
	if rt.createCalls != 0 {
		t.Error("expected no container create for an already-running service")
	}
}

func TestEnsureRunningUnknownServiceIsNotFound(t *testing.T) {
	ctrl, _ := newTestController(types.NewService(types.ServiceConfig{Name: "svc_a"}), &fakeProber{})
	err := ctrl.EnsureRunning(context.Background(), "does-not-exist")
	if err != types.ErrServiceNotFound {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestEnsureRunningPropagatesResourceExhausted(t *testing.T) {
	svc := types.NewService(types.ServiceConfig{Name: "svc_a", UseCPU: true, MaxBootTime: 1})
	reg := &fakeRegistry{services: map[string]*types.Service{"svc_a": svc}}
	alloc := &fakeAllocator{err: types.ErrResourceExhausted}
	rt := &fakeRuntime{}
	ctrl := New(reg, rt, alloc, &fakeProber{})

	err := ctrl.EnsureRunning(context.Background(), "svc_a")
	if err != types.ErrResourceExhausted {
		t.Errorf("expected ErrResourceExhausted, got %v", err)
	}
	if svc.Status != types.StatusStopped {
		t.Errorf("expected service to remain STOPPED after ResourceExhausted, got %s", svc.Status)
	}
}

func TestStopDrainsConnectionsBeforeStopping(t *testing.T) {
	svc := types.NewService(types.ServiceConfig{Name: "svc_a"})
	svc.Status = types.StatusRunning
	svc.BumpActivity()

	ctrl, _ := newTestController(svc, &fakeProber{})

	done := make(chan error, 1)
	go func() { done <- ctrl.Stop("svc_a") }()

	// Give Stop a moment to observe the live connection and flip to STOPPING.
	time.Sleep(50 * time.Millisecond)
	if svc.Status != types.StatusStopping {
		t.Errorf("expected STOPPING while a connection is live, got %s", svc.Status)
	}

	svc.ReleaseActivity()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after connections drained")
	}
	if svc.Status != types.StatusStopped {
		t.Errorf("expected STOPPED, got %s", svc.Status)
	}
	if svc.Connections() != 0 {
		t.Errorf("expected connections to be 0, got %d", svc.Connections())
	}
}

func TestStopOnAlreadyStoppedServiceIsANoop(t *testing.T) {
	svc := types.NewService(types.ServiceConfig{Name: "svc_a"})
	ctrl, _ := newTestController(svc, &fakeProber{})
	if err := ctrl.Stop("svc_a"); err != nil {
		t.Fatal(err)
	}
	if svc.Status != types.StatusStopped {
		t.Errorf("expected STOPPED, got %s", svc.Status)
	}
}
