package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cogsled/cogsled/pkg/memprobe"
	"github.com/cogsled/cogsled/pkg/types"
)

type fakeRegistry struct {
	services map[string]*types.Service
}

func (f *fakeRegistry) Get(name string) (*types.Service, bool) {
	svc, ok := f.services[name]
	return svc, ok
}

func (f *fakeRegistry) List() []*types.Service {
	out := make([]*types.Service, 0, len(f.services))
	for _, svc := range f.services {
		out = append(out, svc)
	}
	return out
}

type fakeController struct {
	err error
}

func (f *fakeController) EnsureRunning(ctx context.Context, name string) error {
	return f.err
}

type fakeLogReader struct {
	logs []byte
	err  error
}

func (f *fakeLogReader) Logs(ctx context.Context, containerID string) ([]byte, error) {
	return f.logs, f.err
}

func TestHandleProxyReturns404ForUnknownService(t *testing.T) {
	d := New(&fakeRegistry{services: map[string]*types.Service{}}, &fakeController{}, &fakeLogReader{}, memprobe.New(), nil)

	req := httptest.NewRequest(http.MethodGet, "/c/missing/ping", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandleProxyReturns403WhenPermissionGroupMissing(t *testing.T) {
	svc := types.NewService(types.ServiceConfig{Name: "svc_a", PermissionGroup: "premium"})
	d := New(&fakeRegistry{services: map[string]*types.Service{"svc_a": svc}}, &fakeController{}, &fakeLogReader{}, memprobe.New(), nil)

	req := httptest.NewRequest(http.MethodGet, "/c/svc_a/ping", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandleProxyAllowsAdminRegardlessOfGroup(t *testing.T) {
	svc := types.NewService(types.ServiceConfig{Name: "svc_a", PermissionGroup: "premium", MaxBootTime: 1})
	svc.Status = types.StatusRunning

	auth := NewStaticAuthenticator(map[string]User{"admintoken": {Name: "root", Groups: []string{"admin"}}})
	d := New(&fakeRegistry{services: map[string]*types.Service{"svc_a": svc}}, &fakeController{}, &fakeLogReader{}, memprobe.New(), auth)

	req := httptest.NewRequest(http.MethodGet, "/c/svc_a/ping", nil)
	req.Header.Set("Authorization", "Bearer admintoken")
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	// svc.HostPort is 0 (nothing listening), so forwarding itself fails, but
	// it must get past the permission gate -- asserting not-403 is the point.
	if rec.Code == http.StatusForbidden {
		t.Error("expected admin to bypass the permission group gate")
	}
}

func TestHandleProxyResourceExhaustedMapsTo503(t *testing.T) {
	svc := types.NewService(types.ServiceConfig{Name: "svc_a"})
	d := New(&fakeRegistry{services: map[string]*types.Service{"svc_a": svc}}, &fakeController{err: types.ErrResourceExhausted}, &fakeLogReader{}, memprobe.New(), nil)

	req := httptest.NewRequest(http.MethodGet, "/c/svc_a/ping", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if svc.Connections() != 0 {
		t.Errorf("expected connections decremented on exit, got %d", svc.Connections())
	}
}

func TestHandleLogsRequiresAdminOrLogPermission(t *testing.T) {
	svc := types.NewService(types.ServiceConfig{Name: "svc_a"})
	svc.ContainerID = "abc"
	d := New(&fakeRegistry{services: map[string]*types.Service{"svc_a": svc}}, &fakeController{}, &fakeLogReader{logs: []byte("hello")}, memprobe.New(), nil)

	req := httptest.NewRequest(http.MethodGet, "/log/svc_a", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for anonymous, got %d", rec.Code)
	}

	auth := NewStaticAuthenticator(map[string]User{"logtoken": {Name: "ops", CanAccessLogs: true}})
	d2 := New(&fakeRegistry{services: map[string]*types.Service{"svc_a": svc}}, &fakeController{}, &fakeLogReader{logs: []byte("hello")}, memprobe.New(), auth)
	req2 := httptest.NewRequest(http.MethodGet, "/log/svc_a", nil)
	req2.Header.Set("Authorization", "Bearer logtoken")
	rec2 := httptest.NewRecorder()
	d2.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Errorf("expected 200 for a log-permitted caller, got %d", rec2.Code)
	}
	if rec2.Body.String() != "hello" {
		t.Errorf("expected log body to be streamed verbatim, got %q", rec2.Body.String())
	}
}

func TestHandleHealthRequiresAdmin(t *testing.T) {
	d := New(&fakeRegistry{services: map[string]*types.Service{}}, &fakeController{}, &fakeLogReader{}, memprobe.New(), nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for anonymous caller, got %d", rec.Code)
	}
}
