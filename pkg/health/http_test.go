package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/cogsled/cogsled/pkg/types"
)

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func TestCheckHTTPHealthyNoRegex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}))
	defer server.Close()

	ok := checkHTTP(context.Background(), portOf(t, server.URL), types.HealthCheckConfig{})
	if !ok {
		t.Error("expected healthy")
	}
}

func TestCheckHTTPRegexMustMatchBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("status: booting"))
	}))
	defer server.Close()

	cfg := types.HealthCheckConfig{Regex: "ready"}
	if checkHTTP(context.Background(), portOf(t, server.URL), cfg) {
		t.Error("expected unhealthy, body does not match regex")
	}

	cfg.Regex = "booting"
	if !checkHTTP(context.Background(), portOf(t, server.URL), cfg) {
		t.Error("expected healthy, body matches regex")
	}
}

func TestCheckHTTPConnectionRefused(t *testing.T) {
	if checkHTTP(context.Background(), 1, types.HealthCheckConfig{}) {
		t.Error("expected unhealthy on connection refused")
	}
}

type fakeLogReader struct {
	logs []byte
	err  error
}

func (f *fakeLogReader) Logs(ctx context.Context, containerID string) ([]byte, error) {
	return f.logs, f.err
}

func TestProbeDispatchesByType(t *testing.T) {
	p := New(&fakeLogReader{logs: []byte("server listening on ready\n")})

	svc := types.NewService(types.ServiceConfig{
		HealthCheck: types.HealthCheckConfig{Type: types.HealthCheckNone},
	})
	if !p.Probe(context.Background(), svc) {
		t.Error("none check should always be healthy")
	}

	svc.Config.HealthCheck = types.HealthCheckConfig{Type: types.HealthCheckLog, Regex: "ready"}
	svc.ContainerID = "abc"
	if !p.Probe(context.Background(), svc) {
		t.Error("log check should match regex against logs")
	}

	svc.Config.HealthCheck = types.HealthCheckConfig{Type: types.HealthCheckLog, Regex: "nope"}
	if p.Probe(context.Background(), svc) {
		t.Error("log check should fail when regex does not match")
	}
}
