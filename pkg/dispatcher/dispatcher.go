// Package dispatcher implements the Request Dispatcher: the public HTTP
// front door that reserves a connection slot on a target Service, ensures
// it is RUNNING, forwards the request to its host port, and streams the
// response back.
package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cogsled/cogsled/pkg/log"
	"github.com/cogsled/cogsled/pkg/memprobe"
	"github.com/cogsled/cogsled/pkg/metrics"
	"github.com/cogsled/cogsled/pkg/types"
)

// Registry is the subset of the Service Registry the dispatcher reads.
type Registry interface {
	Get(name string) (*types.Service, bool)
	List() []*types.Service
}

// LifecycleController is the subset of the Lifecycle Controller the
// dispatcher drives per inbound request.
type LifecycleController interface {
	EnsureRunning(ctx context.Context, name string) error
}

// LogReader fetches container logs for the /log/{name} endpoint.
type LogReader interface {
	Logs(ctx context.Context, containerID string) ([]byte, error)
}

// Dispatcher is the Request Dispatcher.
type Dispatcher struct {
	registry Registry
	ctrl     LifecycleController
	runtime  LogReader
	probe    *memprobe.Probe
	auth     Authenticator
	logger   zerolog.Logger

	mux *http.ServeMux
}

// New builds a Dispatcher and wires its routes. auth may be nil, in which
// case every caller is treated as Anonymous.
func New(registry Registry, ctrl LifecycleController, rt LogReader, probe *memprobe.Probe, auth Authenticator) *Dispatcher {
	if auth == nil {
		auth = NewStaticAuthenticator(nil)
	}
	d := &Dispatcher{
		registry: registry,
		ctrl:     ctrl,
		runtime:  rt,
		probe:    probe,
		auth:     auth,
		logger:   log.WithComponent("dispatcher"),
	}
	d.mux = http.NewServeMux()
	d.mux.HandleFunc("/c/{name}/{path...}", d.handleProxy)
	d.mux.HandleFunc("/log/{name}", d.handleLogs)
	d.mux.HandleFunc("/health", d.handleHealth)
	return d
}

// ServeHTTP makes Dispatcher an http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mux.ServeHTTP(w, r)
}

func (d *Dispatcher) handleProxy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	path := r.PathValue("path")
	requestID := uuid.New().String()
	reqLogger := d.logger.With().Str("request_id", requestID).Str("service", name).Logger()

	timer := metrics.NewTimer()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		timer.ObserveDurationVec(metrics.DispatcherRequestDuration, name)
		metrics.DispatcherRequestsTotal.WithLabelValues(name, statusClass(sw.status)).Inc()
		reqLogger.Debug().Int("status", sw.status).Dur("duration", timer.Duration()).Msg("request complete")
	}()

	svc, ok := d.registry.Get(name)
	if !ok {
		http.Error(sw, "service not found", http.StatusNotFound)
		return
	}

	user := d.auth.Authenticate(r)
	if !user.CanAccessService(name, svc.Config.PermissionGroup) {
		http.Error(sw, "permission denied", http.StatusForbidden)
		return
	}

	svc.BumpActivity()
	defer svc.ReleaseActivity()

	if err := d.ctrl.EnsureRunning(r.Context(), name); err != nil {
		if err == types.ErrResourceExhausted {
			http.Error(sw, "resource exhausted", http.StatusServiceUnavailable)
			return
		}
		reqLogger.Warn().Err(err).Msg("ensure_running failed")
		http.Error(sw, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	if svc.Status != types.StatusRunning {
		http.Error(sw, "service not ready", http.StatusServiceUnavailable)
		return
	}

	d.forward(sw, r, svc, path)
}

// statusWriter captures the status code written through it so handleProxy
// can label DispatcherRequestsTotal after the fact, including codes written
// deep inside httputil.ReverseProxy.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush lets statusWriter satisfy http.Flusher by delegating to the
// underlying writer, so httputil.ReverseProxy still streams responses
// instead of buffering them.
func (s *statusWriter) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func statusClass(code int) string {
	switch code / 100 {
	case 2:
		return "2xx"
	case 3:
		return "3xx"
	case 4:
		return "4xx"
	case 5:
		return "5xx"
	default:
		return "other"
	}
}

// forward streams the request to the container's host port via a
// httputil.ReverseProxy built fresh per call (host_port changes across
// restarts, so the proxy cannot be cached on the Service).
func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, svc *types.Service, path string) {
	target, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", svc.HostPort))
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.URL.Path = "/" + strings.TrimPrefix(path, "/")
		req.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		d.logger.Warn().Str("service", svc.Name).Err(err).Msg("upstream forwarding failed")
		http.Error(w, "not found", http.StatusNotFound)
	}
	proxy.ServeHTTP(w, r)
}

func (d *Dispatcher) handleLogs(w http.ResponseWriter, r *http.Request) {
	user := d.auth.Authenticate(r)
	if !user.IsAdmin() && !user.CanAccessLogs {
		http.Error(w, "permission denied", http.StatusForbidden)
		return
	}

	name := r.PathValue("name")
	svc, ok := d.registry.Get(name)
	if !ok || svc.ContainerID == "" {
		http.Error(w, "service not found", http.StatusNotFound)
		return
	}

	data, err := d.runtime.Logs(r.Context(), svc.ContainerID)
	if err != nil {
		if err == types.ErrContainerNotFound {
			http.Error(w, "service not found", http.StatusNotFound)
			return
		}
		d.logger.Warn().Str("service", name).Err(err).Msg("failed to read logs")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

func (d *Dispatcher) handleHealth(w http.ResponseWriter, r *http.Request) {
	user := d.auth.Authenticate(r)
	if !user.IsAdmin() {
		http.Error(w, "permission denied", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	ram := d.probe.SystemRAM()
	fmt.Fprintf(w, "system ram: used=%d free=%d total=%d\n", ram.Used, ram.Free, ram.Total)
	for gpu, info := range d.probe.SystemVRAM() {
		fmt.Fprintf(w, "gpu %d vram: used=%d free=%d total=%d\n", gpu, info.Used, info.Free, info.Total)
	}

	services := d.registry.List()
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	for _, svc := range services {
		fmt.Fprintf(w, "service %s: status=%s device=%d ram=%d vram=%d connections=%d\n",
			svc.Name, svc.Status, svc.Device, svc.RAM, svc.VRAM, svc.Connections())
	}
}

// Server wraps Dispatcher in an http.Server with timeouts appropriate for a
// long-lived streaming proxy: no server-side write timeout, since upstream
// forwarding inherits the client's connection lifetime.
func Server(addr string, d *Dispatcher) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           d,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
