package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cogsled/cogsled/pkg/allocator"
	"github.com/cogsled/cogsled/pkg/dispatcher"
	"github.com/cogsled/cogsled/pkg/health"
	"github.com/cogsled/cogsled/pkg/lifecycle"
	"github.com/cogsled/cogsled/pkg/log"
	"github.com/cogsled/cogsled/pkg/memprobe"
	"github.com/cogsled/cogsled/pkg/metrics"
	"github.com/cogsled/cogsled/pkg/reconciler"
	"github.com/cogsled/cogsled/pkg/registry"
	"github.com/cogsled/cogsled/pkg/runtime"
	"github.com/cogsled/cogsled/pkg/storage"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cogsled",
	Short: "cogsled is an on-demand orchestrator for heavyweight inference services",
	Long: `cogsled runs as a single process on one host, holding every configured
service STOPPED until the first request arrives. It allocates CPU or GPU
devices to services on demand, evicts lower-priority services under
resource pressure, proxies requests transparently, and idle-reaps services
that go quiet.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("cogsled version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher, lifecycle controller, and monitor loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		listenAddr, _ := cmd.Flags().GetString("listen")
		metricsAddr, _ := cmd.Flags().GetString("metrics-listen")
		catalogPath, _ := cmd.Flags().GetString("catalog")
		containerdSocket, _ := cmd.Flags().GetString("containerd-socket")

		logger := log.WithComponent("serve")

		catalog, err := openCatalog(catalogPath)
		if err != nil {
			return fmt.Errorf("open catalog %s: %w", catalogPath, err)
		}
		defer catalog.Close()

		rt, err := runtime.New(containerdSocket)
		if err != nil {
			return fmt.Errorf("connect to containerd at %s: %w", containerdSocket, err)
		}
		defer rt.Close()

		probe := memprobe.New()
		reg := registry.New(catalog)
		if err := reg.Refresh(noopStopper{}); err != nil {
			return fmt.Errorf("initial catalog load: %w", err)
		}

		prober := health.New(rt)

		// allocator and controller are mutually dependent (the allocator
		// evicts through the controller, the controller allocates through
		// the allocator). lazyEvictor breaks the cycle: the allocator gets
		// one immediately and it starts forwarding once ctrl is set below.
		lazy := &lazyEvictor{}
		alloc := allocator.New(probe, reg, lazy)
		ctrl := lifecycle.New(reg, rt, alloc, prober)
		lazy.ctrl = ctrl

		recon := reconciler.New(reg, ctrl, rt, probe)
		recon.Start()
		defer recon.Stop()

		auth := buildAuthenticator(cmd)
		d := dispatcher.New(reg, ctrl, rt, probe, auth)
		server := dispatcher.Server(listenAddr, d)

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			metricsServer := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server exited")
			}
		}()

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		logger.Info().Str("listen", listenAddr).Str("metrics", metricsAddr).Str("catalog", catalogPath).
			Msg("cogsled dispatcher serving")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutdown signal received")
		case err := <-errCh:
			logger.Error().Err(err).Msg("dispatcher server failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("dispatcher graceful shutdown failed")
		}

		for _, svc := range reg.List() {
			if err := ctrl.Stop(svc.Name); err != nil {
				logger.Warn().Str("service", svc.Name).Err(err).Msg("shutdown stop failed")
			}
		}

		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", "0.0.0.0:8080", "Dispatcher listen address")
	serveCmd.Flags().String("metrics-listen", "127.0.0.1:9090", "Prometheus metrics listen address")
	serveCmd.Flags().String("catalog", "/var/lib/cogsled/catalog.db", "Service catalog path (.db uses bbolt, .yaml/.yml uses the flat-file catalog)")
	serveCmd.Flags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd gRPC socket path")
	serveCmd.Flags().StringToString("token", nil, "token=user:group1,group2 pairs granting dispatcher access (repeatable)")
	serveCmd.Flags().StringSlice("admin-token", nil, "tokens granted the admin group, bypassing per-service permission checks")
}

// openCatalog picks the Catalog implementation by file extension: bbolt for
// anything else, the flat YAML catalog for .yaml/.yml, so a single file can
// be hand-edited by an operator without a bbolt client.
func openCatalog(path string) (storage.Catalog, error) {
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		return storage.OpenFile(path), nil
	}
	return storage.OpenBolt(path)
}

// buildAuthenticator turns --token and --admin-token flags into a
// dispatcher.StaticAuthenticator. With no tokens configured every caller is
// Anonymous, since StaticAuthenticator returns Anonymous for any token not in
// its map.
func buildAuthenticator(cmd *cobra.Command) *dispatcher.StaticAuthenticator {
	tokenFlags, _ := cmd.Flags().GetStringToString("token")
	adminTokens, _ := cmd.Flags().GetStringSlice("admin-token")

	users := make(map[string]dispatcher.User, len(tokenFlags)+len(adminTokens))
	for token, spec := range tokenFlags {
		name, groups, _ := strings.Cut(spec, ":")
		users[token] = dispatcher.User{
			Name:          name,
			Groups:        strings.Split(groups, ","),
			CanColdStart:  true,
			CanAccessLogs: false,
		}
	}
	for _, token := range adminTokens {
		users[token] = dispatcher.User{Name: "admin", Groups: []string{"admin"}, CanColdStart: true, CanAccessLogs: true}
	}
	return dispatcher.NewStaticAuthenticator(users)
}

// noopStopper satisfies registry.Stopper for the one-shot initial load,
// where the catalog has nothing registered yet to drop.
type noopStopper struct{}

func (noopStopper) Stop(name string) error { return nil }

// lazyEvictor satisfies allocator.Evictor before the Lifecycle Controller it
// forwards to exists yet.
type lazyEvictor struct {
	ctrl *lifecycle.Controller
}

func (e *lazyEvictor) Stop(name string) error { return e.ctrl.Stop(name) }
