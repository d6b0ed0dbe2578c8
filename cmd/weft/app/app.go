// Package app wires the weft modules into a single process: a dskit server
// fronting the OTLP ingest pipeline, with the metadata store, overrides,
// admission control and the experiment updater as managed services.
package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/grpcutil"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v2"

	"github.com/weftlabs/weft/modules/admission"
	"github.com/weftlabs/weft/modules/experiments"
	"github.com/weftlabs/weft/modules/ingester"
	"github.com/weftlabs/weft/modules/overrides"
	"github.com/weftlabs/weft/modules/storage"
	"github.com/weftlabs/weft/pkg/auth"
	"github.com/weftlabs/weft/pkg/metadb"
	"github.com/weftlabs/weft/pkg/util/log"
)

const traceServicePrefix = "/opentelemetry.proto.collector.trace.v1.TraceService/"

// App is the root structure of weft.
type App struct {
	cfg Config

	Server *server.Server

	metaDB       *metadb.DB
	authResolver *auth.Resolver
	overrides    *overrides.Overrides
	store        *storage.Store
	admission    *admission.Controller
	experiments  *experiments.Updater
	ingester     *ingester.Ingester

	authInterceptor grpc.UnaryServerInterceptor

	moduleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg: cfg,
	}

	app.setupGRPCAuth()

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager %w", err)
	}

	return app, nil
}

// setupGRPCAuth guards the OTLP trace service with the auth resolver. Other
// gRPC services (health checks) stay open. The interceptor is installed
// before the server exists and resolves the auth module lazily.
func (t *App) setupGRPCAuth() {
	t.cfg.Server.GRPCMiddleware = []grpc.UnaryServerInterceptor{
		func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
			if !strings.HasPrefix(info.FullMethod, traceServicePrefix) {
				return handler(ctx, req)
			}
			if t.authInterceptor == nil {
				return nil, status.Error(codes.Unavailable, "starting up")
			}
			return t.authInterceptor(ctx, req, info, handler)
		},
	}
}

// Run starts, and blocks until a signal is received.
func (t *App) Run() error {
	if !t.moduleManager.IsUserVisibleModule(t.cfg.Target) {
		level.Warn(log.Logger).Log("msg", "selected target is an internal module, is this intended?", "target", t.cfg.Target)
	}

	serviceMap, err := t.moduleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	// before starting servers, register /ready handler and gRPC health check service.
	t.Server.HTTP.Path("/config").Handler(t.configHandler())
	t.Server.HTTP.Path("/ready").Handler(t.readyHandler(sm))
	t.Server.HTTP.Path("/status/pipeline").Handler(t.statusHandler())
	grpc_health_v1.RegisterHealthServer(t.Server.GRPC, grpcutil.NewHealthCheckFrom(grpcutil.WithManager(sm)))

	// Let's listen for events from this manager, and log them.
	healthy := func() { level.Info(log.Logger).Log("msg", "weft started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "weft stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		// let's find out which module failed
		for m, s := range serviceMap {
			if s == service {
				level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}

		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// Setup signal handler. If signal arrives, we stop the manager, which stops all the services.
	handler := signals.NewHandler(t.Server.Log)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	// Start all services. This can really only fail if some service is already
	// in other state than New, which should not be the case.
	err = sm.StartAsync(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			byState := sm.ServicesByState()
			for st, ls := range byState {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

func (t *App) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		msg := bytes.Buffer{}

		names := make([]string, 0, len(t.serviceMap))
		for name := range t.serviceMap {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			msg.WriteString(fmt.Sprintf("%s: %s\n", name, t.serviceMap[name].State()))
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = msg.WriteTo(w)
	}
}
