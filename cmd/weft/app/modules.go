package app

import (
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/weftlabs/weft/modules/admission"
	"github.com/weftlabs/weft/modules/experiments"
	"github.com/weftlabs/weft/modules/ingester"
	"github.com/weftlabs/weft/modules/overrides"
	"github.com/weftlabs/weft/modules/storage"
	"github.com/weftlabs/weft/pkg/auth"
	"github.com/weftlabs/weft/pkg/cost"
	"github.com/weftlabs/weft/pkg/counter"
	"github.com/weftlabs/weft/pkg/metadb"
	"github.com/weftlabs/weft/pkg/pricing"
	"github.com/weftlabs/weft/pkg/util/log"
)

// The various modules that make up weft.
const (
	Server        string = "server"
	MetadataStore string = "metadata-store"
	Auth          string = "auth"
	Overrides     string = "overrides"
	SpanStore     string = "span-store"
	Admission     string = "admission"
	Experiments   string = "experiments"
	Ingester      string = "ingester"
	All           string = "all"
)

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true

	DisableSignalHandling(&t.cfg.Server)

	serv, err := server.New(t.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to create server %w", err)
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	t.Server = serv
	s := NewServerService(serv, servicesToWaitFor)

	return s, nil
}

func (t *App) initMetadataStore() (services.Service, error) {
	db, err := metadb.Open(t.cfg.MetaDB, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store %w", err)
	}
	t.metaDB = db

	return services.NewIdleService(nil, func(_ error) error {
		return db.Close()
	}), nil
}

func (t *App) initAuth() (services.Service, error) {
	t.authResolver = auth.NewResolver(t.cfg.Auth, t.metaDB, log.Logger)
	t.authInterceptor = t.authResolver.UnaryInterceptor(auth.IngestRoles...)

	if t.cfg.Auth.Disabled {
		level.Warn(log.Logger).Log("msg", "authentication is disabled, all requests run as the default tenant",
			"tenant", t.cfg.Auth.DefaultTenant)
	}

	return services.NewIdleService(nil, nil), nil
}

func (t *App) initOverrides() (services.Service, error) {
	o := overrides.New(t.cfg.Overrides, t.metaDB, log.Logger)
	t.overrides = o

	prometheus.MustRegister(o)

	return o, nil
}

func (t *App) initSpanStore() (services.Service, error) {
	store, err := storage.NewStore(t.cfg.SpanStore, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create span store %w", err)
	}
	t.store = store

	return store, nil
}

func (t *App) initAdmission() (services.Service, error) {
	var ctr counter.Store = counter.Noop{}
	if t.cfg.Admission.Redis.Endpoint != "" {
		ctr = counter.NewRedisStore(t.cfg.Admission.Redis, log.Logger)
	} else {
		level.Warn(log.Logger).Log("msg", "no redis endpoint configured, rate limiting is disabled")
	}

	t.admission = admission.New(t.cfg.Admission, ctr, t.metaDB, log.Logger)

	return t.admission, nil
}

func (t *App) initExperiments() (services.Service, error) {
	t.experiments = experiments.New(t.cfg.Experiments, t.metaDB, log.Logger)

	return t.experiments, nil
}

func (t *App) initIngester() (services.Service, error) {
	costs := cost.NewAttributor(t.pricingTable(), log.Logger)

	ing := ingester.New(t.cfg.Ingester, t.store, t.overrides, t.admission, costs, t.experiments, log.Logger)
	t.ingester = ing

	t.Server.HTTP.Handle("/v1/traces", t.authResolver.Wrap(ing.ExportHTTPHandler(), auth.IngestRoles...)).Methods(http.MethodPost)
	coltracepb.RegisterTraceServiceServer(t.Server.GRPC, ing)

	return ing, nil
}

// pricingTable loads the configured pricing CSV, falling back to the
// embedded table. A broken file disables cost attribution instead of
// refusing to start.
func (t *App) pricingTable() *pricing.Table {
	if t.cfg.PricingFile == "" {
		return pricing.Default()
	}
	table, err := pricing.Load(t.cfg.PricingFile)
	if err != nil {
		level.Warn(log.Logger).Log("msg", "failed to load pricing file, cost attribution disabled",
			"file", t.cfg.PricingFile, "err", err)
		return nil
	}
	return table
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(MetadataStore, t.initMetadataStore, modules.UserInvisibleModule)
	mm.RegisterModule(Auth, t.initAuth, modules.UserInvisibleModule)
	mm.RegisterModule(Overrides, t.initOverrides, modules.UserInvisibleModule)
	mm.RegisterModule(SpanStore, t.initSpanStore, modules.UserInvisibleModule)
	mm.RegisterModule(Admission, t.initAdmission, modules.UserInvisibleModule)
	mm.RegisterModule(Experiments, t.initExperiments, modules.UserInvisibleModule)
	mm.RegisterModule(Ingester, t.initIngester)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		Auth:        {MetadataStore},
		Overrides:   {MetadataStore},
		Admission:   {MetadataStore},
		Experiments: {MetadataStore},
		Ingester:    {Server, Auth, Overrides, SpanStore, Admission, Experiments},
		All:         {Ingester},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.moduleManager = mm

	return nil
}
