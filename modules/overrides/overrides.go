// Package overrides resolves per-tenant limits from the metadata store, with
// a deployment-wide default for tenants that carry none.
package overrides

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weftlabs/weft/pkg/metadb"
)

const MetricRateLimitPerHour = "rate_limit_per_hour"

var metricLimitsDesc = prometheus.NewDesc(
	"weft_limits_defaults",
	"Default resource limits",
	[]string{"limit_name"},
	nil,
)

type Config struct {
	DefaultRateLimitPerHour int           `yaml:"default_rate_limit_per_hour"`
	CacheTTL                time.Duration `yaml:"cache_ttl"`
	CacheSize               int           `yaml:"cache_size"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.DefaultRateLimitPerHour, prefix+".default-rate-limit-per-hour", 1000, "Spans per hour admitted for tenants without a configured limit.")
	f.DurationVar(&cfg.CacheTTL, prefix+".cache-ttl", time.Minute, "How long tenant limits are cached.")
	f.IntVar(&cfg.CacheSize, prefix+".cache-size", 10000, "Maximum number of cached tenant limits.")
}

// Interface is what the ingest path consumes.
type Interface interface {
	RateLimitPerHour(ctx context.Context, tenant string) int
}

// TenantReader is the slice of the metadata store overrides needs.
type TenantReader interface {
	TenantByID(ctx context.Context, id string) (*metadb.Tenant, error)
}

// Overrides serves tenant limits. Lookups are cached; a failed lookup falls
// back to the default so the write path never blocks on the metadata store.
type Overrides struct {
	services.Service

	cfg     Config
	tenants TenantReader
	cache   *expirable.LRU[string, int]
	logger  log.Logger
}

func New(cfg Config, tenants TenantReader, logger log.Logger) *Overrides {
	o := &Overrides{
		cfg:     cfg,
		tenants: tenants,
		cache:   expirable.NewLRU[string, int](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:  logger,
	}
	o.Service = services.NewIdleService(nil, nil)
	return o
}

func (o *Overrides) RateLimitPerHour(ctx context.Context, tenant string) int {
	if limit, ok := o.cache.Get(tenant); ok {
		return limit
	}

	limit := o.cfg.DefaultRateLimitPerHour
	row, err := o.tenants.TenantByID(ctx, tenant)
	switch {
	case errors.Is(err, metadb.ErrNotFound):
		// unknown tenants get the default; do not cache absence forever
	case err != nil:
		level.Warn(o.logger).Log("msg", "tenant limit lookup failed, using default", "tenant", tenant, "err", err)
		return limit
	case row.RateLimitPerHour > 0:
		limit = row.RateLimitPerHour
	}

	o.cache.Add(tenant, limit)
	return limit
}

func (o *Overrides) Describe(ch chan<- *prometheus.Desc) {
	ch <- metricLimitsDesc
}

func (o *Overrides) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(metricLimitsDesc, prometheus.GaugeValue, float64(o.cfg.DefaultRateLimitPerHour), MetricRateLimitPerHour)
}

var _ Interface = (*Overrides)(nil)
var _ prometheus.Collector = (*Overrides)(nil)
