// Package admission decides whether an ingest request is within its tenant's
// hourly rate limit. The counter store is advisory: if it cannot answer in
// time the request is admitted, because dropping spans over a bookkeeping
// outage is the worse failure.
package admission

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/weftlabs/weft/pkg/counter"
)

var (
	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "admission_rejected_total",
		Help:      "Requests rejected by the rate limiter.",
	}, []string{"tenant"})
	metricUndecided = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "admission_undecided_total",
		Help:      "Admission checks that failed open because the counter store did not answer.",
	}, []string{"tenant"})
	metricEventFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "admission_event_failures_total",
		Help:      "Rate-limit events that could not be appended.",
	})
)

type Config struct {
	// Deadline bounds each counter-store call. Keep it well under the
	// request timeout; an unreachable store must not stall ingest.
	Deadline time.Duration       `yaml:"deadline"`
	Redis    counter.RedisConfig `yaml:"redis"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.Deadline, prefix+".deadline", 300*time.Millisecond, "Deadline for each admission check.")
	cfg.Redis.RegisterFlagsAndApplyDefaults(prefix+".redis", f)
}

// EventAppender records rejections durably.
type EventAppender interface {
	AppendRateLimitEvent(ctx context.Context, tenant string, at time.Time) error
}

// Controller answers admission checks and records usage.
type Controller struct {
	services.Service

	cfg    Config
	store  counter.Store
	events EventAppender
	logger log.Logger

	now     func() time.Time
	pending sync.WaitGroup
}

// New builds a controller over the given counter store. Pass counter.Noop{}
// when no Redis endpoint is configured.
func New(cfg Config, store counter.Store, events EventAppender, logger log.Logger) *Controller {
	c := &Controller{
		cfg:    cfg,
		store:  store,
		events: events,
		logger: logger,
		now:    time.Now,
	}
	c.Service = services.NewIdleService(nil, c.stopping)
	return c
}

func (c *Controller) stopping(_ error) error {
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		level.Warn(c.logger).Log("msg", "timed out waiting for rate-limit event writes")
	}
	return nil
}

// Admit checks the tenant against its limit. A nil decision means the
// counter store could not answer and the request should be admitted.
// Rejections are recorded durably off the request path.
func (c *Controller) Admit(ctx context.Context, tenant string, limit int) *counter.Decision {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	defer cancel()

	decision, err := c.store.Check(ctx, tenant, limit)
	if err != nil {
		metricUndecided.WithLabelValues(tenant).Inc()
		level.Warn(c.logger).Log("msg", "admission check failed open", "tenant", tenant, "err", err)
		return nil
	}
	if decision == nil {
		return nil
	}

	if !decision.Allowed {
		metricRejected.WithLabelValues(tenant).Inc()
		c.appendEvent(tenant)
	}
	return decision
}

// appendEvent writes the rejection record without holding up the response.
func (c *Controller) appendEvent(tenant string) {
	at := c.now()
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		if err := c.events.AppendRateLimitEvent(ctx, tenant, at); err != nil {
			metricEventFailures.Inc()
			level.Error(c.logger).Log("msg", "failed to append rate-limit event", "tenant", tenant, "err", err)
		}
	}()
}

// RecordUsage adds n spans to the tenant's usage tally. Failures are
// swallowed; usage is billing telemetry, not correctness.
func (c *Controller) RecordUsage(ctx context.Context, tenant string, n int64) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	defer cancel()

	if err := c.store.Record(ctx, tenant, n); err != nil {
		level.Debug(c.logger).Log("msg", "usage record skipped", "tenant", tenant, "err", err)
	}
}
