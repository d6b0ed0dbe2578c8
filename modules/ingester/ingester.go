// Package ingester ties the ingest pipeline together: decode, admission,
// cost attribution, stats propagation, persistence, usage recording and the
// experiment fan-out, exposed over OTLP HTTP and gRPC.
package ingester

import (
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/weftlabs/weft/modules/admission"
	"github.com/weftlabs/weft/modules/overrides"
	"github.com/weftlabs/weft/pkg/cost"
	"github.com/weftlabs/weft/pkg/model"
	"github.com/weftlabs/weft/pkg/propagation"
	"github.com/weftlabs/weft/pkg/spanstore"
)

var tracer = otel.Tracer("modules/ingester")

// Discard reasons.
const (
	reasonRateLimited = "rate_limited"
	reasonInvalid     = "invalid"
	reasonStoreError  = "store_error"
)

var (
	metricSpansIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "ingester_spans_received_total",
		Help:      "Spans successfully persisted.",
	}, []string{"tenant"})
	metricBytesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "ingester_bytes_received_total",
		Help:      "Decompressed request bytes received.",
	}, []string{"tenant"})
	metricDiscardedSpans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "discarded_spans_total",
		Help:      "Spans discarded before persistence.",
	}, []string{"tenant", "reason"})
	metricBatchSpans = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "weft",
		Name:      "ingester_batch_spans",
		Help:      "Spans per export request.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// Notifier receives the propagated forest roots after a successful ingest.
type Notifier interface {
	Notify(tenant string, roots []*model.Span)
}

// Ingester handles OTLP export requests for all tenants.
type Ingester struct {
	services.Service
	coltracepb.UnimplementedTraceServiceServer

	cfg         Config
	store       spanstore.Store
	overrides   overrides.Interface
	admission   *admission.Controller
	propagator  *propagation.Propagator
	costs       *cost.Attributor
	experiments Notifier
	logger      log.Logger

	now func() time.Time
}

func New(cfg Config, store spanstore.Store, o overrides.Interface, adm *admission.Controller,
	costs *cost.Attributor, experiments Notifier, logger log.Logger,
) *Ingester {
	i := &Ingester{
		cfg:         cfg,
		store:       store,
		overrides:   o,
		admission:   adm,
		propagator:  propagation.New(store, logger),
		costs:       costs,
		experiments: experiments,
		logger:      logger,
		now:         time.Now,
	}
	i.Service = services.NewIdleService(nil, nil)
	return i
}
