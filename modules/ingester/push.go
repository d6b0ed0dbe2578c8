package ingester

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log/level"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/weftlabs/weft/pkg/model"
	"github.com/weftlabs/weft/pkg/spanstore"
)

// rateLimitedError carries the window boundary so transports can render a
// retry hint.
type rateLimitedError struct {
	resetAt int64
}

func (e *rateLimitedError) Error() string { return "Rate limit exceeded" }

func (e *rateLimitedError) GRPCStatus() *status.Status {
	return status.New(codes.ResourceExhausted, e.Error())
}

type storeUnavailableError struct {
	cause error
}

func (e *storeUnavailableError) Error() string { return "span store unavailable" }
func (e *storeUnavailableError) Unwrap() error { return e.cause }

func (e *storeUnavailableError) GRPCStatus() *status.Status {
	return status.New(codes.Unavailable, e.Error())
}

// pushSpans runs the pipeline on a decoded, validated batch. The context is
// detached from client cancellation: once a request is past authentication
// it runs to completion so partial writes cannot leak.
func (i *Ingester) pushSpans(ctx context.Context, tenant string, spans []*model.Span) ([]*model.Span, error) {
	if len(spans) == 0 {
		return nil, nil
	}

	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "Ingester.pushSpans")
	defer span.End()

	metricBatchSpans.Observe(float64(len(spans)))

	limit := i.overrides.RateLimitPerHour(ctx, tenant)
	if decision := i.admission.Admit(ctx, tenant, limit); decision != nil && !decision.Allowed {
		metricDiscardedSpans.WithLabelValues(tenant, reasonRateLimited).Add(float64(len(spans)))
		return nil, &rateLimitedError{resetAt: decision.ResetAt}
	}

	for _, s := range spans {
		s.Tenant = tenant
		i.costs.Attribute(s)
	}

	roots := i.propagator.Propagate(ctx, tenant, spans)

	if err := i.store.BulkInsert(ctx, tenant, spans); err != nil {
		metricDiscardedSpans.WithLabelValues(tenant, reasonStoreError).Add(float64(len(spans)))
		if errors.Is(err, spanstore.ErrUnavailable) {
			level.Error(i.logger).Log("msg", "span store unavailable", "tenant", tenant, "err", err)
			return nil, &storeUnavailableError{cause: err}
		}
		return nil, fmt.Errorf("failed to persist spans: %w", err)
	}
	metricSpansIngested.WithLabelValues(tenant).Add(float64(len(spans)))

	// usage is recorded only for persisted spans, independent of the
	// admission decision
	i.admission.RecordUsage(ctx, tenant, int64(len(spans)))

	i.experiments.Notify(tenant, roots)
	return roots, nil
}
