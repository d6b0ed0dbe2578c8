package ingester

import (
	"context"

	"github.com/grafana/dskit/user"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/weftlabs/weft/pkg/otlp"
)

// Export implements the OTLP collector TraceService. Same pipeline as the
// HTTP handler; only the wire shapes differ.
func (i *Ingester) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	tenant, err := user.ExtractOrgID(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}

	spans := otlp.FromProtoRequest(req)
	if err := otlp.Validate(spans); err != nil {
		metricDiscardedSpans.WithLabelValues(tenant, reasonInvalid).Add(float64(len(spans)))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if _, err := i.pushSpans(ctx, tenant, spans); err != nil {
		// rate-limit and store-outage errors carry their own gRPC status
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, status.Error(codes.Internal, "internal error")
	}

	return &coltracepb.ExportTraceServiceResponse{}, nil
}

var _ coltracepb.TraceServiceServer = (*Ingester)(nil)
