package otlp

import (
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/weftlabs/weft/pkg/model"
)

func decodeProto(body []byte) ([]*model.Span, error) {
	req := &coltracepb.ExportTraceServiceRequest{}
	if err := proto.Unmarshal(body, req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace request: %w", err)
	}
	return FromProtoRequest(req), nil
}

// FromProtoRequest converts an already-parsed protobuf request. The gRPC
// endpoint calls this directly to avoid a marshal round trip.
func FromProtoRequest(req *coltracepb.ExportTraceServiceRequest) []*model.Span {
	var spans []*model.Span
	for _, rs := range req.GetResourceSpans() {
		var resource *model.Resource
		if rs.GetResource() != nil {
			resource = &model.Resource{Attributes: protoAttributes(rs.GetResource().GetAttributes())}
		}

		for _, ss := range rs.GetScopeSpans() {
			var scope *model.Scope
			if sc := ss.GetScope(); sc != nil {
				scope = &model.Scope{Name: sc.GetName(), Version: sc.GetVersion()}
			}

			for _, s := range ss.GetSpans() {
				span := protoSpan(s)
				if resource != nil {
					span.Resource = &model.Resource{Attributes: cloneAttributes(resource.Attributes)}
				}
				span.Scope = scope
				spans = append(spans, finish(span, s.GetEndTimeUnixNano() != 0))
			}
		}
	}
	return spans
}

func protoSpan(s *tracepb.Span) *model.Span {
	parent := hex.EncodeToString(s.GetParentSpanId())
	if zeroHex(parent) {
		parent = ""
	}

	span := &model.Span{
		ID:     hex.EncodeToString(s.GetSpanId()),
		Trace:  hex.EncodeToString(s.GetTraceId()),
		Parent: parent,
		Name:   s.GetName(),
		Kind:   int(s.GetKind()),
		Start:  normalizeEpoch(int64(s.GetStartTimeUnixNano())),
		End:    normalizeEpoch(int64(s.GetEndTimeUnixNano())),

		Attributes: protoAttributes(s.GetAttributes()),

		DroppedAttributesCount: s.GetDroppedAttributesCount(),
		DroppedEventsCount:     s.GetDroppedEventsCount(),
		DroppedLinksCount:      s.GetDroppedLinksCount(),
	}

	if st := s.GetStatus(); st != nil {
		span.Status = model.Status{Code: int(st.GetCode()), Message: st.GetMessage()}
	}

	for _, e := range s.GetEvents() {
		span.Events = append(span.Events, model.Event{
			Name:       e.GetName(),
			Time:       normalizeEpoch(int64(e.GetTimeUnixNano())),
			Attributes: protoAttributes(e.GetAttributes()),
		})
	}

	for _, l := range s.GetLinks() {
		span.Links = append(span.Links, model.Link{
			Trace:      hex.EncodeToString(l.GetTraceId()),
			Span:       hex.EncodeToString(l.GetSpanId()),
			Attributes: protoAttributes(l.GetAttributes()),
		})
	}

	return span
}

func protoAttributes(kvs []*commonpb.KeyValue) model.Attributes {
	if len(kvs) == 0 {
		return nil
	}
	attrs := make(model.Attributes, len(kvs))
	for _, kv := range kvs {
		attrs[kv.GetKey()] = protoAnyValue(kv.GetValue())
	}
	return attrs
}

func protoAnyValue(av *commonpb.AnyValue) model.Value {
	switch v := av.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return model.StringValue(v.StringValue)
	case *commonpb.AnyValue_BoolValue:
		return model.BoolValue(v.BoolValue)
	case *commonpb.AnyValue_IntValue:
		return model.IntValue(v.IntValue)
	case *commonpb.AnyValue_DoubleValue:
		return model.DoubleValue(v.DoubleValue)
	case *commonpb.AnyValue_BytesValue:
		return model.BytesValue(v.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		vals := make([]model.Value, 0, len(v.ArrayValue.GetValues()))
		for _, el := range v.ArrayValue.GetValues() {
			vals = append(vals, protoAnyValue(el))
		}
		return model.ArrayValue(vals...)
	case *commonpb.AnyValue_KvlistValue:
		m := make(map[string]model.Value, len(v.KvlistValue.GetValues()))
		for _, kv := range v.KvlistValue.GetValues() {
			m[kv.GetKey()] = protoAnyValue(kv.GetValue())
		}
		return model.MapValue(m)
	}
	return model.Value{}
}

func cloneAttributes(attrs model.Attributes) model.Attributes {
	if attrs == nil {
		return nil
	}
	out := make(model.Attributes, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
