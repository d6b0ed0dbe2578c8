// Package otlp decodes OTLP ExportTraceServiceRequest payloads, JSON or
// protobuf, into internal span records.
package otlp

import (
	"fmt"
	"strings"

	"github.com/weftlabs/weft/pkg/model"
)

// Content types accepted on the ingest endpoints.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeProtobuf    = "application/x-protobuf"
	ContentTypeProtobufAlt = "application/protobuf"
)

// Decode parses body according to contentType and returns the spans in input
// order. An empty request decodes to an empty slice. Malformed payloads and
// unsupported content types are errors.
func Decode(body []byte, contentType string) ([]*model.Span, error) {
	// strip any media type parameters, e.g. "; charset=utf-8"
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.TrimSpace(contentType)

	switch contentType {
	case ContentTypeJSON:
		return decodeJSON(body)
	case ContentTypeProtobuf, ContentTypeProtobufAlt:
		return decodeProto(body)
	default:
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
}

// Validate rejects a batch containing any span without a trace or span id.
// The whole batch fails so partially addressable data is never persisted.
func Validate(spans []*model.Span) error {
	for _, s := range spans {
		if s.Trace == "" {
			return fmt.Errorf("span %q is missing a trace id", s.Name)
		}
		if s.ID == "" {
			return fmt.Errorf("span %q in trace %s is missing a span id", s.Name, s.Trace)
		}
	}
	return nil
}

// finish applies the shared normalisation steps after either decode path:
// resource attributes are merged over span attributes, the reserved example
// and experiment keys are promoted to span fields, and timing is settled.
func finish(span *model.Span, endPresent bool) *model.Span {
	if span.Attributes == nil {
		span.Attributes = model.Attributes{}
	}

	// resource keys win so service identity can't be shadowed by span tags
	if span.Resource != nil {
		for k, v := range span.Resource.Attributes {
			span.Attributes[k] = v
		}
	}

	promote := func(key string) string {
		v, ok := span.Attributes[key]
		if !ok {
			return ""
		}
		delete(span.Attributes, key)
		if span.Resource != nil {
			delete(span.Resource.Attributes, key)
		}
		return v.AsString()
	}
	span.Example = promote(model.AttrExample)
	span.Experiment = promote(model.AttrExperiment)

	if !endPresent {
		// in-progress span: pin end to start until a later export closes it
		span.End = span.Start
		span.Ended = false
	} else {
		span.Ended = true
	}
	span.Duration = span.End - span.Start

	return span
}

// normalizeEpoch converts a raw timestamp to epoch milliseconds. Values at or
// above 1e13 are nanoseconds, smaller values are already milliseconds.
func normalizeEpoch(v int64) int64 {
	if v >= 1e13 {
		return v / int64(1e6)
	}
	return v
}

// zeroHex reports whether id consists only of '0' characters. Many SDKs emit
// an all-zero parent id instead of omitting the field.
func zeroHex(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] != '0' {
			return false
		}
	}
	return true
}
