package otlp

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/weftlabs/weft/pkg/model"
)

// The JSON decoder accepts the OTLP/JSON encoding plus the looser shapes
// real clients send: ids as hex, base64 or byte objects, timestamps as
// nanos, millis, ISO-8601 strings or [seconds, nanos] pairs, attributes as
// keyValue lists or plain maps, and enums as numbers or names.

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func decodeJSON(body []byte) ([]*model.Span, error) {
	req := &jsonExport{}
	if err := json.Unmarshal(body, req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace request: %w", err)
	}

	var spans []*model.Span
	for _, rs := range req.ResourceSpans {
		if rs == nil {
			continue
		}

		scopeSpans := rs.ScopeSpans
		if len(scopeSpans) == 0 {
			scopeSpans = rs.InstrumentationLibrarySpans
		}

		for _, ss := range scopeSpans {
			if ss == nil {
				continue
			}
			var scope *model.Scope
			if ss.Scope != nil {
				scope = &model.Scope{Name: ss.Scope.Name, Version: ss.Scope.Version}
			}

			for _, js := range ss.Spans {
				if js == nil {
					continue
				}
				span := js.toModel()
				if rs.Resource != nil {
					span.Resource = &model.Resource{Attributes: cloneAttributes(model.Attributes(rs.Resource.Attributes))}
				}
				span.Scope = scope
				spans = append(spans, finish(span, js.endPresent()))
			}
		}
	}
	return spans, nil
}

type jsonExport struct {
	ResourceSpans []*jsonResourceSpans `json:"resourceSpans"`
}

type jsonResourceSpans struct {
	Resource   *jsonResource     `json:"resource"`
	ScopeSpans []*jsonScopeSpans `json:"scopeSpans"`
	// pre-1.0 SDKs used the old field name
	InstrumentationLibrarySpans []*jsonScopeSpans `json:"instrumentationLibrarySpans"`
}

type jsonResource struct {
	Attributes jsonAttributes `json:"attributes"`
}

type jsonScopeSpans struct {
	Scope *jsonScope  `json:"scope"`
	Spans []*jsonSpan `json:"spans"`
}

type jsonScope struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type jsonSpan struct {
	TraceID      flexID `json:"traceId"`
	SpanID       flexID `json:"spanId"`
	ParentSpanID flexID `json:"parentSpanId"`

	Name string   `json:"name"`
	Kind flexKind `json:"kind"`

	StartTimeUnixNano flexTime `json:"startTimeUnixNano"`
	EndTimeUnixNano   flexTime `json:"endTimeUnixNano"`
	StartTime         flexTime `json:"startTime"`
	EndTime           flexTime `json:"endTime"`

	Attributes jsonAttributes `json:"attributes"`
	Events     []*jsonEvent   `json:"events"`
	Links      []*jsonLink    `json:"links"`
	Status     *jsonStatus    `json:"status"`

	DroppedAttributesCount uint32 `json:"droppedAttributesCount"`
	DroppedEventsCount     uint32 `json:"droppedEventsCount"`
	DroppedLinksCount      uint32 `json:"droppedLinksCount"`
}

type jsonStatus struct {
	Code    flexStatusCode `json:"code"`
	Message string         `json:"message"`
}

type jsonEvent struct {
	Name         string         `json:"name"`
	TimeUnixNano flexTime       `json:"timeUnixNano"`
	Time         flexTime       `json:"time"`
	Attributes   jsonAttributes `json:"attributes"`
}

type jsonLink struct {
	TraceID    flexID         `json:"traceId"`
	SpanID     flexID         `json:"spanId"`
	Attributes jsonAttributes `json:"attributes"`
}

func (js *jsonSpan) start() int64 {
	if js.StartTimeUnixNano.set {
		return js.StartTimeUnixNano.ms
	}
	return js.StartTime.ms
}

func (js *jsonSpan) endPresent() bool {
	return js.EndTimeUnixNano.set || js.EndTime.set
}

func (js *jsonSpan) end() int64 {
	if js.EndTimeUnixNano.set {
		return js.EndTimeUnixNano.ms
	}
	return js.EndTime.ms
}

func (js *jsonSpan) toModel() *model.Span {
	parent := string(js.ParentSpanID)
	if zeroHex(parent) {
		parent = ""
	}

	span := &model.Span{
		ID:     string(js.SpanID),
		Trace:  string(js.TraceID),
		Parent: parent,
		Name:   js.Name,
		Kind:   int(js.Kind),
		Start:  js.start(),
		End:    js.end(),

		Attributes: model.Attributes(js.Attributes),

		DroppedAttributesCount: js.DroppedAttributesCount,
		DroppedEventsCount:     js.DroppedEventsCount,
		DroppedLinksCount:      js.DroppedLinksCount,
	}

	if js.Status != nil {
		span.Status = model.Status{Code: int(js.Status.Code), Message: js.Status.Message}
	}

	for _, e := range js.Events {
		if e == nil {
			continue
		}
		t := e.TimeUnixNano
		if !t.set {
			t = e.Time
		}
		span.Events = append(span.Events, model.Event{
			Name:       e.Name,
			Time:       t.ms,
			Attributes: model.Attributes(e.Attributes),
		})
	}

	for _, l := range js.Links {
		if l == nil {
			continue
		}
		span.Links = append(span.Links, model.Link{
			Trace:      string(l.TraceID),
			Span:       string(l.SpanID),
			Attributes: model.Attributes(l.Attributes),
		})
	}

	return span
}

// flexID is a trace or span id. Hex strings of the right length pass through
// lowercased; anything else is treated as base64 (the OTLP/JSON encoding) or
// a byte object and re-encoded as lowercase hex.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		id, err := normalizeID(s)
		if err != nil {
			return err
		}
		*f = flexID(id)
		return nil
	case '{':
		// node Buffer serialisation: {"type":"Buffer","data":[...]}
		var obj struct {
			Data []int `json:"data"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		b := make([]byte, len(obj.Data))
		for i, v := range obj.Data {
			b[i] = byte(v)
		}
		*f = flexID(hex.EncodeToString(b))
		return nil
	case '[':
		var raw []int
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		b := make([]byte, len(raw))
		for i, v := range raw {
			b[i] = byte(v)
		}
		*f = flexID(hex.EncodeToString(b))
		return nil
	}
	return fmt.Errorf("invalid id %s", data)
}

func normalizeID(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	if (len(s) == 32 || len(s) == 16) && isHex(s) {
		return strings.ToLower(s), nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return "", fmt.Errorf("invalid id %q", s)
		}
	}
	return hex.EncodeToString(b), nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// flexTime is a timestamp normalised to epoch milliseconds.
type flexTime struct {
	ms  int64
	set bool
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if v, ok := parseEpoch(s); ok {
			f.ms = v
			f.set = true
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q", s)
		}
		f.ms = t.UnixMilli()
		f.set = true
		return nil
	case '[':
		// [seconds, nanos]
		var pair []int64
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("invalid [seconds, nanos] timestamp %s", data)
		}
		f.ms = pair[0]*1000 + pair[1]/int64(1e6)
		f.set = true
		return nil
	default:
		v, ok := parseEpoch(string(data))
		if !ok {
			return fmt.Errorf("invalid timestamp %s", data)
		}
		f.ms = v
		f.set = true
		return nil
	}
}

// parseEpoch parses a decimal epoch value without losing nanosecond
// precision to float rounding.
func parseEpoch(s string) (int64, bool) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return normalizeEpoch(v), true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return normalizeEpoch(int64(v)), true
}

// flexKind is a span kind, as a number or a SPAN_KIND_* name.
type flexKind int

var kindNames = map[string]int{
	"SPAN_KIND_UNSPECIFIED": model.KindUnspecified,
	"SPAN_KIND_INTERNAL":    model.KindInternal,
	"SPAN_KIND_SERVER":      model.KindServer,
	"SPAN_KIND_CLIENT":      model.KindClient,
	"SPAN_KIND_PRODUCER":    model.KindProducer,
	"SPAN_KIND_CONSUMER":    model.KindConsumer,
}

func (f *flexKind) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		k, ok := kindNames[s]
		if !ok {
			return fmt.Errorf("invalid span kind %q", s)
		}
		*f = flexKind(k)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexKind(n)
	return nil
}

// flexStatusCode is a status code, as a number or a STATUS_CODE_* name.
type flexStatusCode int

var statusNames = map[string]int{
	"STATUS_CODE_UNSET": model.StatusCodeUnset,
	"STATUS_CODE_OK":    model.StatusCodeOK,
	"STATUS_CODE_ERROR": model.StatusCodeError,
	"UNSET":             model.StatusCodeUnset,
	"OK":                model.StatusCodeOK,
	"ERROR":             model.StatusCodeError,
}

func (f *flexStatusCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		c, ok := statusNames[s]
		if !ok {
			return fmt.Errorf("invalid status code %q", s)
		}
		*f = flexStatusCode(c)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexStatusCode(n)
	return nil
}

// jsonAttributes accepts both the OTLP keyValue-list encoding and a plain map.
type jsonAttributes model.Attributes

func (a *jsonAttributes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	if data[0] == '{' {
		var m map[string]model.Value
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*a = jsonAttributes(m)
		return nil
	}

	var kvs []jsonKeyValue
	if err := json.Unmarshal(data, &kvs); err != nil {
		return err
	}
	out := make(jsonAttributes, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value.toModel()
	}
	*a = out
	return nil
}

type jsonKeyValue struct {
	Key   string       `json:"key"`
	Value jsonAnyValue `json:"value"`
}

type jsonAnyValue struct {
	StringValue *string           `json:"stringValue"`
	BoolValue   *bool             `json:"boolValue"`
	IntValue    *flexInt          `json:"intValue"`
	DoubleValue *float64          `json:"doubleValue"`
	BytesValue  *string           `json:"bytesValue"`
	ArrayValue  *jsonArray        `json:"arrayValue"`
	KvlistValue *jsonKeyValueList `json:"kvlistValue"`
}

type jsonArray struct {
	Values []jsonAnyValue `json:"values"`
}

type jsonKeyValueList struct {
	Values []jsonKeyValue `json:"values"`
}

func (v jsonAnyValue) toModel() model.Value {
	switch {
	case v.StringValue != nil:
		return model.StringValue(*v.StringValue)
	case v.BoolValue != nil:
		return model.BoolValue(*v.BoolValue)
	case v.IntValue != nil:
		return model.IntValue(int64(*v.IntValue))
	case v.DoubleValue != nil:
		return model.DoubleValue(*v.DoubleValue)
	case v.BytesValue != nil:
		b, err := base64.StdEncoding.DecodeString(*v.BytesValue)
		if err != nil {
			return model.StringValue(*v.BytesValue)
		}
		return model.BytesValue(b)
	case v.ArrayValue != nil:
		vals := make([]model.Value, 0, len(v.ArrayValue.Values))
		for _, el := range v.ArrayValue.Values {
			vals = append(vals, el.toModel())
		}
		return model.ArrayValue(vals...)
	case v.KvlistValue != nil:
		m := make(map[string]model.Value, len(v.KvlistValue.Values))
		for _, kv := range v.KvlistValue.Values {
			m[kv.Key] = kv.Value.toModel()
		}
		return model.MapValue(m)
	}
	return model.Value{}
}

// flexInt accepts numbers and the OTLP/JSON int64-as-string encoding.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", s)
		}
		*f = flexInt(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexInt(v)
	return nil
}
