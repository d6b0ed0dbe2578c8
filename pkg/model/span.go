package model

// Span kinds, matching the OTLP enum values.
const (
	KindUnspecified = 0
	KindInternal    = 1
	KindServer      = 2
	KindClient      = 3
	KindProducer    = 4
	KindConsumer    = 5
)

// Status codes, matching the OTLP enum values.
const (
	StatusCodeUnset = 0
	StatusCodeOK    = 1
	StatusCodeError = 2
)

// Status is the span outcome.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Event is a timestamped annotation on a span. Time is epoch milliseconds.
type Event struct {
	Name       string     `json:"name"`
	Time       int64      `json:"time"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Link points at a span in another trace.
type Link struct {
	Trace      string     `json:"trace"`
	Span       string     `json:"span"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Resource carries the attributes of the entity that produced a span.
type Resource struct {
	Attributes Attributes `json:"attributes,omitempty"`
}

// Scope identifies the instrumentation library that produced a span.
type Scope struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Span is the stored unit of work. Identity and timing fields are fixed at
// ingest; only stats, child stats and the user-facing markers ever change
// afterwards.
//
// All ids are lowercase hex. All times are epoch milliseconds.
type Span struct {
	ID     string `json:"id"`
	Trace  string `json:"trace"`
	Parent string `json:"parent,omitempty"`
	Tenant string `json:"tenant,omitempty"`

	Name   string `json:"name"`
	Kind   int    `json:"kind"`
	Status Status `json:"status"`

	Start    int64 `json:"start"`
	End      int64 `json:"end"`
	Duration int64 `json:"duration"`
	Ended    bool  `json:"ended"`

	Attributes Attributes `json:"attributes,omitempty"`
	Events     []Event    `json:"events,omitempty"`
	Links      []Link     `json:"links,omitempty"`
	Resource   *Resource  `json:"resource,omitempty"`
	Scope      *Scope     `json:"scope,omitempty"`

	DroppedAttributesCount uint32 `json:"droppedAttributesCount,omitempty"`
	DroppedEventsCount     uint32 `json:"droppedEventsCount,omitempty"`
	DroppedLinksCount      uint32 `json:"droppedLinksCount,omitempty"`

	// Stats aggregates this span's subtree. ChildStats holds the last known
	// aggregate per direct child, so parents can be re-aggregated without
	// reloading the whole subtree.
	Stats      *Stats            `json:"stats,omitempty"`
	ChildStats map[string]*Stats `json:"_childStats,omitempty"`

	Starred    bool     `json:"starred,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Example    string   `json:"example,omitempty"`
	Experiment string   `json:"experiment,omitempty"`
}

// IsRoot reports whether the span has no parent.
func (s *Span) IsRoot() bool { return s.Parent == "" }

// NumericAttr returns the numeric value of an attribute. Ints, doubles and
// numeric strings all qualify.
func (s *Span) NumericAttr(key string) (float64, bool) {
	v, ok := s.Attributes[key]
	if !ok {
		return 0, false
	}
	return v.AsNumber()
}

// StringAttr returns the attribute rendered as a string, or "" when absent.
func (s *Span) StringAttr(key string) string {
	v, ok := s.Attributes[key]
	if !ok {
		return ""
	}
	return v.AsString()
}
