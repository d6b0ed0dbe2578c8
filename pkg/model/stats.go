package model

// Stats is the derived aggregate carried by every processed span. All fields
// are optional: a nil field means the stat was never sourced for this
// subtree, which is distinct from an explicit zero.
type Stats struct {
	InputTokens       *int64   `json:"inputTokens,omitempty"`
	OutputTokens      *int64   `json:"outputTokens,omitempty"`
	CachedInputTokens *int64   `json:"cachedInputTokens,omitempty"`
	TotalTokens       *int64   `json:"totalTokens,omitempty"`
	Cost              *float64 `json:"cost,omitempty"`
	Errors            *int64   `json:"errors,omitempty"`
	Descendants       *int64   `json:"descendants,omitempty"`
	Duration          *int64   `json:"duration,omitempty"`
}

// Int64 returns a pointer to v, for building Stats literals.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v, for building Stats literals.
func Float64(v float64) *float64 { return &v }

// Clone returns a deep copy. Cloning nil returns an empty Stats.
func (s *Stats) Clone() *Stats {
	c := &Stats{}
	if s == nil {
		return c
	}
	if s.InputTokens != nil {
		c.InputTokens = Int64(*s.InputTokens)
	}
	if s.OutputTokens != nil {
		c.OutputTokens = Int64(*s.OutputTokens)
	}
	if s.CachedInputTokens != nil {
		c.CachedInputTokens = Int64(*s.CachedInputTokens)
	}
	if s.TotalTokens != nil {
		c.TotalTokens = Int64(*s.TotalTokens)
	}
	if s.Cost != nil {
		c.Cost = Float64(*s.Cost)
	}
	if s.Errors != nil {
		c.Errors = Int64(*s.Errors)
	}
	if s.Descendants != nil {
		c.Descendants = Int64(*s.Descendants)
	}
	if s.Duration != nil {
		c.Duration = Int64(*s.Duration)
	}
	return c
}

// Add accumulates o into s field by field. A field present on either side is
// present on the result; absent plus absent stays absent.
func (s *Stats) Add(o *Stats) {
	if o == nil {
		return
	}
	s.InputTokens = addInt(s.InputTokens, o.InputTokens)
	s.OutputTokens = addInt(s.OutputTokens, o.OutputTokens)
	s.CachedInputTokens = addInt(s.CachedInputTokens, o.CachedInputTokens)
	s.TotalTokens = addInt(s.TotalTokens, o.TotalTokens)
	s.Cost = addFloat(s.Cost, o.Cost)
	s.Errors = addInt(s.Errors, o.Errors)
	s.Descendants = addInt(s.Descendants, o.Descendants)
	s.Duration = addInt(s.Duration, o.Duration)
}

// Equal compares every field, treating nil and present-with-value as
// different.
func (s *Stats) Equal(o *Stats) bool {
	if s == nil || o == nil {
		return s == nil && o == nil
	}
	return eqInt(s.InputTokens, o.InputTokens) &&
		eqInt(s.OutputTokens, o.OutputTokens) &&
		eqInt(s.CachedInputTokens, o.CachedInputTokens) &&
		eqInt(s.TotalTokens, o.TotalTokens) &&
		eqFloat(s.Cost, o.Cost) &&
		eqInt(s.Errors, o.Errors) &&
		eqInt(s.Descendants, o.Descendants) &&
		eqInt(s.Duration, o.Duration)
}

// NumericFields returns the present fields keyed by their JSON names.
func (s *Stats) NumericFields() map[string]float64 {
	if s == nil {
		return nil
	}
	out := make(map[string]float64, 8)
	if s.InputTokens != nil {
		out["inputTokens"] = float64(*s.InputTokens)
	}
	if s.OutputTokens != nil {
		out["outputTokens"] = float64(*s.OutputTokens)
	}
	if s.CachedInputTokens != nil {
		out["cachedInputTokens"] = float64(*s.CachedInputTokens)
	}
	if s.TotalTokens != nil {
		out["totalTokens"] = float64(*s.TotalTokens)
	}
	if s.Cost != nil {
		out["cost"] = *s.Cost
	}
	if s.Errors != nil {
		out["errors"] = float64(*s.Errors)
	}
	if s.Descendants != nil {
		out["descendants"] = float64(*s.Descendants)
	}
	if s.Duration != nil {
		out["duration"] = float64(*s.Duration)
	}
	return out
}

func addInt(a, b *int64) *int64 {
	if a == nil && b == nil {
		return nil
	}
	var v int64
	if a != nil {
		v += *a
	}
	if b != nil {
		v += *b
	}
	return &v
}

func addFloat(a, b *float64) *float64 {
	if a == nil && b == nil {
		return nil
	}
	var v float64
	if a != nil {
		v += *a
	}
	if b != nil {
		v += *b
	}
	return &v
}

func eqInt(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func eqFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
