// Package memstore is an in-memory span store used by unit tests and local
// development. It evaluates the same query model over the same document
// encoding as the Elasticsearch implementation.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/weftlabs/weft/pkg/model"
	"github.com/weftlabs/weft/pkg/spanstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store keeps span documents per tenant, in insertion order.
type Store struct {
	mtx     sync.RWMutex
	tenants map[string]*tenantDocs

	// Writes and patches can be counted by tests asserting write-free
	// idempotency.
	InsertCalls int
	UpdateCalls int
}

type tenantDocs struct {
	docs  map[string]*model.Span
	order []string
}

func New() *Store {
	return &Store{tenants: map[string]*tenantDocs{}}
}

func (s *Store) tenant(tenant string) *tenantDocs {
	td, ok := s.tenants[tenant]
	if !ok {
		td = &tenantDocs{docs: map[string]*model.Span{}}
		s.tenants[tenant] = td
	}
	return td
}

func (s *Store) BulkInsert(ctx context.Context, tenant string, spans []*model.Span) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.InsertCalls++
	td := s.tenant(tenant)
	for _, span := range spans {
		if _, ok := td.docs[span.ID]; !ok {
			td.order = append(td.order, span.ID)
		}
		td.docs[span.ID] = cloneSpan(span)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, tenant, id string, opts ...spanstore.GetOption) (*model.Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	td, ok := s.tenants[tenant]
	if !ok {
		return nil, spanstore.ErrNotFound
	}
	span, ok := td.docs[id]
	if !ok {
		return nil, spanstore.ErrNotFound
	}

	var o spanstore.GetOptions
	o.Apply(opts)
	return project(span, o.SourceIncludes, o.SourceExcludes)
}

func (s *Store) Search(ctx context.Context, req *spanstore.SearchRequest) (*spanstore.SearchResults, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	td, ok := s.tenants[req.Tenant]
	if !ok {
		return &spanstore.SearchResults{}, nil
	}

	var matched []*model.Span
	for _, id := range td.order {
		span := td.docs[id]
		doc, err := toDoc(span)
		if err != nil {
			return nil, err
		}
		if matches(req.Query, doc) {
			matched = append(matched, span)
		}
	}

	if len(req.Sort) > 0 {
		sortSpans(matched, req.Sort)
	}

	total := int64(len(matched))
	if req.Offset > 0 {
		if req.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[req.Offset:]
		}
	}
	if req.Limit > 0 && len(matched) > req.Limit {
		matched = matched[:req.Limit]
	}

	out := &spanstore.SearchResults{Total: total}
	for _, span := range matched {
		p, err := project(span, req.SourceIncludes, req.SourceExcludes)
		if err != nil {
			return nil, err
		}
		out.Spans = append(out.Spans, p)
	}
	return out, nil
}

func (s *Store) UpdatePartial(ctx context.Context, tenant, id string, patch map[string]any) (*model.Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.UpdateCalls++
	td, ok := s.tenants[tenant]
	if !ok {
		return nil, spanstore.ErrNotFound
	}
	span, ok := td.docs[id]
	if !ok {
		return nil, spanstore.ErrNotFound
	}

	doc, err := toDoc(span)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		// round-trip patch values through JSON so stored documents look
		// the same as they would after an ES partial update
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var plain any
		if err := json.Unmarshal(data, &plain); err != nil {
			return nil, err
		}
		doc[k] = plain
	}

	updated, err := fromDoc(doc)
	if err != nil {
		return nil, err
	}
	td.docs[id] = updated
	return cloneSpan(updated), nil
}

func (s *Store) DeleteByIDs(ctx context.Context, tenant string, ids, traces []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	td, ok := s.tenants[tenant]
	if !ok {
		return 0, nil
	}

	idSet := map[string]struct{}{}
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	traceSet := map[string]struct{}{}
	for _, tr := range traces {
		traceSet[tr] = struct{}{}
	}

	var deleted int64
	keep := td.order[:0]
	for _, id := range td.order {
		span := td.docs[id]
		_, byID := idSet[id]
		_, byTrace := traceSet[span.Trace]
		if byID || byTrace {
			delete(td.docs, id)
			deleted++
			continue
		}
		keep = append(keep, id)
	}
	td.order = keep
	return deleted, nil
}

func cloneSpan(span *model.Span) *model.Span {
	doc, err := toDoc(span)
	if err != nil {
		return span
	}
	out, err := fromDoc(doc)
	if err != nil {
		return span
	}
	return out
}

func toDoc(span *model.Span) (map[string]any, error) {
	data, err := json.Marshal(span)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromDoc(doc map[string]any) (*model.Span, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	span := &model.Span{}
	if err := json.Unmarshal(data, span); err != nil {
		return nil, err
	}
	return span, nil
}

// project applies source includes/excludes over top-level document fields,
// which is the granularity the pipeline uses.
func project(span *model.Span, includes, excludes []string) (*model.Span, error) {
	if len(includes) == 0 && len(excludes) == 0 {
		return cloneSpan(span), nil
	}

	doc, err := toDoc(span)
	if err != nil {
		return nil, err
	}

	if len(includes) > 0 {
		keep := map[string]struct{}{}
		for _, f := range includes {
			keep[f] = struct{}{}
		}
		for k := range doc {
			if _, ok := keep[k]; !ok {
				delete(doc, k)
			}
		}
	}
	for _, f := range excludes {
		delete(doc, f)
	}

	return fromDoc(doc)
}

func matches(q spanstore.Query, doc map[string]any) bool {
	switch v := q.(type) {
	case nil:
		return true
	case spanstore.Term:
		fv, ok := lookup(doc, v.Field)
		return ok && equal(fv, v.Value)
	case spanstore.Terms:
		fv, ok := lookup(doc, v.Field)
		if !ok {
			return false
		}
		for _, want := range v.Values {
			if equal(fv, want) {
				return true
			}
		}
		return false
	case spanstore.And:
		for _, c := range v {
			if !matches(c, doc) {
				return false
			}
		}
		return true
	case spanstore.Or:
		for _, c := range v {
			if matches(c, doc) {
				return true
			}
		}
		return false
	}
	return false
}

// lookup resolves a dotted field path. Flattened attribute keys themselves
// contain dots, so every split point is tried.
func lookup(m map[string]any, path string) (any, bool) {
	if v, ok := m[path]; ok {
		return v, true
	}
	for i := 0; i < len(path); i++ {
		if path[i] != '.' {
			continue
		}
		sub, ok := m[path[:i]].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := lookup(sub, path[i+1:]); ok {
			return v, true
		}
	}
	return nil, false
}

func equal(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	if as, ok := a.(string); ok {
		bs, bok := b.(string)
		return bok && as == bs
	}
	if ab, ok := a.(bool); ok {
		bb, bok := b.(bool)
		return bok && ab == bb
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func sortSpans(spans []*model.Span, by []spanstore.Sort) {
	sort.SliceStable(spans, func(i, j int) bool {
		di, _ := toDoc(spans[i])
		dj, _ := toDoc(spans[j])
		for _, s := range by {
			vi, _ := lookup(di, s.Field)
			vj, _ := lookup(dj, s.Field)
			c := compare(vi, vj)
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compare(a, b any) int {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	return strings.Compare(as, bs)
}
