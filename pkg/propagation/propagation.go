// Package propagation aggregates span statistics bottom-up over trace trees.
// A batch of freshly decoded spans is joined with its stored ancestors and
// descendants, subtree stats are recomputed, and changed ancestors are
// patched back into the span store.
//
// Correctness across out-of-order batches rests on the per-child stats cache
// carried by every internal span: a parent re-aggregates from that cache, so
// late-arriving children only ever add.
package propagation

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/weftlabs/weft/pkg/model"
	"github.com/weftlabs/weft/pkg/spanstore"
)

var tracer = otel.Tracer("pkg/propagation")

var (
	metricSpansLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "propagation_spans_loaded_total",
		Help:      "Stored spans loaded into the working set.",
	}, []string{"tenant"})
	metricPatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "propagation_patches_total",
		Help:      "Ancestor patches written back to the span store.",
	}, []string{"tenant"})
	metricPatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "propagation_patch_failures_total",
		Help:      "Ancestor patches that failed and were skipped.",
	}, []string{"tenant"})
)

// childPageSize is the page size for discovering stored children of batch
// spans.
const childPageSize = 1000

// loadProjection is what propagation needs from a stored span: identity and
// linkage, plus everything own and subtree stats derive from.
var loadProjection = []string{
	"id", "parent", "trace", "tenant",
	"attributes", "status", "duration",
	"stats", "_childStats",
}

// Propagator recomputes subtree stats. Safe for concurrent use; each call
// works on its own working set.
type Propagator struct {
	store  spanstore.Store
	logger log.Logger
}

func New(store spanstore.Store, logger log.Logger) *Propagator {
	return &Propagator{store: store, logger: logger}
}

type workingSpan struct {
	span      *model.Span
	fromBatch bool
	dirty     bool
}

type workingSet struct {
	spans map[string]*workingSpan
	order []string
	// children maps parent id to in-memory children, batch order first.
	children map[string][]*model.Span
	visited  map[string]bool
}

func (ws *workingSet) add(span *model.Span, fromBatch bool) {
	if _, ok := ws.spans[span.ID]; ok {
		return
	}
	ws.spans[span.ID] = &workingSpan{span: span, fromBatch: fromBatch}
	ws.order = append(ws.order, span.ID)
}

// Propagate fills in stats for every batch span and patches changed stored
// ancestors. It returns the roots of the working forest. Load and patch
// failures are logged and skipped; a later batch touching the same trace
// repairs whatever this round could not write.
func (p *Propagator) Propagate(ctx context.Context, tenant string, batch []*model.Span) []*model.Span {
	if len(batch) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "Propagator.Propagate")
	defer span.End()

	ws := &workingSet{
		spans:    make(map[string]*workingSpan, len(batch)),
		children: map[string][]*model.Span{},
		visited:  map[string]bool{},
	}
	for _, s := range batch {
		ws.add(s, true)
	}

	p.loadAncestors(ctx, tenant, ws)
	p.discoverChildren(ctx, tenant, ws, batch)

	// link every working span under its in-memory parent; everything else
	// is a root of the working forest
	var roots []*model.Span
	for _, id := range ws.order {
		s := ws.spans[id].span
		if s.Parent == "" {
			roots = append(roots, s)
			continue
		}
		if _, ok := ws.spans[s.Parent]; !ok {
			roots = append(roots, s)
			continue
		}
		ws.children[s.Parent] = append(ws.children[s.Parent], s)
	}

	for _, root := range roots {
		p.process(ws, root)
	}

	p.patchStored(ctx, tenant, ws)

	return roots
}

// loadAncestors pulls referenced parents from the store, then grandparents,
// until the frontier empties. A parent that cannot be loaded is skipped; its
// subtree still aggregates, it just will not be patched this round.
func (p *Propagator) loadAncestors(ctx context.Context, tenant string, ws *workingSet) {
	frontier := map[string]struct{}{}
	for _, id := range ws.order {
		if parent := ws.spans[id].span.Parent; parent != "" {
			if _, ok := ws.spans[parent]; !ok {
				frontier[parent] = struct{}{}
			}
		}
	}

	for len(frontier) > 0 {
		ids := make([]any, 0, len(frontier))
		for id := range frontier {
			ids = append(ids, id)
		}

		res, err := p.store.Search(ctx, &spanstore.SearchRequest{
			Tenant:         tenant,
			Query:          spanstore.Terms{Field: "id", Values: ids},
			Limit:          len(ids),
			SourceIncludes: loadProjection,
		})
		if err != nil {
			level.Warn(p.logger).Log("msg", "ancestor load failed", "tenant", tenant, "err", err)
			return
		}

		next := map[string]struct{}{}
		for _, s := range res.Spans {
			ws.add(s, false)
			metricSpansLoaded.WithLabelValues(tenant).Inc()
			if s.Parent != "" {
				if _, ok := ws.spans[s.Parent]; !ok {
					next[s.Parent] = struct{}{}
				}
			}
		}
		frontier = next
	}
}

// discoverChildren finds stored children of batch spans. A child whose stats
// are already cached on its in-memory parent is not expanded: the cached
// subtree aggregate is authoritative and re-expanding it would reload entire
// subtrees on every late arrival.
func (p *Propagator) discoverChildren(ctx context.Context, tenant string, ws *workingSet, batch []*model.Span) {
	queue := make([]string, 0, len(batch))
	for _, s := range batch {
		queue = append(queue, s.ID)
	}

	for len(queue) > 0 {
		parents := make([]any, 0, len(queue))
		for _, id := range queue {
			parents = append(parents, id)
		}
		queue = queue[:0]

		for from := 0; ; from += childPageSize {
			res, err := p.store.Search(ctx, &spanstore.SearchRequest{
				Tenant:         tenant,
				Query:          spanstore.Terms{Field: "parent", Values: parents},
				Limit:          childPageSize,
				Offset:         from,
				SourceIncludes: loadProjection,
			})
			if err != nil {
				level.Warn(p.logger).Log("msg", "child discovery failed", "tenant", tenant, "err", err)
				return
			}

			for _, child := range res.Spans {
				if _, ok := ws.spans[child.ID]; ok {
					continue
				}
				parent := ws.spans[child.Parent]
				if parent != nil && parent.span.ChildStats[child.ID] != nil {
					continue
				}
				ws.add(child, false)
				metricSpansLoaded.WithLabelValues(tenant).Inc()
				queue = append(queue, child.ID)
			}

			if len(res.Spans) < childPageSize {
				break
			}
		}
	}
}

// process computes subtree stats depth-first and marks spans whose aggregate
// changed.
func (p *Propagator) process(ws *workingSet, s *model.Span) *model.Stats {
	if ws.visited[s.ID] {
		level.Warn(p.logger).Log("msg", "cycle or duplicate span in working forest", "span", s.ID, "trace", s.Trace)
		return ownStats(s)
	}
	ws.visited[s.ID] = true

	own := ownStats(s)

	childStats := map[string]*model.Stats{}
	for id, cs := range s.ChildStats {
		childStats[id] = cs.Clone()
	}
	for _, child := range ws.children[s.ID] {
		childStats[child.ID] = p.process(ws, child)
	}

	total := own.Clone()
	var descendants int64
	for _, cs := range childStats {
		total.Add(cs)
		if cs.Descendants != nil {
			descendants += *cs.Descendants
		}
	}
	descendants += int64(len(childStats))

	// errors frequently bubble up by re-throwing; when this span errored
	// and a child already contributed an error, count the failure once
	if s.Status.Code == model.StatusCodeError && total.Errors != nil && *total.Errors > 1 {
		*total.Errors--
	}
	total.Descendants = model.Int64(descendants)

	if !total.Equal(s.Stats) {
		s.Stats = total
		if len(childStats) > 0 {
			s.ChildStats = childStats
		}
		ws.spans[s.ID].dirty = true
	}
	return total
}

// patchStored writes changed non-batch spans back, one patch per span. Batch
// spans are not written here; the ingest path bulk-inserts them with their
// stats already set.
func (p *Propagator) patchStored(ctx context.Context, tenant string, ws *workingSet) {
	for _, id := range ws.order {
		w := ws.spans[id]
		if w.fromBatch || !w.dirty {
			continue
		}

		patch := map[string]any{"stats": w.span.Stats}
		if len(w.span.ChildStats) > 0 {
			patch["_childStats"] = w.span.ChildStats
		}

		if _, err := p.store.UpdatePartial(ctx, tenant, id, patch); err != nil {
			metricPatchFailures.WithLabelValues(tenant).Inc()
			level.Warn(p.logger).Log("msg", "ancestor patch failed", "tenant", tenant, "span", id, "err", err)
			continue
		}
		metricPatches.WithLabelValues(tenant).Inc()
	}
}

// ownStats derives a span's own contribution: token counts and cost from
// attributes, one error when the span itself failed, and its duration.
func ownStats(s *model.Span) *model.Stats {
	own := &model.Stats{
		Duration: model.Int64(s.Duration),
		Errors:   model.Int64(0),
	}
	if s.Status.Code == model.StatusCodeError {
		own.Errors = model.Int64(1)
	}

	if v, ok := s.NumericAttr(model.AttrInputTokens); ok {
		own.InputTokens = model.Int64(int64(v))
	}
	if v, ok := s.NumericAttr(model.AttrOutputTokens); ok {
		own.OutputTokens = model.Int64(int64(v))
	}
	if v, ok := s.NumericAttr(model.AttrCachedInputTokens); ok {
		own.CachedInputTokens = model.Int64(int64(v))
	}
	if v, ok := s.NumericAttr(model.AttrTotalTokens); ok {
		own.TotalTokens = model.Int64(int64(v))
	}
	if v, ok := s.NumericAttr(model.AttrCostUSD); ok {
		own.Cost = model.Float64(v)
	}
	return own
}
