package propagation

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/pkg/model"
	"github.com/weftlabs/weft/pkg/spanstore/memstore"
)

const tenant = "test"

func tokenSpan(id, trace, parent string, input, output int64) *model.Span {
	return &model.Span{
		ID:       id,
		Trace:    trace,
		Parent:   parent,
		Tenant:   tenant,
		Name:     "span-" + id,
		Status:   model.Status{Code: model.StatusCodeOK},
		Start:    1700000000000,
		End:      1700000000100,
		Duration: 100,
		Ended:    true,
		Attributes: model.Attributes{
			model.AttrInputTokens:  model.IntValue(input),
			model.AttrOutputTokens: model.IntValue(output),
		},
	}
}

func TestPropagateTwoSpanTrace(t *testing.T) {
	store := memstore.New()
	p := New(store, log.NewNopLogger())

	parent := tokenSpan("p1", "t1", "", 10, 20)
	child := tokenSpan("c1", "t1", "p1", 5, 5)
	child.Attributes[model.AttrCostUSD] = model.DoubleValue(0.001)

	roots := p.Propagate(context.Background(), tenant, []*model.Span{parent, child})
	require.Len(t, roots, 1)
	require.Equal(t, "p1", roots[0].ID)

	require.Equal(t, int64(5), *child.Stats.InputTokens)
	require.Equal(t, int64(5), *child.Stats.OutputTokens)
	require.Equal(t, int64(0), *child.Stats.Errors)
	require.Equal(t, int64(0), *child.Stats.Descendants)
	require.Equal(t, 0.001, *child.Stats.Cost)
	require.Empty(t, child.ChildStats)

	require.Equal(t, int64(15), *parent.Stats.InputTokens)
	require.Equal(t, int64(25), *parent.Stats.OutputTokens)
	require.Equal(t, int64(1), *parent.Stats.Descendants)
	require.Equal(t, int64(200), *parent.Stats.Duration)
	require.True(t, child.Stats.Equal(parent.ChildStats["c1"]))

	// everything was in the batch, nothing is patched in the store
	require.Zero(t, store.UpdateCalls)
}

func TestPropagateLateChild(t *testing.T) {
	store := memstore.New()
	p := New(store, log.NewNopLogger())
	ctx := context.Background()

	// first batch: parent alone
	parent := tokenSpan("p1", "t1", "", 10, 20)
	roots := p.Propagate(ctx, tenant, []*model.Span{parent})
	require.Len(t, roots, 1)
	require.Equal(t, int64(10), *parent.Stats.InputTokens)
	require.Equal(t, int64(0), *parent.Stats.Descendants)
	require.NoError(t, store.BulkInsert(ctx, tenant, []*model.Span{parent}))

	// second batch: the child arrives alone
	child := tokenSpan("c1", "t1", "p1", 5, 5)
	roots = p.Propagate(ctx, tenant, []*model.Span{child})
	require.Len(t, roots, 1)
	require.Equal(t, "p1", roots[0].ID, "stored parent becomes the working-forest root")
	require.NoError(t, store.BulkInsert(ctx, tenant, []*model.Span{child}))

	stored, err := store.GetByID(ctx, tenant, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(15), *stored.Stats.InputTokens)
	require.Equal(t, int64(25), *stored.Stats.OutputTokens)
	require.Equal(t, int64(1), *stored.Stats.Descendants)
	require.True(t, child.Stats.Equal(stored.ChildStats["c1"]))

	// an identical child batch changes nothing and writes nothing
	patchesBefore := store.UpdateCalls
	again := tokenSpan("c1", "t1", "p1", 5, 5)
	p.Propagate(ctx, tenant, []*model.Span{again})
	require.Equal(t, patchesBefore, store.UpdateCalls)

	stored, err = store.GetByID(ctx, tenant, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(15), *stored.Stats.InputTokens)
	require.Equal(t, int64(1), *stored.Stats.Descendants)
}

func TestPropagateErrorDedup(t *testing.T) {
	store := memstore.New()
	p := New(store, log.NewNopLogger())

	parent := tokenSpan("p1", "t1", "", 0, 0)
	child := tokenSpan("c1", "t1", "p1", 0, 0)
	child.Status = model.Status{Code: model.StatusCodeError, Message: "boom"}
	grandchild := tokenSpan("g1", "t1", "c1", 0, 0)
	grandchild.Status = model.Status{Code: model.StatusCodeError, Message: "boom"}

	p.Propagate(context.Background(), tenant, []*model.Span{parent, child, grandchild})

	require.Equal(t, int64(1), *grandchild.Stats.Errors)
	// own error plus the child's, minus one: the child re-threw the same failure
	require.Equal(t, int64(1), *child.Stats.Errors)
	require.Equal(t, int64(1), *parent.Stats.Errors)
}

func TestPropagateBoundedExpansion(t *testing.T) {
	store := memstore.New()
	p := New(store, log.NewNopLogger())
	ctx := context.Background()

	// stored state from earlier rounds: child c1 aggregates its own tokens
	// plus grandchild g1's, cached per child
	grandchild := tokenSpan("g1", "t1", "c1", 7, 0)
	grandchild.Stats = &model.Stats{
		InputTokens: model.Int64(7), OutputTokens: model.Int64(0),
		Errors: model.Int64(0), Descendants: model.Int64(0), Duration: model.Int64(100),
	}
	child := tokenSpan("c1", "t1", "p1", 5, 5)
	child.Stats = &model.Stats{
		InputTokens: model.Int64(12), OutputTokens: model.Int64(5),
		Errors: model.Int64(0), Descendants: model.Int64(1), Duration: model.Int64(200),
	}
	child.ChildStats = map[string]*model.Stats{"g1": grandchild.Stats.Clone()}
	require.NoError(t, store.BulkInsert(ctx, tenant, []*model.Span{child, grandchild}))

	// the parent arrives late
	parent := tokenSpan("p1", "t1", "", 10, 20)
	roots := p.Propagate(ctx, tenant, []*model.Span{parent})
	require.Len(t, roots, 1)

	// grandchild contribution arrives via the child's cached stats
	require.Equal(t, int64(22), *parent.Stats.InputTokens)
	require.Equal(t, int64(25), *parent.Stats.OutputTokens)
	require.Equal(t, int64(2), *parent.Stats.Descendants)

	// the child's aggregate was already correct, so nothing was patched
	require.Zero(t, store.UpdateCalls)
}

func TestPropagateMissingParentIsSkipped(t *testing.T) {
	store := memstore.New()
	p := New(store, log.NewNopLogger())

	child := tokenSpan("c1", "t1", "p-not-stored", 5, 5)
	roots := p.Propagate(context.Background(), tenant, []*model.Span{child})

	require.Len(t, roots, 1)
	require.Equal(t, "c1", roots[0].ID)
	require.Equal(t, int64(5), *child.Stats.InputTokens)
}

func TestPropagateSelfParentDoesNotLoop(t *testing.T) {
	store := memstore.New()
	p := New(store, log.NewNopLogger())

	s := tokenSpan("s1", "t1", "s1", 1, 1)
	roots := p.Propagate(context.Background(), tenant, []*model.Span{s})
	require.Empty(t, roots)
}

func TestPropagateEmptyBatch(t *testing.T) {
	store := memstore.New()
	p := New(store, log.NewNopLogger())

	require.Nil(t, p.Propagate(context.Background(), tenant, nil))
	require.Zero(t, store.InsertCalls)
	require.Zero(t, store.UpdateCalls)
}

func TestPropagateMonotonicAcrossRounds(t *testing.T) {
	store := memstore.New()
	p := New(store, log.NewNopLogger())
	ctx := context.Background()

	parent := tokenSpan("p1", "t1", "", 10, 20)
	c1 := tokenSpan("c1", "t1", "p1", 5, 5)
	p.Propagate(ctx, tenant, []*model.Span{parent, c1})
	require.NoError(t, store.BulkInsert(ctx, tenant, []*model.Span{parent, c1}))
	first := parent.Stats.Clone()

	c2 := tokenSpan("c2", "t1", "p1", 3, 4)
	p.Propagate(ctx, tenant, []*model.Span{c2})
	require.NoError(t, store.BulkInsert(ctx, tenant, []*model.Span{c2}))

	stored, err := store.GetByID(ctx, tenant, "p1")
	require.NoError(t, err)
	after := stored.Stats.NumericFields()
	for field, before := range first.NumericFields() {
		require.GreaterOrEqual(t, after[field], before, field)
	}
	require.Equal(t, int64(18), *stored.Stats.InputTokens)
	require.Equal(t, int64(2), *stored.Stats.Descendants)
	require.Len(t, stored.ChildStats, 2)
}
