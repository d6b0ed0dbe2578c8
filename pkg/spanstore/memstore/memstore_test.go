package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/pkg/model"
	"github.com/weftlabs/weft/pkg/spanstore"
)

func testSpan(id, trace, parent string, attrs model.Attributes) *model.Span {
	return &model.Span{
		ID:         id,
		Trace:      trace,
		Parent:     parent,
		Tenant:     "test",
		Name:       "span-" + id,
		Start:      1700000000000,
		End:        1700000000100,
		Duration:   100,
		Ended:      true,
		Attributes: attrs,
	}
}

func TestBulkInsertAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.BulkInsert(ctx, "test", []*model.Span{
		testSpan("a", "t1", "", nil),
		testSpan("b", "t1", "a", nil),
	})
	require.NoError(t, err)

	got, err := s.GetByID(ctx, "test", "a")
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)
	require.Equal(t, "t1", got.Trace)

	_, err = s.GetByID(ctx, "test", "missing")
	require.ErrorIs(t, err, spanstore.ErrNotFound)

	_, err = s.GetByID(ctx, "other-tenant", "a")
	require.ErrorIs(t, err, spanstore.ErrNotFound)
}

func TestInsertOverwrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.BulkInsert(ctx, "test", []*model.Span{testSpan("a", "t1", "", nil)}))

	updated := testSpan("a", "t1", "", nil)
	updated.Name = "renamed"
	require.NoError(t, s.BulkInsert(ctx, "test", []*model.Span{updated}))

	got, err := s.GetByID(ctx, "test", "a")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)

	res, err := s.Search(ctx, &spanstore.SearchRequest{Tenant: "test"})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Total)
}

func TestGetProjection(t *testing.T) {
	s := New()
	ctx := context.Background()

	span := testSpan("a", "t1", "", model.Attributes{"model": model.StringValue("gpt-4o")})
	span.Stats = &model.Stats{Duration: model.Int64(100)}
	require.NoError(t, s.BulkInsert(ctx, "test", []*model.Span{span}))

	got, err := s.GetByID(ctx, "test", "a",
		spanstore.WithSourceIncludes("id", "trace", "stats"))
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)
	require.Equal(t, "t1", got.Trace)
	require.NotNil(t, got.Stats)
	require.Empty(t, got.Name)
	require.Empty(t, got.Attributes)

	got, err = s.GetByID(ctx, "test", "a", spanstore.WithSourceExcludes("attributes"))
	require.NoError(t, err)
	require.Equal(t, "span-a", got.Name)
	require.Empty(t, got.Attributes)
}

func TestSearchQueries(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.BulkInsert(ctx, "test", []*model.Span{
		testSpan("a", "t1", "", model.Attributes{"model": model.StringValue("gpt-4o")}),
		testSpan("b", "t1", "a", model.Attributes{"model": model.StringValue("claude-sonnet-4")}),
		testSpan("c", "t2", "", model.Attributes{"model": model.StringValue("gpt-4o")}),
	}))

	res, err := s.Search(ctx, &spanstore.SearchRequest{
		Tenant: "test",
		Query:  spanstore.Term{Field: "trace", Value: "t1"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Total)

	res, err = s.Search(ctx, &spanstore.SearchRequest{
		Tenant: "test",
		Query: spanstore.And{
			spanstore.Term{Field: "trace", Value: "t1"},
			spanstore.Term{Field: "attributes.model", Value: "gpt-4o"},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)
	require.Equal(t, "a", res.Spans[0].ID)

	res, err = s.Search(ctx, &spanstore.SearchRequest{
		Tenant: "test",
		Query:  spanstore.Terms{Field: "id", Values: []any{"a", "c"}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Total)

	res, err = s.Search(ctx, &spanstore.SearchRequest{
		Tenant: "test",
		Query: spanstore.Or{
			spanstore.Term{Field: "id", Value: "b"},
			spanstore.Term{Field: "trace", Value: "t2"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Total)

	// unknown tenant is empty, not an error
	res, err = s.Search(ctx, &spanstore.SearchRequest{Tenant: "nobody"})
	require.NoError(t, err)
	require.Empty(t, res.Spans)
}

func TestSearchPagingAndSort(t *testing.T) {
	s := New()
	ctx := context.Background()

	spans := []*model.Span{
		testSpan("a", "t1", "", nil),
		testSpan("b", "t1", "", nil),
		testSpan("c", "t1", "", nil),
	}
	spans[0].Start = 300
	spans[1].Start = 100
	spans[2].Start = 200
	require.NoError(t, s.BulkInsert(ctx, "test", spans))

	res, err := s.Search(ctx, &spanstore.SearchRequest{
		Tenant: "test",
		Sort:   []spanstore.Sort{{Field: "start"}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "a"}, ids(res.Spans))

	res, err = s.Search(ctx, &spanstore.SearchRequest{
		Tenant: "test",
		Sort:   []spanstore.Sort{{Field: "start", Desc: true}},
		Limit:  2,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, ids(res.Spans))
	require.Equal(t, int64(3), res.Total)

	res, err = s.Search(ctx, &spanstore.SearchRequest{
		Tenant: "test",
		Sort:   []spanstore.Sort{{Field: "start"}},
		Offset: 2,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(res.Spans))
}

func TestUpdatePartial(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.BulkInsert(ctx, "test", []*model.Span{testSpan("a", "t1", "", nil)}))

	stats := &model.Stats{Errors: model.Int64(1), Duration: model.Int64(100)}
	got, err := s.UpdatePartial(ctx, "test", "a", map[string]any{
		"stats": stats,
		"_childStats": map[string]*model.Stats{
			"b": {Duration: model.Int64(40)},
		},
	})
	require.NoError(t, err)
	require.True(t, stats.Equal(got.Stats))
	require.Contains(t, got.ChildStats, "b")

	// persisted, not just returned
	got, err = s.GetByID(ctx, "test", "a")
	require.NoError(t, err)
	require.True(t, stats.Equal(got.Stats))

	_, err = s.UpdatePartial(ctx, "test", "missing", map[string]any{"starred": true})
	require.ErrorIs(t, err, spanstore.ErrNotFound)
}

func TestDeleteByIDs(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.BulkInsert(ctx, "test", []*model.Span{
		testSpan("a", "t1", "", nil),
		testSpan("b", "t1", "a", nil),
		testSpan("c", "t2", "", nil),
		testSpan("d", "t3", "", nil),
	}))

	n, err := s.DeleteByIDs(ctx, "test", []string{"d"}, []string{"t1"})
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	res, err := s.Search(ctx, &spanstore.SearchRequest{Tenant: "test"})
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, ids(res.Spans))

	n, err = s.DeleteByIDs(ctx, "test", []string{"missing"}, nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReturnedSpansAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.BulkInsert(ctx, "test", []*model.Span{
		testSpan("a", "t1", "", model.Attributes{"model": model.StringValue("gpt-4o")}),
	}))

	got, err := s.GetByID(ctx, "test", "a")
	require.NoError(t, err)
	got.Name = "mutated"
	got.Attributes["model"] = model.StringValue("changed")

	again, err := s.GetByID(ctx, "test", "a")
	require.NoError(t, err)
	require.Equal(t, "span-a", again.Name)
	require.Equal(t, "gpt-4o", again.Attributes["model"].AsString())
}

func ids(spans []*model.Span) []string {
	out := make([]string, 0, len(spans))
	for _, s := range spans {
		out = append(out, s.ID)
	}
	return out
}
