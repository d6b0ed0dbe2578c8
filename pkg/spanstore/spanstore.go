// Package spanstore defines the contract for the span document store and the
// structured query model shared by its implementations.
package spanstore

import (
	"context"
	"errors"

	"github.com/weftlabs/weft/pkg/model"
)

var (
	// ErrNotFound is returned by lookups of a span id that does not exist
	// for the tenant.
	ErrNotFound = errors.New("span not found")
	// ErrUnavailable wraps transport-level failures talking to the store.
	ErrUnavailable = errors.New("span store unavailable")
)

// Store is the span document store. Every operation is scoped to a tenant;
// no call may read or write across tenants.
type Store interface {
	// BulkInsert writes the spans in one round trip, keyed by span id.
	// Re-inserting an id overwrites the document.
	BulkInsert(ctx context.Context, tenant string, spans []*model.Span) error

	// GetByID fetches a single span.
	GetByID(ctx context.Context, tenant, id string, opts ...GetOption) (*model.Span, error)

	// Search runs a structured query.
	Search(ctx context.Context, req *SearchRequest) (*SearchResults, error)

	// UpdatePartial patches the named fields of one document and returns
	// the updated span.
	UpdatePartial(ctx context.Context, tenant, id string, patch map[string]any) (*model.Span, error)

	// DeleteByIDs removes spans by span id and/or trace id and returns the
	// number of deleted documents.
	DeleteByIDs(ctx context.Context, tenant string, ids, traces []string) (int64, error)
}

// GetOption narrows a GetByID call.
type GetOption func(*GetOptions)

type GetOptions struct {
	SourceIncludes []string
	SourceExcludes []string
}

func (o *GetOptions) Apply(opts []GetOption) {
	for _, opt := range opts {
		opt(o)
	}
}

// WithSourceIncludes restricts the returned document to the named fields.
func WithSourceIncludes(fields ...string) GetOption {
	return func(o *GetOptions) { o.SourceIncludes = append(o.SourceIncludes, fields...) }
}

// WithSourceExcludes drops the named fields from the returned document.
func WithSourceExcludes(fields ...string) GetOption {
	return func(o *GetOptions) { o.SourceExcludes = append(o.SourceExcludes, fields...) }
}

// SearchRequest is a tenant-scoped structured search. Fields address the
// stored document shape, so nested attributes are dotted paths such as
// "attributes.model".
type SearchRequest struct {
	Tenant string
	Query  Query

	Limit  int
	Offset int
	Sort   []Sort

	SourceIncludes []string
	SourceExcludes []string
}

type Sort struct {
	Field string
	Desc  bool
}

type SearchResults struct {
	Spans []*model.Span
	Total int64
}

// Query is a boolean query tree over equality terms.
type Query interface {
	queryNode()
}

// Term matches documents whose field equals value.
type Term struct {
	Field string
	Value any
}

// Terms matches documents whose field equals any of the values.
type Terms struct {
	Field  string
	Values []any
}

// And matches documents satisfying every child query.
type And []Query

// Or matches documents satisfying at least one child query.
type Or []Query

func (Term) queryNode()  {}
func (Terms) queryNode() {}
func (And) queryNode()   {}
func (Or) queryNode()    {}
