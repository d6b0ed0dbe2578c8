// Package elastic implements the span store on Elasticsearch. Each tenant
// gets its own index so no query can cross tenants.
package elastic

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"

	"github.com/weftlabs/weft/pkg/model"
	"github.com/weftlabs/weft/pkg/spanstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	URL         string        `yaml:"url"`
	IndexPrefix string        `yaml:"index_prefix"`
	Timeout     time.Duration `yaml:"timeout"`
	// Refresh forces index refresh on writes. Expensive; only for tests
	// and local development.
	Refresh bool `yaml:"refresh"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	url := os.Getenv("ELASTICSEARCH_URL")
	if url == "" {
		url = "http://localhost:9200"
	}
	f.StringVar(&cfg.URL, prefix+".url", url, "Elasticsearch URL. Defaults from ELASTICSEARCH_URL.")
	f.StringVar(&cfg.IndexPrefix, prefix+".index-prefix", "weft-spans", "Prefix for per-tenant span indices.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 10*time.Second, "Per-request deadline for span store calls.")
	f.BoolVar(&cfg.Refresh, prefix+".refresh", false, "Refresh indices on every write. Test use only.")
}

// Store is the Elasticsearch span store.
type Store struct {
	cfg    Config
	client *elasticsearch.Client
	logger log.Logger
}

// New builds a store. Transport may be nil outside tests.
func New(cfg Config, logger log.Logger, transport http.RoundTripper) (*Store, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	return &Store{
		cfg:    cfg,
		client: client,
		logger: logger,
	}, nil
}

func (s *Store) index(tenant string) string {
	return s.cfg.IndexPrefix + "-" + tenant
}

func (s *Store) refresh() string {
	if s.cfg.Refresh {
		return "true"
	}
	return "false"
}

func (s *Store) BulkInsert(ctx context.Context, tenant string, spans []*model.Span) error {
	if len(spans) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var buf bytes.Buffer
	for _, span := range spans {
		meta, err := json.Marshal(map[string]any{"index": map[string]any{"_id": span.ID}})
		if err != nil {
			return err
		}
		doc, err := json.Marshal(span)
		if err != nil {
			return fmt.Errorf("failed to encode span %s: %w", span.ID, err)
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(doc)
		buf.WriteByte('\n')
	}

	res, err := s.client.Bulk(bytes.NewReader(buf.Bytes()),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithIndex(s.index(tenant)),
		s.client.Bulk.WithRefresh(s.refresh()),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", spanstore.ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return s.responseError("bulk insert", res.StatusCode, res.Body)
	}

	var bulkRes struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkRes); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if bulkRes.Errors {
		failed := 0
		for _, item := range bulkRes.Items {
			for _, op := range item {
				if op.Status >= 300 {
					failed++
					level.Warn(s.logger).Log("msg", "bulk item failed", "tenant", tenant,
						"status", op.Status, "type", op.Error.Type, "reason", op.Error.Reason)
				}
			}
		}
		return fmt.Errorf("bulk insert: %d of %d spans failed", failed, len(spans))
	}

	return nil
}

func (s *Store) GetByID(ctx context.Context, tenant, id string, opts ...spanstore.GetOption) (*model.Span, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var o spanstore.GetOptions
	o.Apply(opts)

	res, err := s.client.Get(s.index(tenant), id,
		s.client.Get.WithContext(ctx),
		s.client.Get.WithSourceIncludes(o.SourceIncludes...),
		s.client.Get.WithSourceExcludes(o.SourceExcludes...),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", spanstore.ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, spanstore.ErrNotFound
	}
	if res.IsError() {
		return nil, s.responseError("get", res.StatusCode, res.Body)
	}

	var doc struct {
		Source model.Span `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode span %s: %w", id, err)
	}
	return &doc.Source, nil
}

func (s *Store) Search(ctx context.Context, req *spanstore.SearchRequest) (*spanstore.SearchResults, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	body := map[string]any{
		"query":            queryJSON(req.Query),
		"track_total_hits": true,
	}
	if req.Limit > 0 {
		body["size"] = req.Limit
	}
	if req.Offset > 0 {
		body["from"] = req.Offset
	}
	if len(req.Sort) > 0 {
		sorts := make([]any, 0, len(req.Sort))
		for _, so := range req.Sort {
			order := "asc"
			if so.Desc {
				order = "desc"
			}
			sorts = append(sorts, map[string]any{so.Field: map[string]any{"order": order}})
		}
		body["sort"] = sorts
	}
	if len(req.SourceIncludes) > 0 || len(req.SourceExcludes) > 0 {
		src := map[string]any{}
		if len(req.SourceIncludes) > 0 {
			src["includes"] = req.SourceIncludes
		}
		if len(req.SourceExcludes) > 0 {
			src["excludes"] = req.SourceExcludes
		}
		body["_source"] = src
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index(req.Tenant)),
		s.client.Search.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", spanstore.ErrUnavailable, err)
	}
	defer res.Body.Close()

	// a tenant with no data yet has no index; that is an empty result,
	// not an error
	if res.StatusCode == http.StatusNotFound {
		return &spanstore.SearchResults{}, nil
	}
	if res.IsError() {
		return nil, s.responseError("search", res.StatusCode, res.Body)
	}

	var esRes struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source model.Span `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esRes); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	out := &spanstore.SearchResults{Total: esRes.Hits.Total.Value}
	for i := range esRes.Hits.Hits {
		out.Spans = append(out.Spans, &esRes.Hits.Hits[i].Source)
	}
	return out, nil
}

func (s *Store) UpdatePartial(ctx context.Context, tenant, id string, patch map[string]any) (*model.Span, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{"doc": patch})
	if err != nil {
		return nil, err
	}

	res, err := s.client.Update(s.index(tenant), id, bytes.NewReader(body),
		s.client.Update.WithContext(ctx),
		s.client.Update.WithRefresh(s.refresh()),
		s.client.Update.WithSource("true"),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", spanstore.ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, spanstore.ErrNotFound
	}
	if res.IsError() {
		return nil, s.responseError("update", res.StatusCode, res.Body)
	}

	var updateRes struct {
		Get struct {
			Source model.Span `json:"_source"`
		} `json:"get"`
	}
	if err := json.NewDecoder(res.Body).Decode(&updateRes); err != nil {
		return nil, fmt.Errorf("failed to decode update response: %w", err)
	}
	return &updateRes.Get.Source, nil
}

func (s *Store) DeleteByIDs(ctx context.Context, tenant string, ids, traces []string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var clauses spanstore.Or
	if len(ids) > 0 {
		clauses = append(clauses, spanstore.Terms{Field: "id", Values: anySlice(ids)})
	}
	if len(traces) > 0 {
		clauses = append(clauses, spanstore.Terms{Field: "trace", Values: anySlice(traces)})
	}
	if len(clauses) == 0 {
		return 0, nil
	}

	body, err := json.Marshal(map[string]any{"query": queryJSON(clauses)})
	if err != nil {
		return 0, err
	}

	res, err := s.client.DeleteByQuery([]string{s.index(tenant)}, bytes.NewReader(body),
		s.client.DeleteByQuery.WithContext(ctx),
		s.client.DeleteByQuery.WithRefresh(s.cfg.Refresh),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", spanstore.ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		return 0, s.responseError("delete", res.StatusCode, res.Body)
	}

	var delRes struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&delRes); err != nil {
		return 0, fmt.Errorf("failed to decode delete response: %w", err)
	}
	return delRes.Deleted, nil
}

func (s *Store) responseError(op string, status int, body io.Reader) error {
	msg, _ := io.ReadAll(io.LimitReader(body, 4096))
	if status >= 500 {
		return fmt.Errorf("%w: %s returned %d: %s", spanstore.ErrUnavailable, op, status, msg)
	}
	return fmt.Errorf("%s returned %d: %s", op, status, msg)
}

// queryJSON translates the structured query model to the ES bool DSL.
func queryJSON(q spanstore.Query) map[string]any {
	switch v := q.(type) {
	case nil:
		return map[string]any{"match_all": map[string]any{}}
	case spanstore.Term:
		return map[string]any{"term": map[string]any{v.Field: map[string]any{"value": v.Value}}}
	case spanstore.Terms:
		return map[string]any{"terms": map[string]any{v.Field: v.Values}}
	case spanstore.And:
		must := make([]any, 0, len(v))
		for _, c := range v {
			must = append(must, queryJSON(c))
		}
		return map[string]any{"bool": map[string]any{"must": must}}
	case spanstore.Or:
		should := make([]any, 0, len(v))
		for _, c := range v {
			should = append(should, queryJSON(c))
		}
		return map[string]any{"bool": map[string]any{"should": should, "minimum_should_match": 1}}
	}
	return map[string]any{"match_none": map[string]any{}}
}

func anySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
