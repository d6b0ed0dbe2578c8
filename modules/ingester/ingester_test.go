package ingester

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/user"
	"github.com/stretchr/testify/require"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/weftlabs/weft/modules/admission"
	"github.com/weftlabs/weft/pkg/cost"
	"github.com/weftlabs/weft/pkg/counter"
	"github.com/weftlabs/weft/pkg/model"
	"github.com/weftlabs/weft/pkg/otlp"
	"github.com/weftlabs/weft/pkg/pricing"
	"github.com/weftlabs/weft/pkg/spanstore"
	"github.com/weftlabs/weft/pkg/spanstore/memstore"
)

const (
	testTenant = "acme"
	traceHex   = "a1a2a3a4a5a6a7a8a9aaabacadaeafab"
	parentHex  = "0102030405060708"
	childHex   = "0910111213141516"
)

type scriptedCounter struct {
	mtx      sync.Mutex
	decision *counter.Decision
	checks   int
	recorded int64
}

func (s *scriptedCounter) Check(ctx context.Context, tenant string, limit int) (*counter.Decision, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.checks++
	return s.decision, nil
}

func (s *scriptedCounter) Record(ctx context.Context, tenant string, n int64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.recorded += n
	return nil
}

type recordedEvents struct {
	mtx    sync.Mutex
	events int
}

func (r *recordedEvents) AppendRateLimitEvent(ctx context.Context, tenant string, at time.Time) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.events++
	return nil
}

func (r *recordedEvents) count() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.events
}

type fixedLimit int

func (f fixedLimit) RateLimitPerHour(ctx context.Context, tenant string) int { return int(f) }

type recordedNotifier struct {
	mtx   sync.Mutex
	roots []*model.Span
}

func (r *recordedNotifier) Notify(tenant string, roots []*model.Span) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.roots = append(r.roots, roots...)
}

type testHarness struct {
	ingester *Ingester
	store    *memstore.Store
	counter  *scriptedCounter
	events   *recordedEvents
	notifier *recordedNotifier
}

func newHarness(t *testing.T, store spanstore.Store) *testHarness {
	t.Helper()

	logger := log.NewNopLogger()
	ctr := &scriptedCounter{decision: &counter.Decision{Allowed: true, Remaining: 100, ResetAt: time.Now().UnixMilli() + 1800000}}
	events := &recordedEvents{}
	notifier := &recordedNotifier{}

	adm := admission.New(admission.Config{Deadline: 300 * time.Millisecond}, ctr, events, logger)

	mem, _ := store.(*memstore.Store)
	h := &testHarness{
		store:    mem,
		counter:  ctr,
		events:   events,
		notifier: notifier,
	}
	h.ingester = New(Config{MaxBatchBytes: 1 << 20}, store, fixedLimit(1000), adm,
		cost.NewAttributor(pricing.Default(), logger), notifier, logger)
	return h
}

func exportJSON(parentTokens, childTokens bool) string {
	parentAttrs := ""
	if parentTokens {
		parentAttrs = `"attributes":[
			{"key":"inputTokens","value":{"intValue":"10"}},
			{"key":"outputTokens","value":{"intValue":"20"}},
			{"key":"model","value":{"stringValue":"gpt-4o"}}],`
	}
	childAttrs := ""
	if childTokens {
		childAttrs = `"attributes":[
			{"key":"inputTokens","value":{"intValue":"5"}},
			{"key":"outputTokens","value":{"intValue":"5"}},
			{"key":"model","value":{"stringValue":"gpt-4o"}}],`
	}
	return `{"resourceSpans":[{"scopeSpans":[{"spans":[
		{"traceId":"` + traceHex + `","spanId":"` + parentHex + `","name":"parent",` + parentAttrs + `
		 "startTimeUnixNano":"1700000000000000000","endTimeUnixNano":"1700000000200000000"},
		{"traceId":"` + traceHex + `","spanId":"` + childHex + `","parentSpanId":"` + parentHex + `","name":"child",` + childAttrs + `
		 "startTimeUnixNano":"1700000000050000000","endTimeUnixNano":"1700000000150000000"}
	]}]}]}`
}

func doExport(h *testHarness, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(body))
	req.Header.Set("Content-Type", otlp.ContentTypeJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req = req.WithContext(user.InjectOrgID(req.Context(), testTenant))

	rec := httptest.NewRecorder()
	h.ingester.ExportHTTPHandler().ServeHTTP(rec, req)
	return rec
}

func TestExportHappyPath(t *testing.T) {
	h := newHarness(t, memstore.New())

	rec := doExport(h, []byte(exportJSON(true, true)), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{}`, rec.Body.String())

	ctx := context.Background()
	child, err := h.store.GetByID(ctx, testTenant, childHex)
	require.NoError(t, err)
	require.Equal(t, testTenant, child.Tenant)
	require.Equal(t, int64(5), *child.Stats.InputTokens)
	require.Equal(t, int64(0), *child.Stats.Descendants)
	require.Greater(t, *child.Stats.Cost, 0.0)

	parent, err := h.store.GetByID(ctx, testTenant, parentHex)
	require.NoError(t, err)
	require.Equal(t, int64(15), *parent.Stats.InputTokens)
	require.Equal(t, int64(25), *parent.Stats.OutputTokens)
	require.Equal(t, int64(1), *parent.Stats.Descendants)
	require.True(t, child.Stats.Equal(parent.ChildStats[childHex]))

	// usage recorded per span, roots handed to the experiment fan-out
	require.Equal(t, int64(2), h.counter.recorded)
	require.Len(t, h.notifier.roots, 1)
	require.Equal(t, parentHex, h.notifier.roots[0].ID)
}

func TestExportRateLimited(t *testing.T) {
	h := newHarness(t, memstore.New())
	resetAt := time.Now().UnixMilli() + 30*60*1000
	h.counter.decision = &counter.Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}

	rec := doExport(h, []byte(exportJSON(true, true)), nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.Positive(t, retryAfter)
	require.JSONEq(t, `{"code":14,"message":"Rate limit exceeded"}`, rec.Body.String())

	// nothing persisted, usage untouched, one durable event
	require.Zero(t, h.store.InsertCalls)
	require.Zero(t, h.counter.recorded)
	require.Eventually(t, func() bool { return h.events.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestExportMalformedProtobuf(t *testing.T) {
	h := newHarness(t, memstore.New())

	rec := doExport(h, []byte{0xff, 0xff, 0xff}, map[string]string{"Content-Type": otlp.ContentTypeProtobuf})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Code)

	// a decode failure never reaches admission or the store
	require.Zero(t, h.counter.checks)
	require.Zero(t, h.store.InsertCalls)
	require.Zero(t, h.events.count())
}

func TestExportMissingSpanID(t *testing.T) {
	h := newHarness(t, memstore.New())

	body := `{"resourceSpans":[{"scopeSpans":[{"spans":[{"traceId":"` + traceHex + `","name":"x"}]}]}]}`
	rec := doExport(h, []byte(body), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, h.counter.checks)
}

func TestExportEmptyBatch(t *testing.T) {
	h := newHarness(t, memstore.New())

	rec := doExport(h, []byte(`{"resourceSpans":[]}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, h.counter.checks)
	require.Zero(t, h.store.InsertCalls)
}

func TestExportGzipBody(t *testing.T) {
	h := newHarness(t, memstore.New())

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(exportJSON(true, true)))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	rec := doExport(h, buf.Bytes(), map[string]string{"Content-Encoding": "gzip"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, h.store.InsertCalls)
}

func TestExportBodyTooLarge(t *testing.T) {
	h := newHarness(t, memstore.New())
	h.ingester.cfg.MaxBatchBytes = 16

	rec := doExport(h, []byte(exportJSON(true, true)), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type unavailableStore struct {
	*memstore.Store
}

func (u *unavailableStore) BulkInsert(ctx context.Context, tenant string, spans []*model.Span) error {
	return spanstore.ErrUnavailable
}

func TestExportStoreOutage(t *testing.T) {
	h := newHarness(t, &unavailableStore{memstore.New()})

	rec := doExport(h, []byte(exportJSON(true, true)), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"code":14,"message":"span store unavailable"}`, rec.Body.String())
	require.Zero(t, h.counter.recorded, "usage is not recorded for spans that were not persisted")
}

func TestExportUnauthenticated(t *testing.T) {
	h := newHarness(t, memstore.New())

	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader([]byte(exportJSON(true, true))))
	req.Header.Set("Content-Type", otlp.ContentTypeJSON)
	rec := httptest.NewRecorder()
	h.ingester.ExportHTTPHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func protoExportRequest() *coltracepb.ExportTraceServiceRequest {
	hexBytes := func(s string) []byte {
		out, _ := hex.DecodeString(s)
		return out
	}
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			ScopeSpans: []*tracepb.ScopeSpans{{
				Spans: []*tracepb.Span{{
					TraceId:           hexBytes(traceHex),
					SpanId:            hexBytes(parentHex),
					Name:              "parent",
					StartTimeUnixNano: 1700000000000000000,
					EndTimeUnixNano:   1700000000200000000,
					Attributes: []*commonpb.KeyValue{{
						Key:   "inputTokens",
						Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 10}},
					}},
				}},
			}},
		}},
	}
}

func TestExportGRPC(t *testing.T) {
	h := newHarness(t, memstore.New())

	ctx := user.InjectOrgID(context.Background(), testTenant)
	resp, err := h.ingester.Export(ctx, protoExportRequest())
	require.NoError(t, err)
	require.NotNil(t, resp)

	span, err := h.store.GetByID(context.Background(), testTenant, parentHex)
	require.NoError(t, err)
	require.Equal(t, int64(10), *span.Stats.InputTokens)
}

func TestExportGRPCStatusCodes(t *testing.T) {
	h := newHarness(t, memstore.New())

	// no tenant in context
	_, err := h.ingester.Export(context.Background(), protoExportRequest())
	require.Equal(t, grpccodes.Unauthenticated, status.Code(err))

	// rate limited
	h.counter.decision = &counter.Decision{Allowed: false, ResetAt: time.Now().UnixMilli() + 1000}
	ctx := user.InjectOrgID(context.Background(), testTenant)
	_, err = h.ingester.Export(ctx, protoExportRequest())
	require.Equal(t, grpccodes.ResourceExhausted, status.Code(err))

	// store outage
	h2 := newHarness(t, &unavailableStore{memstore.New()})
	ctx = user.InjectOrgID(context.Background(), testTenant)
	_, err = h2.ingester.Export(ctx, protoExportRequest())
	require.Equal(t, grpccodes.Unavailable, status.Code(err))
}

func TestExportProtobufSuccessBody(t *testing.T) {
	h := newHarness(t, memstore.New())

	data, err := proto.Marshal(protoExportRequest())
	require.NoError(t, err)

	rec := doExport(h, data, map[string]string{"Content-Type": otlp.ContentTypeProtobuf})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, otlp.ContentTypeProtobuf, rec.Header().Get("Content-Type"))

	var resp coltracepb.ExportTraceServiceResponse
	require.NoError(t, proto.Unmarshal(rec.Body.Bytes(), &resp))
}

func TestRetryAfterSeconds(t *testing.T) {
	require.Equal(t, int64(1), retryAfterSeconds(1000, 500))
	require.Equal(t, int64(2), retryAfterSeconds(2000, 500))
	require.Equal(t, int64(1), retryAfterSeconds(0, 500), "never emits a non-positive hint")
}
