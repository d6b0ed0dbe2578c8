package ingester

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/user"
	jsoniter "github.com/json-iterator/go"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"

	"github.com/weftlabs/weft/pkg/otlp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ExportHTTPHandler serves POST /v1/traces. Authentication happens in
// middleware; the tenant arrives as the org id.
func (i *Ingester) ExportHTTPHandler() http.Handler {
	return http.HandlerFunc(i.exportHTTP)
}

func (i *Ingester) exportHTTP(w http.ResponseWriter, r *http.Request) {
	tenant, err := user.ExtractOrgID(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, int(codes.Unauthenticated), "authentication required")
		return
	}

	body, err := i.readBody(r)
	if err != nil {
		level.Info(i.logger).Log("msg", "failed to read export body", "tenant", tenant,
			"max_size", humanize.Bytes(uint64(i.cfg.MaxBatchBytes)), "err", err)
		writeError(w, http.StatusBadRequest, int(codes.InvalidArgument), err.Error())
		return
	}
	metricBytesIngested.WithLabelValues(tenant).Add(float64(len(body)))

	contentType := r.Header.Get("Content-Type")
	spans, err := otlp.Decode(body, contentType)
	if err != nil {
		metricDiscardedSpans.WithLabelValues(tenant, reasonInvalid).Inc()
		writeError(w, http.StatusBadRequest, int(codes.InvalidArgument), err.Error())
		return
	}
	if err := otlp.Validate(spans); err != nil {
		metricDiscardedSpans.WithLabelValues(tenant, reasonInvalid).Add(float64(len(spans)))
		writeError(w, http.StatusBadRequest, int(codes.InvalidArgument), err.Error())
		return
	}

	if _, err := i.pushSpans(r.Context(), tenant, spans); err != nil {
		var limited *rateLimitedError
		if errors.As(err, &limited) {
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(limited.resetAt, i.now().UnixMilli()), 10))
			writeError(w, http.StatusTooManyRequests, int(codes.Unavailable), limited.Error())
			return
		}
		var unavailable *storeUnavailableError
		if errors.As(err, &unavailable) {
			writeError(w, http.StatusServiceUnavailable, int(codes.Unavailable), unavailable.Error())
			return
		}
		level.Error(i.logger).Log("msg", "export failed", "tenant", tenant, "err", err)
		writeError(w, http.StatusInternalServerError, int(codes.Internal), "internal error")
		return
	}

	writeSuccess(w, contentType)
}

// readBody decompresses and reads the request body, enforcing the size cap
// on the decompressed stream.
func (i *Ingester) readBody(r *http.Request) ([]byte, error) {
	reader := io.Reader(r.Body)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(io.LimitReader(reader, i.cfg.MaxBatchBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > i.cfg.MaxBatchBytes {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func retryAfterSeconds(resetAt, nowMillis int64) int64 {
	secs := (resetAt - nowMillis + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeError(w http.ResponseWriter, httpStatus, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Message: message})
}

func writeSuccess(w http.ResponseWriter, contentType string) {
	switch {
	case strings.HasPrefix(contentType, otlp.ContentTypeProtobuf),
		strings.HasPrefix(contentType, otlp.ContentTypeProtobufAlt):
		data, err := proto.Marshal(&coltracepb.ExportTraceServiceResponse{})
		if err != nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", otlp.ContentTypeProtobuf)
		_, _ = w.Write(data)
	default:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
	}
}
