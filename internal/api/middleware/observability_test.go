package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/opsbridge/opsbridge/internal/api/middleware"
)

type observed struct {
	spans   *tracetest.SpanRecorder
	metrics *sdkmetric.ManualReader
	logs    *bytes.Buffer
	router  *chi.Mux
}

// newObserved builds a chi router behind the full observability chain, in
// the order the API router uses.
func newObserved(t *testing.T) *observed {
	t.Helper()

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	reader := sdkmetric.NewManualReader()
	metrics, err := middleware.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing("opsbridge"))
	r.Use(metrics.Middleware())
	r.Use(middleware.Logger(zerolog.New(logs).Level(zerolog.DebugLevel)))
	r.Use(middleware.Recovery(zerolog.Nop()))

	return &observed{spans: spans, metrics: reader, logs: logs, router: r}
}

func (o *observed) serve(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	o.router.ServeHTTP(rec, httptest.NewRequest(method, path, http.NoBody))
	return rec
}

func (o *observed) logEntry(t *testing.T) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(o.logs.Bytes(), &entry))
	return entry
}

func (o *observed) durationPoints(t *testing.T) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, o.metrics.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "http.server.request.duration" {
				return m.Data.(metricdata.Histogram[float64]).DataPoints
			}
		}
	}
	t.Fatal("no request duration recorded")
	return nil
}

func attr(set attribute.Set, key string) string {
	v, _ := set.Value(attribute.Key(key))
	return v.Emit()
}

func TestObservability_LabelsByRoutePattern(t *testing.T) {
	o := newObserved(t)
	o.router.Get("/v1/monitors/{monitorId}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"mon_42"}`))
	})

	rec := o.serve(t, http.MethodGet, "/v1/monitors/mon_42")
	require.Equal(t, http.StatusOK, rec.Code)

	spans := o.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /v1/monitors/{monitorId}", spans[0].Name())

	entry := o.logEntry(t)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "/v1/monitors/{monitorId}", entry["route"])
	assert.Equal(t, "/v1/monitors/mon_42", entry["path"])
	assert.Equal(t, float64(200), entry["status"])
	assert.Equal(t, float64(len(`{"id":"mon_42"}`)), entry["bytes"])
	assert.Equal(t, rec.Header().Get("X-Request-Id"), entry["request_id"])
	assert.Len(t, entry["trace_id"], 32)
	assert.Len(t, entry["span_id"], 16)

	points := o.durationPoints(t)
	require.Len(t, points, 1)
	assert.Equal(t, "/v1/monitors/{monitorId}", attr(points[0].Attributes, "http.route"))
	assert.Equal(t, "200", attr(points[0].Attributes, "http.response.status_code"))
}

func TestObservability_WebhookSystemLabel(t *testing.T) {
	o := newObserved(t)
	o.router.Post("/v1/webhooks/{system}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	o.serve(t, http.MethodPost, "/v1/webhooks/uptime")

	points := o.durationPoints(t)
	require.Len(t, points, 1)
	assert.Equal(t, "uptime", attr(points[0].Attributes, "opsbridge.system"))
	assert.Equal(t, "202", attr(points[0].Attributes, "http.response.status_code"))
}

func TestObservability_UnmatchedRoute(t *testing.T) {
	o := newObserved(t)
	// chi skips the middleware stack of a mux with no routes.
	o.router.Get("/v1/alerts", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := o.serve(t, http.MethodGet, "/v1/nope/123")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	spans := o.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET unmatched", spans[0].Name())
	assert.Equal(t, "warn", o.logEntry(t)["level"])
}

func TestObservability_ServerErrorMarksSpan(t *testing.T) {
	o := newObserved(t)
	o.router.Get("/v1/alerts", func(_ http.ResponseWriter, _ *http.Request) {
		panic("store exploded")
	})

	rec := o.serve(t, http.MethodGet, "/v1/alerts")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	spans := o.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "error", o.logEntry(t)["level"])
}

func TestObservability_HealthChecksLogAtDebug(t *testing.T) {
	o := newObserved(t)
	o.router.Get("/v1/ops/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	o.serve(t, http.MethodGet, "/v1/ops/health")

	assert.Equal(t, "debug", o.logEntry(t)["level"])
}

func TestTracing_ContinuesCallerTrace(t *testing.T) {
	o := newObserved(t)
	o.router.Get("/v1/alerts", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/alerts", http.NoBody)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	o.router.ServeHTTP(httptest.NewRecorder(), req)

	spans := o.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())
}

func TestObservability_WebsocketUpgradePassesThrough(t *testing.T) {
	o := newObserved(t)
	upgrader := websocket.Upgrader{}
	o.router.Get("/v1/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`))
	})

	server := httptest.NewServer(o.router)
	defer server.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/v1/stream", nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"hello"}`, string(msg))
}

func TestNewMetrics_GlobalProvider(t *testing.T) {
	metrics, err := middleware.NewMetrics(nil)
	require.NoError(t, err)
	assert.NotNil(t, metrics)
}
