package trace

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/lookupd/xerrors"
)

func setupRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	install(tp)
	return recorder
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		ok   bool
	}{
		{"nil", nil, false},
		{"default", DefaultConfig("lookupd"), true},
		{"no service", &Config{Endpoint: "x:4317"}, false},
		{"no endpoint", &Config{ServiceName: "lookupd"}, false},
		{"bad sampler", &Config{ServiceName: "lookupd", Endpoint: "x:4317", Sampler: 1.5}, false},
		{"bad batcher", &Config{ServiceName: "lookupd", Endpoint: "x:4317", Batcher: "async"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.cfg)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
		})
	}
}

func TestInitDisabledFallsBackToDiscard(t *testing.T) {
	shutdown, err := Init(&Config{Enabled: false, ServiceName: "lookupd"})
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, span := otel.Tracer("t").Start(context.Background(), "op")
	defer span.End()
	assert.True(t, span.SpanContext().HasTraceID(), "Discard 仍应生成 TraceID")
}

func TestStartDeliverySpan(t *testing.T) {
	recorder := setupRecorder(t)

	_, span, headers := StartDeliverySpan(context.Background(), DeliveryMeta{
		System:      "nats",
		Destination: "lookupd.events",
		EventID:     7,
		SeqNo:       3,
	})
	MarkSpanError(span, errors.New("publish failed"))
	span.End()

	require.NotEmpty(t, headers["traceparent"], "应注入 traceparent")

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "lookupd.deliver nats", ended[0].Name())
	assert.Equal(t, oteltrace.SpanKindProducer, ended[0].SpanKind())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	// headers 可以还原出同一条链路
	ctx := Extract(context.Background(), headers)
	assert.Equal(t, ended[0].SpanContext().TraceID(), oteltrace.SpanContextFromContext(ctx).TraceID())
}

func TestMarkSpanErrorNil(t *testing.T) {
	MarkSpanError(nil, errors.New("x"))
	recorder := setupRecorder(t)
	_, span := otel.Tracer("t").Start(context.Background(), "ok")
	MarkSpanError(span, nil)
	span.End()
	assert.Equal(t, codes.Unset, recorder.Ended()[0].Status().Code)
}

func TestGinMiddlewareSkipsPaths(t *testing.T) {
	recorder := setupRecorder(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware("lookupd", "/healthz"))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/v1/admin", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/healthz", "/v1/admin"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Contains(t, ended[0].Name(), "/v1/admin")
}
