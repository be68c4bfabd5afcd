package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureCounter struct {
	mu      sync.Mutex
	records [][]Label
}

func (c *captureCounter) Inc(_ context.Context, labels ...Label) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, append([]Label(nil), labels...))
}

func (c *captureCounter) Add(ctx context.Context, _ float64, labels ...Label) {
	c.Inc(ctx, labels...)
}

type captureHistogram struct {
	n int
}

func (h *captureHistogram) Record(context.Context, float64, ...Label) { h.n++ }

func labelValue(labels []Label, key string) string {
	for _, l := range labels {
		if l.Key == key {
			return l.Value
		}
	}
	return "<missing>"
}

func newCaptureRouter() (*gin.Engine, *captureCounter, *captureHistogram) {
	gin.SetMode(gin.TestMode)
	counter, hist := &captureCounter{}, &captureHistogram{}
	router := gin.New()
	router.Use(GinHTTPMiddleware(&HTTPServerMetrics{service: "lookupd", requestTotal: counter, duration: hist}))
	return router, counter, hist
}

func TestGinHTTPMiddlewareLabels(t *testing.T) {
	router, counter, hist := newCaptureRouter()
	router.POST("/v1/services/:id/renew", func(c *gin.Context) {
		c.Set(ErrorCodeKey, "UNKNOWN_LEASE")
		c.AbortWithStatus(http.StatusNotFound)
	})
	router.GET("/v1/admin", func(c *gin.Context) { c.Status(http.StatusOK) })

	cases := []struct {
		method, path          string
		route, class, outcome string
		code                  string
	}{
		{http.MethodPost, "/v1/services/4f1c/renew", "/v1/services/:id/renew", "4xx", OutcomeError, "UNKNOWN_LEASE"},
		{http.MethodGet, "/v1/admin", "/v1/admin", "2xx", OutcomeSuccess, ""},
		{http.MethodGet, "/v1/no-such-route", UnknownRoute, "4xx", OutcomeError, ""},
	}
	for _, tc := range cases {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tc.method, tc.path, nil))
	}

	require.Len(t, counter.records, len(cases))
	assert.Equal(t, len(cases), hist.n)
	for i, tc := range cases {
		labels := counter.records[i]
		assert.Equal(t, tc.route, labelValue(labels, LabelRoute), tc.path)
		assert.Equal(t, tc.method, labelValue(labels, LabelMethod), tc.path)
		assert.Equal(t, tc.class, labelValue(labels, LabelStatusClass), tc.path)
		assert.Equal(t, tc.outcome, labelValue(labels, LabelOutcome), tc.path)
		assert.Equal(t, tc.code, labelValue(labels, LabelCode), tc.path)
		assert.Equal(t, "lookupd", labelValue(labels, LabelService), tc.path)
	}
}

func TestGinHTTPMiddlewareNilMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinHTTPMiddleware(nil))
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewHTTPServerMetrics(t *testing.T) {
	_, err := NewHTTPServerMetrics(nil, DefaultHTTPServerMetricsConfig("lookupd"))
	assert.Error(t, err)

	m, err := NewHTTPServerMetrics(Discard(), &HTTPServerMetricsConfig{})
	require.NoError(t, err)
	assert.Equal(t, "unknown", m.service)
}
