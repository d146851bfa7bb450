package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMetricsMiddlewareCountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := newHTTPMetrics(registry, Config{ServiceName: "licensehub", Environment: "test"})

	router := gin.New()
	router.Use(m.Middleware())
	router.POST("/heartbeat", func(c *gin.Context) { c.Status(http.StatusUnauthorized) })

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/heartbeat", nil))
	}

	got := testutil.ToFloat64(m.requests.WithLabelValues("/heartbeat", http.MethodPost, "401"))
	if got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}
}

func TestNewHTTPMetricsReusesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := newHTTPMetrics(registry, Config{ServiceName: "licensehub", Environment: "test"})
	second := newHTTPMetrics(registry, Config{ServiceName: "licensehub", Environment: "test"})
	if first.requests != second.requests {
		t.Fatalf("expected the second registration to reuse the first collector")
	}
}
