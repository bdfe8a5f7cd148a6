package middleware

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/idrisalani/school-management-system-sub002/internal/telemetry"
)

// collectMetric returns the first series of c whose labels include all of labels.
func collectMetric(c prometheus.Collector, labels prometheus.Labels) *dto.Metric {
	ch := make(chan prometheus.Metric, 32)
	c.Collect(ch)
	close(ch)
	for m := range ch {
		var dm dto.Metric
		if err := m.Write(&dm); err != nil {
			continue
		}
		matched := 0
		for _, lp := range dm.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want == lp.GetValue() {
				matched++
			}
		}
		if matched == len(labels) {
			return &dm
		}
	}
	return nil
}

func requestCount(labels prometheus.Labels) float64 {
	if m := collectMetric(telemetry.HTTPRequestsTotal, labels); m != nil {
		return m.GetCounter().GetValue()
	}
	return 0
}

func newMetricsRouter(status int) *gin.Engine {
	r := gin.New()
	r.Use(MetricsMiddleware())
	r.GET("/api/v1/admin/audit-logs/:id", func(c *gin.Context) { c.Status(status) })
	return r
}

// ---------------------------------------------------------------------------
// MetricsMiddleware tests
// ---------------------------------------------------------------------------

func TestMetricsMiddleware_CountsByRouteTemplate(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": "/api/v1/admin/audit-logs/:id", "status": "200"}
	before := requestCount(labels)

	serve(newMetricsRouter(http.StatusOK), http.MethodGet, "/api/v1/admin/audit-logs/42")

	if after := requestCount(labels); after-before != 1 {
		t.Errorf("http_requests_total delta = %.0f, want 1", after-before)
	}
	if m := collectMetric(telemetry.HTTPRequestsTotal, prometheus.Labels{"path": "/api/v1/admin/audit-logs/42"}); m != nil {
		t.Error("raw URL used as path label")
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": "/api/v1/admin/audit-logs/:id"}
	var before uint64
	if m := collectMetric(telemetry.HTTPRequestDuration, labels); m != nil {
		before = m.GetHistogram().GetSampleCount()
	}

	serve(newMetricsRouter(http.StatusOK), http.MethodGet, "/api/v1/admin/audit-logs/7")

	m := collectMetric(telemetry.HTTPRequestDuration, labels)
	if m == nil || m.GetHistogram().GetSampleCount() <= before {
		t.Error("http_request_duration_seconds sample count did not increase")
	}
}

func TestMetricsMiddleware_ErrorStatus(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": "/api/v1/admin/audit-logs/:id", "status": "500"}
	before := requestCount(labels)

	serve(newMetricsRouter(http.StatusInternalServerError), http.MethodGet, "/api/v1/admin/audit-logs/x")

	if after := requestCount(labels); after-before != 1 {
		t.Errorf("status=500 delta = %.0f, want 1", after-before)
	}
}

func TestMetricsMiddleware_NoRouteLabel(t *testing.T) {
	r := gin.New()
	r.Use(MetricsMiddleware())

	serve(r, http.MethodGet, "/does-not-exist")

	if collectMetric(telemetry.HTTPRequestsTotal, prometheus.Labels{"path": "<no-route>"}) == nil {
		t.Error("expected a <no-route> series for the unmatched request")
	}
}
