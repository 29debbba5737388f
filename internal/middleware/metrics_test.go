package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/metrics"
)

// requestLabels returns the label set of the first counter in the
// cors_proxy_http_requests_total family matching the given method.
func requestLabels(t *testing.T, m *metrics.Metrics, method string) (map[string]string, float64) {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "cors_proxy_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == method {
				return labels, metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("no cors_proxy_http_requests_total sample with method=%q", method)
	return nil, 0
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	labels, value := requestLabels(t, m, "GET")
	if labels["status_code"] != "200" {
		t.Errorf("status_code = %q, want %q", labels["status_code"], "200")
	}
	if value != 1 {
		t.Errorf("counter value = %v, want 1", value)
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "cors_proxy_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected cors_proxy_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/test", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	labels, _ := requestLabels(t, m, "GET")
	if labels["status_code"] != "404" {
		t.Errorf("status_code = %q, want %q", labels["status_code"], "404")
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("XYZZY", "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	labels, _ := requestLabels(t, m, "other")
	if labels["status_code"] != "200" {
		t.Errorf("status_code = %q, want %q", labels["status_code"], "200")
	}
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	// No routes registered; request should yield 404.

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	labels, _ := requestLabels(t, m, "GET")
	if labels["status_code"] != "404" {
		t.Errorf("status_code = %q, want %q", labels["status_code"], "404")
	}
}
