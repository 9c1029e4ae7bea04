package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	rec := httptest.NewRecorder()
	if err := p.Handler()(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	return rec.Body.String()
}

func TestHistogram_CumulativeBuckets(t *testing.T) {
	h := newHistogram([]float64{1, 5, 10})
	for _, v := range []float64{0.5, 3, 3, 7, 42} {
		h.Observe(v)
	}
	cum, count, sum := h.snapshot()
	want := []int64{1, 3, 4}
	for i := range want {
		if cum[i] != want[i] {
			t.Errorf("bucket %d = %d, want %d", i, cum[i], want[i])
		}
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}
	if sum != 55.5 {
		t.Errorf("sum = %v, want 55.5", sum)
	}
}

func TestProvider_ModelAndRunMetrics(t *testing.T) {
	p := NewProvider()
	p.ObserveModel("openai", "success", 2*time.Second)
	p.ObserveModel("openai", "success", 3*time.Second)
	p.ObserveModel("claude", "upstream_model", 500*time.Millisecond)
	p.RunFinished("completed")

	body := scrape(t, p)
	for _, want := range []string{
		`rx_model_invocations_total{model="openai",outcome="success"} 2`,
		`rx_model_invocations_total{model="claude",outcome="upstream_model"} 1`,
		`rx_model_invocation_duration_seconds_count{model="openai"} 2`,
		`rx_model_invocation_duration_seconds_sum{model="openai"} 5`,
		`rx_model_invocation_duration_seconds_bucket{model="claude",le="0.5"} 1`,
		`rx_model_invocation_duration_seconds_bucket{model="openai",le="+Inf"} 2`,
		`rx_processing_runs_total{status="completed"} 1`,
		"# TYPE rx_model_invocation_duration_seconds histogram",
		"http_server_active_requests 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}

func TestMiddleware_RecordsRouteAndStatus(t *testing.T) {
	p := NewProvider()
	e := echo.New()
	e.Use(p.Middleware())
	e.GET("/api/prescriptions/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound, "nope")
		}
		return c.NoContent(http.StatusOK)
	})
	e.GET("/boom", func(c echo.Context) error { return errors.New("boom") })

	for _, path := range []string{"/api/prescriptions/a", "/api/prescriptions/b", "/api/prescriptions/missing"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	body := scrape(t, p)
	for _, want := range []string{
		`http_server_requests_total{method="GET",route="/api/prescriptions/:id",status_code="200"} 2`,
		`http_server_requests_total{method="GET",route="/api/prescriptions/:id",status_code="404"} 1`,
		`http_server_request_duration_seconds_count{method="GET",route="/api/prescriptions/:id"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}
