// Package telemetry keeps in-process counters and histograms and serves them
// in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var (
	durationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	modelDurationBuckets = []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120}
)

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries []float64

	mu     sync.Mutex
	counts []int64
	count  int64
	sum    float64
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, counts: make([]int64, len(boundaries))}
}

func (h *histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.boundaries {
		if v <= b {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) snapshot() (cum []int64, count int64, sum float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum = make([]int64, len(h.counts))
	var running int64
	for i, c := range h.counts {
		running += c
		cum[i] = running
	}
	return cum, h.count, h.sum
}

// family is one metric name with a set of label values.
type family struct {
	name   string
	help   string
	labels []string

	mu         sync.Mutex
	counters   map[string]*int64
	histograms map[string]*histogram
	buckets    []float64
}

func (f *family) key(values []string) string {
	return strings.Join(values, "\x00")
}

func (f *family) inc(values ...string) {
	k := f.key(values)
	f.mu.Lock()
	c, ok := f.counters[k]
	if !ok {
		c = new(int64)
		f.counters[k] = c
	}
	f.mu.Unlock()
	atomic.AddInt64(c, 1)
}

func (f *family) observe(v float64, values ...string) {
	k := f.key(values)
	f.mu.Lock()
	h, ok := f.histograms[k]
	if !ok {
		h = newHistogram(f.buckets)
		f.histograms[k] = h
	}
	f.mu.Unlock()
	h.Observe(v)
}

func (f *family) labelString(key string, extra string) string {
	var parts []string
	if key != "" || len(f.labels) > 0 {
		values := strings.Split(key, "\x00")
		for i, l := range f.labels {
			if i < len(values) {
				parts = append(parts, fmt.Sprintf("%s=%q", l, values[i]))
			}
		}
	}
	if extra != "" {
		parts = append(parts, extra)
	}
	if len(parts) == 0 {
		return ""
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (f *family) write(b *strings.Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.histograms == nil {
		fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", f.name, f.help, f.name)
		for _, k := range sortedKeys(f.counters) {
			fmt.Fprintf(b, "%s%s %d\n", f.name, f.labelString(k, ""), atomic.LoadInt64(f.counters[k]))
		}
		return
	}

	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s histogram\n", f.name, f.help, f.name)
	for _, k := range sortedKeys(f.histograms) {
		cum, count, sum := f.histograms[k].snapshot()
		for i, le := range f.buckets {
			fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, f.labelString(k, fmt.Sprintf("le=%q", formatFloat(le))), cum[i])
		}
		fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, f.labelString(k, `le="+Inf"`), count)
		fmt.Fprintf(b, "%s_sum%s %s\n", f.name, f.labelString(k, ""), formatFloat(sum))
		fmt.Fprintf(b, "%s_count%s %d\n", f.name, f.labelString(k, ""), count)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Provider holds every metric the service exports.
type Provider struct {
	httpDuration  *family
	httpRequests  *family
	modelCalls    *family
	modelDuration *family
	runs          *family
	active        int64
}

func newCounter(name, help string, labels ...string) *family {
	return &family{name: name, help: help, labels: labels, counters: map[string]*int64{}}
}

func newHistogramFamily(name, help string, buckets []float64, labels ...string) *family {
	return &family{name: name, help: help, labels: labels, histograms: map[string]*histogram{}, buckets: buckets}
}

func NewProvider() *Provider {
	return &Provider{
		httpRequests: newCounter("http_server_requests_total",
			"HTTP requests by method, route and status code.", "method", "route", "status_code"),
		httpDuration: newHistogramFamily("http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.", durationBuckets, "method", "route"),
		modelCalls: newCounter("rx_model_invocations_total",
			"Extraction model invocations by model and outcome.", "model", "outcome"),
		modelDuration: newHistogramFamily("rx_model_invocation_duration_seconds",
			"Wall-clock time of extraction model invocations.", modelDurationBuckets, "model"),
		runs: newCounter("rx_processing_runs_total",
			"Finished processing runs by terminal status.", "status"),
	}
}

// ObserveModel records one model invocation, retries included.
func (p *Provider) ObserveModel(model, outcome string, d time.Duration) {
	p.modelCalls.inc(model, outcome)
	p.modelDuration.observe(d.Seconds(), model)
}

// RunFinished counts a processing run that reached status.
func (p *Provider) RunFinished(status string) {
	p.runs.inc(status)
}

// Middleware records request counts and latency per route.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.active, 1)
			start := time.Now()
			err := next(c)
			atomic.AddInt64(&p.active, -1)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			method := c.Request().Method
			p.httpRequests.inc(method, route, strconv.Itoa(status))
			p.httpDuration.observe(time.Since(start).Seconds(), method, route)
			return err
		}
	}
}

// Handler serves every metric in the Prometheus text format.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		for _, f := range []*family{p.httpRequests, p.httpDuration, p.modelCalls, p.modelDuration, p.runs} {
			f.write(&b)
			b.WriteByte('\n')
		}
		b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n", atomic.LoadInt64(&p.active))

		c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
		return c.String(http.StatusOK, b.String())
	}
}
