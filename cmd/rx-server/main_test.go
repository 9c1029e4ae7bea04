package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rxextract/rxextract/internal/config"
	"github.com/rxextract/rxextract/internal/extraction/gateway"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func testConfig(t *testing.T, driver string) *config.Config {
	t.Helper()
	return &config.Config{
		Env:                  "test",
		StorageDriver:        driver,
		SQLitePath:           filepath.Join(t.TempDir(), "rx.db"),
		CORSOrigins:          []string{"*"},
		RateLimitRPS:         1000,
		RateLimitBurst:       1000,
		RequestTimeout:       10 * time.Second,
		BodyLimit:            "10M",
		UploadMaxBytes:       1 << 20,
		UploadMaxFiles:       5,
		ModelTimeout:         time.Second,
		ModelRetryBackoff:    time.Millisecond,
		QueueWorkers:         1,
		QueueSize:            4,
		StaleProcessingAfter: time.Hour,
		AssetsDir:            t.TempDir(),
	}
}

// fakeGateway answers every model with the same canned reply.
func fakeGateway(t *testing.T, replies map[string]string) *gateway.Gateway {
	t.Helper()
	backends := gateway.DefaultBackends(gateway.ProviderConfig{})
	for i := range backends {
		text, ok := replies[backends[i].ID]
		backends[i].Client = gateway.ClientFunc(func(ctx context.Context, req gateway.Request) (string, error) {
			if !ok {
				return "", context.DeadlineExceeded
			}
			return text, nil
		})
	}
	gw, err := gateway.New(gateway.Options{Timeout: time.Second, RPS: 100, Burst: 100}, zerolog.New(io.Discard), backends...)
	if err != nil {
		t.Fatal(err)
	}
	return gw
}

func newTestApp(t *testing.T, driver string, replies map[string]string) *app {
	t.Helper()
	cfg := testConfig(t, driver)
	st, err := openStorage(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)

	logger := zerolog.New(io.Discard)
	a := newApp(cfg, st, fakeGateway(t, replies), logger)
	t.Cleanup(func() { a.queue.Shutdown(context.Background()) })
	if err := a.prepare(context.Background(), cfg, st, logger); err != nil {
		t.Fatal(err)
	}
	return a
}

func do(t *testing.T, a *app, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
}

func uploadRequest(t *testing.T) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("files", "rx.png")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(pngBytes)
	w.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/prescriptions/upload", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	a := newTestApp(t, config.DriverMemory, nil)

	rec := do(t, a, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "healthy" {
		t.Errorf("unexpected status %v", body["status"])
	}
	if up, ok := body["uptime"].(float64); !ok || up < 0 {
		t.Errorf("uptime must be a non-negative number, got %v", body["uptime"])
	}
	if _, err := time.Parse(time.RFC3339Nano, body["timestamp"].(string)); err != nil {
		t.Errorf("timestamp not ISO 8601: %v", err)
	}

	rec = do(t, a, httptest.NewRequest(http.MethodGet, "/api/health/db", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected db health 200, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	a := newTestApp(t, config.DriverMemory, nil)
	do(t, a, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	rec := do(t, a, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := `http_server_requests_total{method="GET",route="/api/health",status_code="200"} 1`
	if !strings.Contains(rec.Body.String(), want) {
		t.Errorf("missing %q in:\n%s", want, rec.Body.String())
	}
}

func TestModels(t *testing.T) {
	a := newTestApp(t, config.DriverMemory, nil)
	rec := do(t, a, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	var models []gateway.ModelInfo
	decode(t, rec, &models)
	if len(models) != 3 || models[0].ID != gateway.ModelOpenAI {
		t.Errorf("unexpected models %+v", models)
	}
}

func TestDefaultConfigurationSeeded(t *testing.T) {
	a := newTestApp(t, config.DriverMemory, nil)
	rec := do(t, a, httptest.NewRequest(http.MethodGet, "/api/configs/default", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var cfg map[string]any
	decode(t, rec, &cfg)
	if cfg["name"] != "Default Configuration" || cfg["isDefault"] != true {
		t.Errorf("unexpected default %v", cfg)
	}
}

// End to end: upload, process with two models, read back, export, delete.
func testLifecycle(t *testing.T, driver string) {
	a := newTestApp(t, driver, map[string]string{
		gateway.ModelOpenAI: `{"patientDetails": {"patientName": "Asha Rao"}, "medications": [{"drugName": "Amoxicillin"}], "confidence": 0.8}`,
		gateway.ModelClaude: `{"medications": [{"drugName": "Amoxicillin 500mg"}], "confidence": 0.95}`,
	})

	rec := do(t, a, uploadRequest(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	var up struct {
		PrescriptionIDs []string `json:"prescriptionIds"`
	}
	decode(t, rec, &up)
	if len(up.PrescriptionIDs) != 1 {
		t.Fatalf("expected one id, got %v", up.PrescriptionIDs)
	}
	id := up.PrescriptionIDs[0]

	req := httptest.NewRequest(http.MethodPost, "/api/prescriptions/"+id+"/process", strings.NewReader(`{"selectedModels":["openai","claude"]}`))
	req.Header.Set("Content-Type", "application/json")
	rec = do(t, a, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("process: %d %s", rec.Code, rec.Body.String())
	}
	var outcome struct {
		ProcessingStatus string                       `json:"processingStatus"`
		ExtractedData    map[string]map[string]string `json:"extractedData"`
	}
	decode(t, rec, &outcome)
	if outcome.ProcessingStatus != "completed" {
		t.Fatalf("expected completed, got %s", outcome.ProcessingStatus)
	}
	if got := outcome.ExtractedData["medication"]["drugName"]; got != "Amoxicillin 500mg" {
		t.Errorf("expected the more confident model to win, got %q", got)
	}
	if got := outcome.ExtractedData["patient"]["patientName"]; got != "Asha Rao" {
		t.Errorf("expected patient name from openai, got %q", got)
	}

	rec = do(t, a, httptest.NewRequest(http.MethodGet, "/api/prescriptions/"+id, nil))
	var detail struct {
		ProcessingStatus  string           `json:"processingStatus"`
		ExtractionResults []map[string]any `json:"extractionResults"`
	}
	decode(t, rec, &detail)
	if detail.ProcessingStatus != "completed" || len(detail.ExtractionResults) != 3 {
		t.Errorf("unexpected detail %+v", detail)
	}

	rec = do(t, a, httptest.NewRequest(http.MethodGet, "/api/export/csv?prescriptionId="+id, nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Amoxicillin 500mg") {
		t.Errorf("unexpected csv export %d %q", rec.Code, rec.Body.String())
	}

	rec = do(t, a, httptest.NewRequest(http.MethodDelete, "/api/prescriptions/"+id, nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("deleting a completed prescription without force: expected 400, got %d", rec.Code)
	}
	rec = do(t, a, httptest.NewRequest(http.MethodDelete, "/api/prescriptions/"+id+"?force=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("forced delete: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, a, httptest.NewRequest(http.MethodGet, "/api/prescriptions/"+id, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestLifecycle_Memory(t *testing.T) { testLifecycle(t, config.DriverMemory) }
func TestLifecycle_SQLite(t *testing.T) { testLifecycle(t, config.DriverSQLite) }

func TestProcess_AllModelsFail(t *testing.T) {
	a := newTestApp(t, config.DriverMemory, nil)

	rec := do(t, a, uploadRequest(t))
	var up struct {
		PrescriptionIDs []string `json:"prescriptionIds"`
	}
	decode(t, rec, &up)

	req := httptest.NewRequest(http.MethodPost, "/api/prescriptions/"+up.PrescriptionIDs[0]+"/process-existing", strings.NewReader(`{"selectedModels":["gemini"]}`))
	req.Header.Set("Content-Type", "application/json")
	rec = do(t, a, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"processingStatus":"failed"`) {
		t.Errorf("expected failed status, got %s", rec.Body.String())
	}
}

func TestOpenStorage_UnknownDriver(t *testing.T) {
	cfg := testConfig(t, "mongo")
	if _, err := openStorage(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown driver")
	}
}
