package extractionconfig

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rxextract/rxextract/internal/platform/apperr"
)

func newTestHandler() (*Handler, *echo.Echo) {
	h := NewHandler(newTestService(NewMemoryRepo()))
	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.New(io.Discard))
	h.RegisterRoutes(e.Group("/api"))
	return h, e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateAndList(t *testing.T) {
	_, e := newTestHandler()

	rec := do(e, http.MethodPost, "/api/configs",
		`{"name":"Test","selectedModels":["openai"],"selectedFields":["patientDetails"],"isDefault":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created Config
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.ID == "" || created.CreatedAt.IsZero() || !created.IsDefault {
		t.Errorf("unexpected created config %+v", created)
	}

	rec = do(e, http.MethodGet, "/api/configs", "")
	var list []Config
	json.Unmarshal(rec.Body.Bytes(), &list)
	if rec.Code != http.StatusOK || len(list) != 1 {
		t.Errorf("list: %d %v", rec.Code, list)
	}

	rec = do(e, http.MethodGet, "/api/configs/default", "")
	if rec.Code != http.StatusOK {
		t.Errorf("default: expected 200, got %d", rec.Code)
	}
}

func TestHandler_CreateMissingFields(t *testing.T) {
	_, e := newTestHandler()
	for _, body := range []string{
		`{"selectedModels":["openai"],"selectedFields":["x"]}`,
		`{"name":"n","selectedFields":["x"]}`,
		`{"name":"n","selectedModels":["openai"]}`,
		`{"name":"n","selectedModels":["nope"],"selectedFields":["x"]}`,
	} {
		rec := do(e, http.MethodPost, "/api/configs", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestHandler_Update(t *testing.T) {
	_, e := newTestHandler()
	rec := do(e, http.MethodPost, "/api/configs",
		`{"name":"Test","selectedModels":["openai"],"selectedFields":["patientDetails"]}`)
	var created Config
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = do(e, http.MethodPut, "/api/configs/"+created.ID, `{"name":"Renamed","selectedModels":["claude","gemini"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated Config
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Name != "Renamed" || len(updated.SelectedModels) != 2 || updated.SelectedFields[0] != "patientDetails" {
		t.Errorf("unexpected update %+v", updated)
	}

	rec = do(e, http.MethodPut, "/api/configs/missing", `{"name":"x"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_Delete(t *testing.T) {
	_, e := newTestHandler()
	rec := do(e, http.MethodPost, "/api/configs",
		`{"name":"Test","selectedModels":["openai"],"selectedFields":["patientDetails"]}`)
	var created Config
	json.Unmarshal(rec.Body.Bytes(), &created)

	if rec := do(e, http.MethodDelete, "/api/configs/"+created.ID, ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := do(e, http.MethodDelete, "/api/configs/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/configs/default", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a default, got %d", rec.Code)
	}
}
