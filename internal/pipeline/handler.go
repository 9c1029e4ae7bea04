package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rxextract/rxextract/internal/domain/prescription"
	"github.com/rxextract/rxextract/internal/platform/apperr"
)

type Handler struct {
	runner         Runner
	maxUploadBytes int64
}

func NewHandler(runner Runner, maxUploadBytes int64) *Handler {
	return &Handler{runner: runner, maxUploadBytes: maxUploadBytes}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/prescriptions/:id/process", h.Process)
	api.POST("/prescriptions/:id/process-existing", h.ProcessExisting)
}

type processRequest struct {
	SelectedModels []string          `json:"selectedModels"`
	SelectedFields []string          `json:"selectedFields"`
	CustomPrompts  map[string]string `json:"customPrompts"`
}

func (r processRequest) toRequest() Request {
	return Request{Models: r.SelectedModels, Fields: r.SelectedFields, Prompts: r.CustomPrompts}
}

type processResponse struct {
	Message string `json:"message"`
	*Outcome
}

// Process runs extraction, optionally replacing the stored image with a
// multipart "file" part first.
func (h *Handler) Process(c echo.Context) error {
	var req Request
	ctype := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ctype, echo.MIMEMultipartForm) {
		r, err := h.readMultipart(c)
		if err != nil {
			return err
		}
		req = r
	} else if c.Request().ContentLength != 0 {
		var body processRequest
		if err := c.Bind(&body); err != nil {
			return apperr.Validation("invalid request body")
		}
		req = body.toRequest()
	}
	return h.run(c, req)
}

// ProcessExisting runs extraction on the stored image.
func (h *Handler) ProcessExisting(c echo.Context) error {
	var body processRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return apperr.Validation("invalid request body")
		}
	}
	return h.run(c, body.toRequest())
}

func (h *Handler) run(c echo.Context, req Request) error {
	// The run outlives the request deadline; model timeouts bound it.
	ctx := context.WithoutCancel(c.Request().Context())
	out, err := h.runner.Process(ctx, c.Param("id"), req)
	if err != nil {
		return err
	}
	msg := "Prescription processed successfully"
	if out.ProcessingStatus == prescription.StatusFailed {
		msg = "All models failed to process the prescription"
	}
	return c.JSON(http.StatusOK, processResponse{Message: msg, Outcome: out})
}

func (h *Handler) readMultipart(c echo.Context) (Request, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return Request{}, apperr.Validation("Expected a multipart form")
	}
	req := Request{
		Models: listValue(form.Value["selectedModels"]),
		Fields: listValue(form.Value["selectedFields"]),
	}
	if raw := firstValue(form.Value["customPrompts"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Prompts); err != nil {
			return Request{}, apperr.Validation("customPrompts must be a JSON object")
		}
	}
	if files := form.File["file"]; len(files) > 0 {
		u, err := prescription.ReadUpload(files[0], h.maxUploadBytes)
		if err != nil {
			return Request{}, err
		}
		req.Upload = &u
	}
	return req, nil
}

// listValue accepts repeated form values, comma lists and JSON arrays.
func listValue(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if strings.HasPrefix(v, "[") {
			var arr []string
			if json.Unmarshal([]byte(v), &arr) == nil {
				out = append(out, arr...)
				continue
			}
		}
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
