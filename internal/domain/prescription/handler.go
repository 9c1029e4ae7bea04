package prescription

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rxextract/rxextract/internal/platform/apperr"
	"github.com/rxextract/rxextract/pkg/pagination"
)

// Enqueuer schedules background processing of a prescription.
type Enqueuer interface {
	Enqueue(id string) bool
}

type Handler struct {
	svc   *Service
	queue Enqueuer
}

// NewHandler builds the HTTP handler. queue may be nil, in which case
// autoProcess uploads are stored but not scheduled.
func NewHandler(svc *Service, queue Enqueuer) *Handler {
	return &Handler{svc: svc, queue: queue}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/prescriptions", h.List)
	api.POST("/prescriptions/upload", h.Upload)
	api.GET("/prescriptions/:id", h.Get)
	api.GET("/prescriptions/:id/image", h.Image)
	api.DELETE("/prescriptions/:id", h.Delete)
	api.PATCH("/prescriptions/:id/extracted-data", h.UpdateExtractedData)
	api.GET("/extraction-results", h.ListResults)
	api.POST("/admin/backfill-images", h.BackfillImages)
}

func (h *Handler) List(c echo.Context) error {
	page := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), page)
	if err != nil {
		return err
	}
	pagination.WriteHeaders(c, total)
	return c.JSON(http.StatusOK, items)
}

type uploadResponse struct {
	Message         string    `json:"message"`
	Prescriptions   []Summary `json:"prescriptions"`
	PrescriptionIDs []string  `json:"prescriptionIds"`
	Queued          int       `json:"queued,omitempty"`
}

func (h *Handler) Upload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return apperr.Validation("Expected a multipart form with image files")
	}
	var files []*multipart.FileHeader
	files = append(files, form.File["files"]...)
	files = append(files, form.File["files[]"]...)

	created, err := h.svc.Upload(c.Request().Context(), files)
	if err != nil {
		return err
	}

	resp := uploadResponse{
		Message:         fmt.Sprintf("Successfully uploaded %d prescription(s)", len(created)),
		Prescriptions:   make([]Summary, 0, len(created)),
		PrescriptionIDs: make([]string, 0, len(created)),
	}
	for _, p := range created {
		resp.Prescriptions = append(resp.Prescriptions, p.Summary())
		resp.PrescriptionIDs = append(resp.PrescriptionIDs, p.ID)
	}

	if auto, _ := strconv.ParseBool(c.FormValue("autoProcess")); auto && h.queue != nil {
		for _, id := range resp.PrescriptionIDs {
			if h.queue.Enqueue(id) {
				resp.Queued++
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Get(c echo.Context) error {
	d, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Image(c echo.Context) error {
	b, mime, err := h.svc.Image(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	c.Response().Header().Set("Cache-Control", "private, max-age=300")
	return c.Blob(http.StatusOK, mime, b)
}

func (h *Handler) Delete(c echo.Context) error {
	force, _ := strconv.ParseBool(c.QueryParam("force"))
	if err := h.svc.Delete(c.Request().Context(), c.Param("id"), force); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Prescription deleted successfully"})
}

type fieldUpdatesRequest struct {
	FieldUpdates map[string]string `json:"fieldUpdates"`
}

func (h *Handler) UpdateExtractedData(c echo.Context) error {
	var req fieldUpdatesRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	d, err := h.svc.UpdateFields(c.Request().Context(), c.Param("id"), req.FieldUpdates)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListResults(c echo.Context) error {
	results, err := h.svc.ListResults(c.Request().Context(), c.QueryParam("prescriptionId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, results)
}

func (h *Handler) BackfillImages(c echo.Context) error {
	n, err := h.svc.BackfillImages(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "updated": n})
}
