package extractionconfig

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rxextract/rxextract/internal/platform/apperr"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/configs", h.List)
	api.GET("/configs/default", h.GetDefault)
	api.GET("/configs/:id", h.Get)
	api.POST("/configs", h.Create)
	api.PUT("/configs/:id", h.Update)
	api.DELETE("/configs/:id", h.Delete)
}

func (h *Handler) List(c echo.Context) error {
	items, err := h.svc.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Get(c echo.Context) error {
	cfg, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) GetDefault(c echo.Context) error {
	cfg, err := h.svc.Default(c.Request().Context())
	if err != nil {
		return err
	}
	if cfg == nil {
		return apperr.NotFound("No default configuration")
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) Create(c echo.Context) error {
	var cfg Config
	if err := c.Bind(&cfg); err != nil {
		return apperr.Validation("invalid request body")
	}
	created, err := h.svc.Create(c.Request().Context(), &cfg)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) Update(c echo.Context) error {
	var patch Patch
	if err := c.Bind(&patch); err != nil {
		return apperr.Validation("invalid request body")
	}
	updated, err := h.svc.Update(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Configuration deleted successfully"})
}
