package export

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/export")
	g.GET("/csv", h.CSV)
	g.GET("/json", h.JSON)
	g.GET("/xlsx", h.XLSX)
}

func selectedIDs(c echo.Context) []string {
	return SelectIDs(c.QueryParam("prescriptionIds"), c.QueryParam("prescriptionId"))
}

func attachment(c echo.Context, name string) {
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+name+`"`)
}

func (h *Handler) CSV(c echo.Context) error {
	b, err := h.svc.CSV(c.Request().Context(), selectedIDs(c))
	if err != nil {
		return err
	}
	attachment(c, "prescriptions.csv")
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", b)
}

func (h *Handler) JSON(c echo.Context) error {
	env, err := h.svc.JSON(c.Request().Context(), selectedIDs(c))
	if err != nil {
		return err
	}
	attachment(c, "prescriptions.json")
	return c.JSON(http.StatusOK, env)
}

func (h *Handler) XLSX(c echo.Context) error {
	b, err := h.svc.XLSX(c.Request().Context(), selectedIDs(c))
	if err != nil {
		return err
	}
	attachment(c, "prescriptions.xlsx")
	return c.Blob(http.StatusOK, mimeXLSX, b)
}
