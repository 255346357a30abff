package reference

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ocl/ocl/internal/platform/auth"
)

// Handler exposes reference parsing over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates a new reference handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers reference routes on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/references", auth.RequireRole(auth.RoleViewer, auth.RoleEditor))
	g.POST("/$parse", h.Parse)
}

// ParseRequest is the body of POST /references/$parse.
type ParseRequest struct {
	Expressions json.RawMessage `json:"expressions"`
	Transform   string          `json:"transform"`
	Cascade     *Cascade        `json:"cascade"`
}

// Parse handles POST /api/v1/references/$parse
func (h *Handler) Parse(c echo.Context) error {
	var req ParseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Expressions) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "expressions are required")
	}
	var expression any
	if err := json.Unmarshal(req.Expressions, &expression); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expressions must be valid JSON")
	}

	result, err := h.svc.ParseExpressions(c.Request().Context(), expression, Options{
		Transform: req.Transform,
		Cascade:   req.Cascade,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}
