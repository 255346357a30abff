package terminology

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ocl/ocl/internal/platform/auth"
	"github.com/ocl/ocl/internal/platform/checksum"
)

// Handler provides REST endpoints for checksums and version comparison.
type Handler struct {
	svc *Service
}

// NewHandler creates a new terminology handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers terminology routes on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleEditor))
	read.POST("/checksums/:resource", h.Checksum)
	read.GET("/repository-versions/:id/$diff", h.CompareVersions)
}

// Checksum handles POST /api/v1/checksums/:resource?kind=standard|smart&verbose=true
func (h *Handler) Checksum(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	verbose, _ := strconv.ParseBool(c.QueryParam("verbose"))

	result, err := h.svc.Checksum(c.Param("resource"), c.QueryParam("kind"), body, verbose)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// CompareVersions handles GET /api/v1/repository-versions/:id/$diff?against=<id>&verbosity=0..3
// where :id is the newer version.
func (h *Handler) CompareVersions(c echo.Context) error {
	newer, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid repository version id")
	}
	older, err := uuid.Parse(c.QueryParam("against"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter 'against' must be a repository version id")
	}
	verbosity := checksum.VerbosityCounts
	if v := c.QueryParam("verbosity"); v != "" {
		if verbosity, err = strconv.Atoi(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "verbosity must be an integer")
		}
	}

	diff, err := h.svc.CompareVersions(c.Request().Context(), older, newer, verbosity)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, ErrInvalidVerbosity):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
	return c.JSON(http.StatusOK, diff)
}
