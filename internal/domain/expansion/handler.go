package expansion

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ocl/ocl/internal/domain/reference"
	"github.com/ocl/ocl/internal/domain/terminology"
	"github.com/ocl/ocl/internal/platform/auth"
	"github.com/ocl/ocl/pkg/pagination"
)

// Handler exposes collection references and expansions over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates a new expansion handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers reference and expansion routes on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleEditor))
	read.GET("/repository-versions/:id/references", h.ListReferences)
	read.GET("/repository-versions/:id/expansions", h.ListExpansions)
	read.GET("/expansions/:id", h.GetExpansion)
	read.GET("/expansions/:id/concepts", h.ListConcepts)
	read.GET("/expansions/:id/mappings", h.ListMappings)

	write := api.Group("", auth.RequireRole(auth.RoleEditor))
	write.POST("/repository-versions/:id/references", h.AddReferences)
	write.DELETE("/repository-versions/:id/references", h.DeleteReferences)
	write.POST("/repository-versions/:id/expansions", h.CreateExpansion)
	write.DELETE("/expansions/:id", h.DeleteExpansion)
	write.POST("/expansions/:id/$recompute", h.Recompute)
}

// View is the API representation of an expansion.
type View struct {
	*Expansion
	State string `json:"state"`
}

func viewOf(e *Expansion) View { return View{Expansion: e, State: e.State()} }

func viewsOf(in []*Expansion) []View {
	out := make([]View, len(in))
	for i, e := range in {
		out[i] = viewOf(e)
	}
	return out
}

// httpError maps domain errors to HTTP errors.
func httpError(err error) error {
	switch {
	case errors.Is(err, terminology.ErrNotFound),
		errors.Is(err, ErrExpansionNotFound),
		errors.Is(err, reference.ErrReferenceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateExpansion):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidParameters), errors.Is(err, ErrNotCollection):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrWaitTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
}

func idParam(c echo.Context, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+what+" id")
	}
	return id, nil
}

// AddRequest is the body of POST /repository-versions/:id/references.
type AddRequest struct {
	Expressions json.RawMessage    `json:"expressions"`
	Transform   string             `json:"transform"`
	Cascade     *reference.Cascade `json:"cascade"`
}

// AddReferences handles POST /api/v1/repository-versions/:id/references
func (h *Handler) AddReferences(c echo.Context) error {
	versionID, err := idParam(c, "repository version")
	if err != nil {
		return err
	}
	var req AddRequest
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

	result, err := h.svc.AddExpressions(c.Request().Context(), versionID, expression, reference.Options{
		Transform: req.Transform,
		Cascade:   req.Cascade,
	})
	if err != nil {
		return httpError(err)
	}
	status := http.StatusCreated
	if len(result.Added) == 0 {
		status = http.StatusOK
		if len(result.NameConflicts) > 0 {
			status = http.StatusConflict
		}
	}
	return c.JSON(status, result)
}

// ListReferences handles GET /api/v1/repository-versions/:id/references
func (h *Handler) ListReferences(c echo.Context) error {
	versionID, err := idParam(c, "repository version")
	if err != nil {
		return err
	}
	refs, err := h.svc.ListReferences(c.Request().Context(), versionID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, refs)
}

// DeleteRequest selects references to delete by id or by expression.
type DeleteRequest struct {
	IDs         []uuid.UUID `json:"ids"`
	Expressions []string    `json:"expressions"`
}

// DeleteReferences handles DELETE /api/v1/repository-versions/:id/references
func (h *Handler) DeleteReferences(c echo.Context) error {
	versionID, err := idParam(c, "repository version")
	if err != nil {
		return err
	}
	var req DeleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.IDs) == 0 && len(req.Expressions) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "ids or expressions are required")
	}

	ctx := c.Request().Context()
	var deleted []*reference.Reference
	if len(req.IDs) > 0 {
		if deleted, err = h.svc.DeleteReferences(ctx, versionID, req.IDs); err != nil {
			return httpError(err)
		}
	}
	if len(req.Expressions) > 0 {
		more, err := h.svc.DeleteExpressions(ctx, versionID, req.Expressions)
		if err != nil {
			return httpError(err)
		}
		deleted = append(deleted, more...)
	}
	if deleted == nil {
		deleted = []*reference.Reference{}
	}
	return c.JSON(http.StatusOK, map[string]any{"deleted": deleted})
}

// CreateRequest is the body of POST /repository-versions/:id/expansions.
type CreateRequest struct {
	Mnemonic   string     `json:"mnemonic"`
	Parameters Parameters `json:"parameters"`
}

// CreateExpansion handles POST /api/v1/repository-versions/:id/expansions
func (h *Handler) CreateExpansion(c echo.Context) error {
	versionID, err := idParam(c, "repository version")
	if err != nil {
		return err
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	exp, err := h.svc.CreateExpansion(c.Request().Context(), versionID, req.Mnemonic, req.Parameters)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, viewOf(exp))
}

// ListExpansions handles GET /api/v1/repository-versions/:id/expansions
func (h *Handler) ListExpansions(c echo.Context) error {
	versionID, err := idParam(c, "repository version")
	if err != nil {
		return err
	}
	expansions, err := h.svc.ListExpansions(c.Request().Context(), versionID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, viewsOf(expansions))
}

// GetExpansion handles GET /api/v1/expansions/:id
func (h *Handler) GetExpansion(c echo.Context) error {
	id, err := idParam(c, "expansion")
	if err != nil {
		return err
	}
	exp, err := h.svc.GetExpansion(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, viewOf(exp))
}

// DeleteExpansion handles DELETE /api/v1/expansions/:id
func (h *Handler) DeleteExpansion(c echo.Context) error {
	id, err := idParam(c, "expansion")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteExpansion(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Recompute handles POST /api/v1/expansions/:id/$recompute?wait=true
func (h *Handler) Recompute(c echo.Context) error {
	id, err := idParam(c, "expansion")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	exp, err := h.svc.Recompute(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if wait, _ := strconv.ParseBool(c.QueryParam("wait")); wait {
		if exp, err = h.svc.WaitUntilProcessed(ctx, id); err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, viewOf(exp))
	}
	return c.JSON(http.StatusAccepted, viewOf(exp))
}

// ListConcepts handles GET /api/v1/expansions/:id/concepts
func (h *Handler) ListConcepts(c echo.Context) error {
	id, err := idParam(c, "expansion")
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	concepts, total, err := h.svc.ListConcepts(c.Request().Context(), id, p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(concepts, total, p).WithLinks(c.Request().URL))
}

// ListMappings handles GET /api/v1/expansions/:id/mappings
func (h *Handler) ListMappings(c echo.Context) error {
	id, err := idParam(c, "expansion")
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	mappings, total, err := h.svc.ListMappings(c.Request().Context(), id, p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(mappings, total, p).WithLinks(c.Request().URL))
}
