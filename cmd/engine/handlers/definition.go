package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/fluxline/bpmn-engine/cmd/engine/service"
	"github.com/fluxline/bpmn-engine/common/ratelimit"
	"github.com/fluxline/bpmn-engine/common/sdk"
)

// DefinitionHandler handles process definition requests
type DefinitionHandler struct {
	engine *service.Engine
}

// NewDefinitionHandler creates a new definition handler
func NewDefinitionHandler(engine *service.Engine) *DefinitionHandler {
	return &DefinitionHandler{engine: engine}
}

type deployRequest struct {
	Name    string `json:"name"`
	BPMNXML string `json:"bpmn_xml"`
}

// Deploy validates and stores a BPMN definition
// POST /api/v1/definitions
func (h *DefinitionHandler) Deploy(c echo.Context) error {
	var req deployRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" || req.BPMNXML == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and bpmn_xml are required")
	}

	def, err := h.engine.DeployDefinition(c.Request().Context(), req.Name, req.BPMNXML)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, def)
}

// Get retrieves a definition by ID
// GET /api/v1/definitions/:id
func (h *DefinitionHandler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid definition id")
	}

	def, err := h.engine.GetDefinition(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, def)
}

// List retrieves deployed definitions
// GET /api/v1/definitions
func (h *DefinitionHandler) List(c echo.Context) error {
	defs, err := h.engine.ListDefinitions(c.Request().Context(), intQuery(c, "limit", 100))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"definitions": defs})
}

// httpError maps engine errors onto HTTP statuses: validation-class
// engine codes are the caller's fault, missing rows are 404, throttled
// starts are 429, the rest is a 500.
func httpError(err error) error {
	switch sdk.CodeOf(err) {
	case sdk.CodeInvalidBPMN, sdk.CodeDuplicateID, sdk.CodeProcessGraphInvalid,
		sdk.CodeExprSyntax, sdk.CodeTimerInvalid, sdk.CodeSignalInvalidPayload:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	var limited *ratelimit.ErrLimitExceeded
	if errors.As(err, &limited) {
		return echo.NewHTTPError(http.StatusTooManyRequests, map[string]interface{}{
			"error":               "rate_limit_exceeded",
			"limit":               limited.Limit,
			"retry_after_seconds": limited.RetryAfterSeconds,
		})
	}
	if errors.Is(err, service.ErrTooManyInstances) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func intQuery(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	var n int
	if err := echo.QueryParamsBinder(c).Int(name, &n).BindError(); err != nil || n < 1 {
		return fallback
	}
	return n
}
