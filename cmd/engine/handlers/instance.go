package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fluxline/bpmn-engine/cmd/engine/service"
)

// InstanceHandler handles process instance requests
type InstanceHandler struct {
	engine *service.Engine
}

// NewInstanceHandler creates a new instance handler
func NewInstanceHandler(engine *service.Engine) *InstanceHandler {
	return &InstanceHandler{engine: engine}
}

type startInstanceRequest struct {
	Variables map[string]interface{} `json:"variables"`
}

// Start creates and launches an instance of a definition
// POST /api/v1/definitions/:id/instances
func (h *InstanceHandler) Start(c echo.Context) error {
	definitionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid definition id")
	}

	var req startInstanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	inst, err := h.engine.StartInstance(c.Request().Context(), definitionID, req.Variables)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, inst)
}

// Get retrieves an instance with its live token positions
// GET /api/v1/instances/:id
func (h *InstanceHandler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid instance id")
	}

	inst, tokens, err := h.engine.GetInstance(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"instance": inst,
		"tokens":   tokens,
	})
}

// PatchVariables applies a JSON Patch document to an instance's
// root-scope variables
// PATCH /api/v1/instances/:id/variables
func (h *InstanceHandler) PatchVariables(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid instance id")
	}

	var ops []map[string]interface{}
	if err := c.Bind(&ops); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be a JSON Patch array")
	}

	vars, err := h.engine.PatchVariables(c.Request().Context(), id, ops)
	if err != nil {
		if errors.Is(err, service.ErrInvalidPatch) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if errors.Is(err, service.ErrInstanceNotRunning) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"variables": vars})
}

// List retrieves recent instances of a definition
// GET /api/v1/definitions/:id/instances
func (h *InstanceHandler) List(c echo.Context) error {
	definitionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid definition id")
	}

	instances, err := h.engine.ListInstances(c.Request().Context(), definitionID, intQuery(c, "limit", 50))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"instances": instances})
}
