package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fluxline/bpmn-engine/cmd/engine/service"
)

// EventHandler handles external message and signal delivery
type EventHandler struct {
	engine *service.Engine
}

// NewEventHandler creates a new event handler
func NewEventHandler(engine *service.Engine) *EventHandler {
	return &EventHandler{engine: engine}
}

type messageRequest struct {
	Name           string      `json:"name"`
	CorrelationKey string      `json:"correlation_key"`
	Payload        interface{} `json:"payload"`
}

// Message correlates a message to waiting catch events
// POST /api/v1/messages
func (h *EventHandler) Message(c echo.Context) error {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	delivered, err := h.engine.CorrelateMessage(c.Request().Context(), req.Name, req.CorrelationKey, req.Payload)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"delivered": delivered})
}

type signalRequest struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload"`
}

// Signal broadcasts a signal to every waiting subscriber
// POST /api/v1/signals
func (h *EventHandler) Signal(c echo.Context) error {
	var req signalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	reached, err := h.engine.BroadcastSignal(c.Request().Context(), req.Name, req.Payload)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"reached": reached})
}
