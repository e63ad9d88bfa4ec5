package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/fluxline/bpmn-engine/cmd/engine/handlers"
	"github.com/fluxline/bpmn-engine/cmd/engine/service"
)

// Register wires all engine API routes
func Register(e *echo.Echo, engine *service.Engine) {
	defs := handlers.NewDefinitionHandler(engine)
	insts := handlers.NewInstanceHandler(engine)
	events := handlers.NewEventHandler(engine)

	definitions := e.Group("/api/v1/definitions")
	{
		definitions.POST("", defs.Deploy)
		definitions.GET("", defs.List)
		definitions.GET("/:id", defs.Get)
		definitions.POST("/:id/instances", insts.Start)
		definitions.GET("/:id/instances", insts.List)
	}

	instances := e.Group("/api/v1/instances")
	{
		instances.GET("/:id", insts.Get)
		instances.PATCH("/:id/variables", insts.PatchVariables)
	}

	e.POST("/api/v1/messages", events.Message)
	e.POST("/api/v1/signals", events.Signal)
}
