package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/cmd/server/handlers"
)

// RegisterRunRoutes registers execution launch and event log routes
func RegisterRunRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRunHandler(c.RunService)

	agent := e.Group("/agent")
	{
		agent.POST("/execute", h.Execute)
		agent.POST("/execute-async", h.ExecuteAsync)
	}

	events := e.Group("/events")
	{
		events.GET("/:execution_id", h.ListEvents)
		events.GET("/:execution_id/:event_id", h.GetEvent)
	}
}
