package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/cmd/server/handlers"
)

// RegisterCredentialRoutes registers credential CRUD routes
func RegisterCredentialRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewCredentialHandler(c.Credentials)

	creds := e.Group("/credentials")
	{
		creds.POST("", h.Create)
		creds.GET("", h.List)
		creds.GET("/:name", h.Get)
	}
}
