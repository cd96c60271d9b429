package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/cmd/server/handlers"
)

// RegisterCatalogRoutes registers catalog resource routes
func RegisterCatalogRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewCatalogHandler(c.CatalogService)

	cat := e.Group("/catalog")
	{
		cat.POST("/register", h.Register)
		cat.GET("/list", h.List)
		// Wildcard last: path may contain slashes, final segment is the version
		cat.GET("/*", h.Fetch)
	}
}
