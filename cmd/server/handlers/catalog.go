package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/cmd/server/service"
)

// CatalogHandler handles catalog resource requests
type CatalogHandler struct {
	catalog *service.CatalogService
}

// NewCatalogHandler creates a new catalog handler
func NewCatalogHandler(catalog *service.CatalogService) *CatalogHandler {
	return &CatalogHandler{catalog: catalog}
}

type registerRequest struct {
	ContentBase64 string `json:"content_base64"`
	ResourceType  string `json:"resource_type"`
}

// Register registers a playbook or credential resource
// POST /catalog/register
func (h *CatalogHandler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	entry, err := h.catalog.Register(c.Request().Context(), req.ContentBase64, req.ResourceType)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"resource_path":    entry.ResourcePath,
		"resource_version": entry.ResourceVersion,
		"status":           "registered",
	})
}

// List lists catalog entries, optionally filtered by resource type
// GET /catalog/list?resource_type=Playbook
func (h *CatalogHandler) List(c echo.Context) error {
	entries, err := h.catalog.List(c.Request().Context(), c.QueryParam("resource_type"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// Fetch fetches one catalog entry. The trailing segment of the wildcard is
// the version, the rest is the resource path (which may contain slashes).
// GET /catalog/workflows/weather/0.1.0
func (h *CatalogHandler) Fetch(c echo.Context) error {
	raw := strings.Trim(c.Param("*"), "/")
	idx := strings.LastIndex(raw, "/")
	if idx <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "expected {path}/{version}")
	}
	path, version := raw[:idx], raw[idx+1:]

	entry, err := h.catalog.Fetch(c.Request().Context(), path, version)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, entry)
}
