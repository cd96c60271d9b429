package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/repository"
)

// CredentialHandler handles credential requests
type CredentialHandler struct {
	credentials repository.CredentialStore
}

// NewCredentialHandler creates a new credential handler
func NewCredentialHandler(credentials repository.CredentialStore) *CredentialHandler {
	return &CredentialHandler{credentials: credentials}
}

// Create registers or updates a credential
// POST /credentials
func (h *CredentialHandler) Create(c echo.Context) error {
	var cred models.Credential
	if err := c.Bind(&cred); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if cred.Name == "" || cred.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and type are required")
	}

	if err := h.credentials.Upsert(c.Request().Context(), &cred); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"name":   cred.Name,
		"type":   cred.Type,
		"status": "created",
	})
}

// Get returns one credential, secrets redacted unless include_data=true
// GET /credentials/:name?include_data=true
func (h *CredentialHandler) Get(c echo.Context) error {
	name := c.Param("name")

	cred, err := h.credentials.Get(c.Request().Context(), name)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	if c.QueryParam("include_data") != "true" {
		cred = cred.Redacted()
	}
	return c.JSON(http.StatusOK, cred)
}

// List returns all credentials with secrets redacted
// GET /credentials
func (h *CredentialHandler) List(c echo.Context) error {
	creds, err := h.credentials.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	redacted := make([]*models.Credential, len(creds))
	for i, cred := range creds {
		redacted[i] = cred.Redacted()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"credentials": redacted,
		"count":       len(redacted),
	})
}
