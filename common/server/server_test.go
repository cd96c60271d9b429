package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEcho_HealthEndpoint(t *testing.T) {
	e := NewEcho("noetl-server", nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"noetl-server"}`, rec.Body.String())
}

func TestNewEcho_RegistersCallerRoutes(t *testing.T) {
	e := NewEcho("noetl-server", func(e *echo.Echo) {
		e.GET("/api/catalog", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]interface{}{"entries": []string{}})
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/catalog", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}
