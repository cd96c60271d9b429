// Package server assembles the REST application: an echo instance with the
// standard middleware stack and health endpoint, run with graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/noetl/noetl/common/logger"
)

// NewEcho builds the echo application for a service: banner off, logging,
// recovery, CORS and request id middleware, the /health endpoint, then the
// caller's routes.
func NewEcho(service string, register func(e *echo.Echo)) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": service,
		})
	})

	if register != nil {
		register(e)
	}
	return e
}

// Server runs an echo application with graceful shutdown
type Server struct {
	echo *echo.Echo
	log  *logger.Logger
	name string
	addr string
}

// New creates a server for the given application
func New(name string, port int, e *echo.Echo, log *logger.Logger) *Server {
	return &Server{
		echo: e,
		log:  log,
		name: name,
		addr: fmt.Sprintf(":%d", port),
	}
}

// Start serves until a server error or a termination signal, then drains
// outstanding requests before returning
func (s *Server) Start() error {
	// Channel to listen for errors
	serverErrors := make(chan error, 1)

	go func() {
		s.log.Info(fmt.Sprintf("%s starting", s.name), "addr", s.addr)
		serverErrors <- s.echo.Start(s.addr)
	}()

	// Channel to listen for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until error or shutdown signal
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		s.log.Info("shutdown signal received", "signal", sig.String())

		// Give outstanding requests time to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.echo.Shutdown(ctx); err != nil {
			s.log.Error("graceful shutdown failed", "error", err)
			if err := s.echo.Close(); err != nil {
				return fmt.Errorf("could not stop server: %w", err)
			}
		}

		s.log.Info("shutdown complete")
	}

	return nil
}
