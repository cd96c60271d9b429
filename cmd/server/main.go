package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/cmd/server/routes"
	"github.com/noetl/noetl/common/bootstrap"
	"github.com/noetl/noetl/common/server"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "server")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap server: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	e := server.NewEcho("noetl-server", func(e *echo.Echo) {
		routes.RegisterCatalogRoutes(e, serviceContainer)
		routes.RegisterCredentialRoutes(e, serviceContainer)
		routes.RegisterRunRoutes(e, serviceContainer)
	})

	srv := server.New("noetl-server", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
