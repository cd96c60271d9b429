package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/cmd/server/container"
	"github.com/noetl/noetl/cmd/server/routes"
	"github.com/noetl/noetl/common/bootstrap"
	"github.com/noetl/noetl/common/server"
	"github.com/spf13/cobra"
)

func newServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the NoETL API server",
	}
	cmd.AddCommand(newServerStartCommand(), newServerStopCommand())
	return cmd
}

func newServerStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			components, err := bootstrap.Setup(ctx, "server")
			if err != nil {
				return fmt.Errorf("bootstrap server: %w", err)
			}
			defer components.Shutdown(ctx)

			serviceContainer, err := container.NewContainer(components)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}

			if err := writePidFile(); err != nil {
				components.Logger.Warn("write pid file", "error", err)
			}
			defer removePidFile()

			e := server.NewEcho("noetl-server", func(e *echo.Echo) {
				routes.RegisterCatalogRoutes(e, serviceContainer)
				routes.RegisterCredentialRoutes(e, serviceContainer)
				routes.RegisterRunRoutes(e, serviceContainer)
			})

			// 'server stop' signals SIGTERM, so this drains and returns
			srv := server.New("noetl-server", components.Config.Service.Port, e, components.Logger)
			return srv.Start()
		},
	}
}

func newServerStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a server started with 'server start'",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(pidFilePath())
			if err != nil {
				return fmt.Errorf("no running server found: %w", err)
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
			if err != nil {
				return fmt.Errorf("invalid pid file: %w", err)
			}

			process, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("find server process %d: %w", pid, err)
			}
			if err := process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("stop server process %d: %w", pid, err)
			}

			removePidFile()
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped server (pid %d)\n", pid)
			return nil
		},
	}
}

func pidFilePath() string {
	if path := os.Getenv("NOETL_PID_FILE"); path != "" {
		return path
	}
	return filepath.Join(os.TempDir(), "noetl-server.pid")
}

func writePidFile() error {
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePidFile() {
	os.Remove(pidFilePath())
}
