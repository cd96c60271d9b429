// Package commands implements the noetl command tree.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// serverFlags are shared by every command that talks to a running server
type serverFlags struct {
	Host string
	Port int
}

// URL builds the server base URL
func (f *serverFlags) URL() string {
	return fmt.Sprintf("http://%s:%d", f.Host, f.Port)
}

// NewRootCommand creates the root noetl command
func NewRootCommand() *cobra.Command {
	flags := &serverFlags{}

	cmd := &cobra.Command{
		Use:   "noetl",
		Short: "NoETL - declarative workflow engine",
		Long: `NoETL executes declarative YAML playbooks: step graphs with
templated parameters, reusable tasks, iterators, sinks and a
versioned catalog. Every run is recorded in an append-only
event log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.Host, "host", envOr("NOETL_HOST", "localhost"), "Server host")
	cmd.PersistentFlags().IntVar(&flags.Port, "port", envOrInt("NOETL_PORT", 8082), "Server port")

	cmd.AddCommand(
		newServerCommand(),
		newCatalogCommand(flags),
		newExecuteCommand(flags),
		newRegisterCommand(flags),
		newWorkerCommand(),
		newSecretCommand(flags),
		newDiagramCommand(),
	)
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}
