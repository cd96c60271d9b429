package commands

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// register is the shorthand for catalog register
func newRegisterCommand(flags *serverFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "register <file>",
		Short: "Register a playbook file in the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			var result map[string]interface{}
			err = newAPIClient(flags.URL()).postJSON("/catalog/register", map[string]string{
				"content_base64": base64.StdEncoding.EncodeToString(content),
				"resource_type":  "Playbook",
			}, &result)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}
