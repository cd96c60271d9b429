package commands

import (
	"github.com/spf13/cobra"
)

// execute is the synchronous shorthand for catalog execute --sync
func newExecuteCommand(flags *serverFlags) *cobra.Command {
	var (
		version string
		input   string
		payload string
		merge   bool
	)

	cmd := &cobra.Command{
		Use:   "execute <path>",
		Short: "Execute a catalog playbook and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputPayload, err := parseInputPayload(input, payload)
			if err != nil {
				return err
			}

			body := map[string]interface{}{
				"path":    args[0],
				"version": version,
				"merge":   merge,
			}
			if inputPayload != nil {
				body["input_payload"] = inputPayload
			}

			var result map[string]interface{}
			if err := newAPIClient(flags.URL()).postJSON("/agent/execute", body, &result); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Playbook version (default latest)")
	cmd.Flags().StringVar(&input, "input", "", "Input payload as JSON")
	cmd.Flags().StringVar(&payload, "payload", "", "Input payload file (JSON)")
	cmd.Flags().BoolVar(&merge, "merge", false, "Deep-merge the payload into the workload")
	return cmd
}
