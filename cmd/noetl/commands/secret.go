package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newSecretCommand(flags *serverFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage credentials",
	}
	cmd.AddCommand(newSecretRegisterCommand(flags))
	return cmd
}

func newSecretRegisterCommand(flags *serverFlags) *cobra.Command {
	var (
		credType    string
		data        string
		dataFile    string
		meta        string
		tags        []string
		description string
	)

	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if credType == "" {
				return fmt.Errorf("--type is required")
			}

			var rawData []byte
			switch {
			case data != "":
				rawData = []byte(data)
			case dataFile != "":
				content, err := os.ReadFile(dataFile)
				if err != nil {
					return fmt.Errorf("read data file: %w", err)
				}
				rawData = content
			default:
				return fmt.Errorf("--data or --data-file is required")
			}

			var dataMap map[string]interface{}
			if err := json.Unmarshal(rawData, &dataMap); err != nil {
				return fmt.Errorf("credential data must be a JSON object: %w", err)
			}

			body := map[string]interface{}{
				"name": args[0],
				"type": credType,
				"data": dataMap,
			}
			if meta != "" {
				var metaMap map[string]interface{}
				if err := json.Unmarshal([]byte(meta), &metaMap); err != nil {
					return fmt.Errorf("meta must be a JSON object: %w", err)
				}
				body["meta"] = metaMap
			}
			if len(tags) > 0 {
				body["tags"] = tags
			}
			if description != "" {
				body["description"] = description
			}

			var result map[string]interface{}
			if err := newAPIClient(flags.URL()).postJSON("/credentials", body, &result); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&credType, "type", "", "Credential type (postgres, gcs_hmac, s3, snowflake, ...)")
	cmd.Flags().StringVar(&data, "data", "", "Credential data as JSON")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "Credential data file (JSON)")
	cmd.Flags().StringVar(&meta, "meta", "", "Metadata as JSON")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Tags")
	cmd.Flags().StringVar(&description, "description", "", "Description")
	return cmd
}
