package commands

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

func newCatalogCommand(flags *serverFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the resource catalog",
	}
	cmd.AddCommand(
		newCatalogRegisterCommand(flags),
		newCatalogExecuteCommand(flags),
		newCatalogListCommand(flags),
	)
	return cmd
}

func newCatalogRegisterCommand(flags *serverFlags) *cobra.Command {
	var resourceType string

	cmd := &cobra.Command{
		Use:   "register <file>",
		Short: "Register a playbook or credential file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			var result map[string]interface{}
			err = newAPIClient(flags.URL()).postJSON("/catalog/register", map[string]string{
				"content_base64": base64.StdEncoding.EncodeToString(content),
				"resource_type":  resourceType,
			}, &result)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&resourceType, "type", "Playbook", "Resource type (Playbook, Credential, Secret)")
	return cmd
}

func newCatalogExecuteCommand(flags *serverFlags) *cobra.Command {
	var (
		version string
		input   string
		payload string
		sync    bool
		merge   bool
	)

	cmd := &cobra.Command{
		Use:   "execute <path>",
		Short: "Execute a catalog playbook",
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

			endpoint := "/agent/execute-async"
			if sync {
				endpoint = "/agent/execute"
			}

			var result map[string]interface{}
			if err := newAPIClient(flags.URL()).postJSON(endpoint, body, &result); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Playbook version (default latest)")
	cmd.Flags().StringVar(&input, "input", "", "Input payload as JSON")
	cmd.Flags().StringVar(&payload, "payload", "", "Input payload file (JSON)")
	cmd.Flags().BoolVar(&sync, "sync", false, "Wait for the execution to finish")
	cmd.Flags().BoolVar(&merge, "merge", false, "Deep-merge the payload into the workload")
	return cmd
}

func newCatalogListCommand(flags *serverFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list [type]",
		Short: "List catalog entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/catalog/list"
			if len(args) == 1 {
				path += "?resource_type=" + url.QueryEscape(args[0])
			}

			var result map[string]interface{}
			if err := newAPIClient(flags.URL()).getJSON(path, &result); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

// parseInputPayload reads the payload from --input JSON or a --payload file
func parseInputPayload(input, payloadFile string) (map[string]interface{}, error) {
	var raw []byte
	switch {
	case input != "":
		raw = []byte(input)
	case payloadFile != "":
		content, err := os.ReadFile(payloadFile)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = content
	default:
		return nil, nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}
