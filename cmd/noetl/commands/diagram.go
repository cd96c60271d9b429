package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/noetl/noetl/common/models"
	"github.com/spf13/cobra"
)

func newDiagramCommand() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "diagram <playbook-file>",
		Short: "Render a playbook's step graph as PlantUML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "plantuml" {
				return fmt.Errorf("unsupported format %q, only plantuml is rendered locally", format)
			}

			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			pb, err := models.ParsePlaybook(content)
			if err != nil {
				return err
			}

			diagram := renderPlantUML(pb)
			if output != "" {
				if err := os.WriteFile(output, []byte(diagram), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), diagram)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "plantuml", "Output format")
	cmd.Flags().StringVar(&output, "output", "", "Output file (default stdout)")
	return cmd
}

// renderPlantUML draws the workflow as a state diagram, one edge per
// transition clause with conditions as labels
func renderPlantUML(pb *models.Playbook) string {
	var b strings.Builder
	b.WriteString("@startuml\n")
	if pb.Name != "" {
		fmt.Fprintf(&b, "title %s\n", pb.Name)
	}
	fmt.Fprintf(&b, "[*] --> %s\n", models.StepStart)

	for _, step := range pb.Workflow {
		if step.Desc != "" {
			fmt.Fprintf(&b, "%s : %s\n", step.Step, step.Desc)
		}
		switch {
		case step.Loop != nil:
			fmt.Fprintf(&b, "%s : loop over %s\n", step.Step, step.Loop.Element)
			if endLoop := pb.FindEndLoop(step.Step); endLoop != "" {
				fmt.Fprintf(&b, "%s --> %s\n", step.Step, endLoop)
			}
		case step.Call != nil:
			fmt.Fprintf(&b, "%s : call %s\n", step.Step, step.Call.Name)
		}
		writeEdges(&b, step.Step, step.Next, "")
	}

	fmt.Fprintf(&b, "%s --> [*]\n", models.StepEnd)
	b.WriteString("@enduml\n")
	return b.String()
}

func writeEdges(b *strings.Builder, from string, clauses []*models.NextClause, label string) {
	for _, clause := range clauses {
		if clause.When != "" {
			writeEdges(b, from, clause.Then, clause.When)
			writeEdges(b, from, clause.Else, "!("+clause.When+")")
			continue
		}
		if clause.Step == "" {
			continue
		}
		if label != "" {
			fmt.Fprintf(b, "%s --> %s : %s\n", from, clause.Step, escapeLabel(label))
		} else {
			fmt.Fprintf(b, "%s --> %s\n", from, clause.Step)
		}
	}
}

func escapeLabel(label string) string {
	label = strings.ReplaceAll(label, "{{", "")
	label = strings.ReplaceAll(label, "}}", "")
	return strings.TrimSpace(strings.ReplaceAll(label, "\n", " "))
}
