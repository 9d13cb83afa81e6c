package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/nodes"
)

// NewCompileCmd creates the "compile" subcommand.
func NewCompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile <file>",
		Short: "Compile a flow file to its execution plan",
		Args:  cobra.ExactArgs(1),
		RunE:  runCompile,
	}

	cmd.Flags().StringP("output", "o", "", "Output file path (default: stdout)")
	cmd.Flags().Bool("pretty", true, "Pretty-print JSON output")
	cmd.Flags().Bool("order", false, "Print only the execution order")

	return cmd
}

// runCompile reads the flow, compiles it and writes the plan JSON.
func runCompile(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	stderr := cmd.ErrOrStderr()
	stdout := cmd.OutOrStdout()

	pretty, _ := cmd.Flags().GetBool("pretty")
	orderOnly, _ := cmd.Flags().GetBool("order")
	outputPath, _ := cmd.Flags().GetString("output")

	flow, err := loadFlow(filePath)
	if err != nil {
		if _, ok := asExitError(err); ok {
			return err
		}
		return exitError(exitValidation, "loading flow: %s", err)
	}

	plan, diags := graph.Compile(flow.ID, flow.Version, flow.Definition, nodes.Default())
	if graph.HasErrors(diags) {
		printDiagnosticsText(stderr, graph.Errors(diags))
		return exitError(exitValidation, "compilation failed with %d error(s)", len(graph.Errors(diags)))
	}

	var v any = plan
	if orderOnly {
		v = plan.ExecutionOrder()
	}
	var jsonOut []byte
	if pretty {
		jsonOut, err = json.MarshalIndent(v, "", "  ")
	} else {
		jsonOut, err = json.Marshal(v)
	}
	if err != nil {
		return exitError(exitRuntime, "serializing plan: %s", err)
	}
	jsonOut = append(jsonOut, '\n')

	if outputPath != "" {
		if err := os.WriteFile(outputPath, jsonOut, 0600); err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
		return nil
	}
	if _, err := stdout.Write(jsonOut); err != nil {
		return fmt.Errorf("writing to stdout: %w", err)
	}
	return nil
}
