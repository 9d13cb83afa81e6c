package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/loader"
	"github.com/petal-labs/tagflow/nodes"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a flow file without executing it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")
	cmd.Flags().Bool("compile-only", false, "Skip the deploy rules and only compile")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	compileOnly, _ := cmd.Flags().GetBool("compile-only")
	out := cmd.OutOrStdout()

	flow, err := loadFlow(filePath)
	if err != nil {
		var ee *ExitError
		if errors.As(err, &ee) && ee.Code == exitFileNotFound {
			return err
		}
		printValidateDiagnostics(out, []graph.Diagnostic{loadDiagnostic(err)}, format)
		return exitError(exitValidation, "validation failed")
	}

	var diags []graph.Diagnostic
	if compileOnly {
		_, diags = graph.Compile(flow.ID, flow.Version, flow.Definition, nodes.Default())
	} else {
		_, diags = graph.ValidateDeploy(flow.ID, flow.Version, flow.Definition, nodes.Default())
	}
	if err := flow.ValidateSettings(); err != nil {
		diags = append(diags, loadDiagnostic(err))
	}

	printValidateDiagnostics(out, diags, format)

	hasErrs := graph.HasErrors(diags)
	hasWarns := len(graph.Warnings(diags)) > 0
	if hasErrs || (strict && hasWarns) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// loadFlow reads a flow document, mapping a missing file onto its exit
// code. Settings left unset get the process defaults.
func loadFlow(filePath string) (graph.Flow, error) {
	flow, err := loader.LoadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return graph.Flow{}, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return graph.Flow{}, err
	}
	if flow.ID == "" {
		flow.ID = flow.Name
	}
	flow.ApplyDefaults(graph.FlowDefaults{ScanRateMs: 1000, LogsRetentionDays: 30})
	return flow, nil
}

// loadDiagnostic turns a load or settings error into a diagnostic.
func loadDiagnostic(err error) graph.Diagnostic {
	d := graph.Diagnostic{
		Code:     core.CodeInvalidNode,
		Severity: graph.SeverityError,
		Message:  err.Error(),
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		d.Code = ce.Code
		if id, ok := ce.Details["node_id"].(string); ok {
			d.NodeID = id
		}
	}
	return d
}

// printValidateDiagnostics writes diagnostics to the writer in the requested
// format, followed by a summary line (for text format).
func printValidateDiagnostics(w io.Writer, diags []graph.Diagnostic, format string) {
	if format == "json" {
		printDiagnosticsJSON(w, diags)
		return
	}
	printDiagnosticsText(w, diags)
}

// printDiagnosticsText writes diagnostics as formatted text lines followed by
// a summary. Used by the validate, compile and run commands.
func printDiagnosticsText(w io.Writer, diags []graph.Diagnostic) {
	for _, d := range diags {
		sev := strings.ToUpper(d.Severity)
		switch {
		case d.NodeID != "":
			fmt.Fprintf(w, "%s [%s]: %s (node %s)\n", sev, d.Code, d.Message, d.NodeID)
		case d.EdgeID != "":
			fmt.Fprintf(w, "%s [%s]: %s (edge %s)\n", sev, d.Code, d.Message, d.EdgeID)
		default:
			fmt.Fprintf(w, "%s [%s]: %s\n", sev, d.Code, d.Message)
		}
	}

	errs := graph.Errors(diags)
	warns := graph.Warnings(diags)

	switch {
	case len(errs) == 0 && len(warns) == 0:
		fmt.Fprintln(w, "Valid!")
	case len(errs) == 0 && len(warns) > 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", len(warns), pluralize("warning", len(warns)))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n",
			len(errs), pluralize("error", len(errs)),
			len(warns), pluralize("warning", len(warns)))
	}
}

func printDiagnosticsJSON(w io.Writer, diags []graph.Diagnostic) {
	// Output an empty array rather than null when there are no diagnostics.
	if diags == nil {
		diags = []graph.Diagnostic{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(diags)
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
