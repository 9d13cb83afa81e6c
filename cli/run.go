package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/nodes"
	"github.com/petal-labs/tagflow/session"
	"github.com/petal-labs/tagflow/tags"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run one manual cycle of a flow against in-memory tags",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().String("trigger", "", "Trigger node to fire (default: every trigger)")
	cmd.Flags().String("from", "", "Run only the forward closure of this node")
	cmd.Flags().StringArray("tags", nil, "Seed a tag, [conn:]path=value (repeatable)")
	cmd.Flags().StringArray("param", nil, "Execution parameter, key=value (repeatable)")
	cmd.Flags().StringP("output", "o", "", "Write the execution record to file (default: stdout)")
	cmd.Flags().Duration("timeout", time.Minute, "Execution timeout")
	cmd.Flags().Bool("dry-run", false, "Compile and validate only, do not execute")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	flow, err := loadFlow(args[0])
	if err != nil {
		if _, ok := asExitError(err); ok {
			return err
		}
		return exitError(exitValidation, "loading flow: %s", err)
	}

	trigger, _ := cmd.Flags().GetString("trigger")
	from, _ := cmd.Flags().GetString("from")
	tagArgs, _ := cmd.Flags().GetStringArray("tags")
	paramArgs, _ := cmd.Flags().GetStringArray("param")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	provider := tags.NewMemProvider(tags.MemProviderConfig{})
	now := time.Now().UTC()
	for _, arg := range tagArgs {
		conn, path, v, err := parseTagArg(arg)
		if err != nil {
			return exitError(exitInputParse, "%v", err)
		}
		if err := provider.Set(conn, path, core.FromAny(v).At(now)); err != nil {
			return exitError(exitInputParse, "seeding tag %s: %v", arg, err)
		}
	}
	params := make(map[string]any, len(paramArgs))
	for _, arg := range paramArgs {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return exitError(exitInputParse, "invalid --param %q, want key=value", arg)
		}
		params[k] = parseLiteral(v)
	}

	manager, err := session.NewManager(session.Config{
		Registry: nodes.Default(),
		Gateway:  tags.NewGateway(tags.GatewayConfig{Provider: provider}),
	})
	if err != nil {
		return exitError(exitRuntime, "creating session manager: %v", err)
	}
	defer func() {
		_ = manager.Close(context.Background())
	}()

	if dryRun {
		if _, err := manager.Plan(flow); err != nil {
			return runFailure(cmd, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Validation and compilation successful.")
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	rec, err := manager.ExecuteSync(ctx, flow, session.ExecuteRequest{
		TriggerNodeID: trigger,
		StartNodeID:   from,
		Parameters:    params,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return exitError(exitRuntime, "execution timed out after %s", timeout)
		}
		return runFailure(cmd, err)
	}

	if err := writeRecord(cmd, rec); err != nil {
		return err
	}
	if rec.Status == core.StatusFailed {
		return exitError(exitRuntime, "execution failed: %s", strings.Join(rec.ErrorLog, "; "))
	}
	return nil
}

// runFailure maps a rejected run onto its exit code. Compile problems
// are printed as diagnostics.
func runFailure(cmd *cobra.Command, err error) error {
	var de *graph.DiagnosticError
	if errors.As(err, &de) {
		printDiagnosticsText(cmd.ErrOrStderr(), de.Diagnostics)
		return exitError(exitValidation, "validation failed")
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return exitError(exitValidation, "%s: %s", ce.Code, ce.Message)
	}
	return exitError(exitRuntime, "%v", err)
}

func writeRecord(cmd *cobra.Command, rec *core.ExecutionRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "serializing record: %v", err)
	}
	data = append(data, '\n')
	outputPath, _ := cmd.Flags().GetString("output")
	if outputPath != "" {
		if err := os.WriteFile(outputPath, data, 0600); err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
		return nil
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// parseTagArg splits "[conn:]path=value". The connection defaults to the
// internal one.
func parseTagArg(arg string) (conn, path string, v any, err error) {
	key, raw, ok := strings.Cut(arg, "=")
	if !ok || key == "" {
		return "", "", nil, fmt.Errorf("invalid --tags %q, want [conn:]path=value", arg)
	}
	conn = tags.InternalConnection
	path = key
	if c, p, ok := strings.Cut(key, ":"); ok && c != "" && p != "" {
		conn, path = c, p
	}
	return conn, path, parseLiteral(raw), nil
}

// parseLiteral reads raw as JSON, falling back to the plain string.
func parseLiteral(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
