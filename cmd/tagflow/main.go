package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/tagflow/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "tagflow",
	Short: "Tagflow dataflow runtime CLI",
	Long:  "Tagflow validates, compiles and runs tag-driven dataflow graphs, and serves the runtime API.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("tagflow version %s\n", version))

	rootCmd.AddCommand(cli.NewRunCmd())
	rootCmd.AddCommand(cli.NewCompileCmd())
	rootCmd.AddCommand(cli.NewValidateCmd())
	rootCmd.AddCommand(cli.NewServeCmd())
}
