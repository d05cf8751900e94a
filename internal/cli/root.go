// Package cli implements txguardctl, the offline companion to the scoring
// service.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mbd888/txguard/internal/logging"
	"github.com/spf13/cobra"
)

var verbose bool

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "txguardctl",
		Short: "txguardctl - offline tools for the txguard scoring engine",
		Long: `txguardctl replays transaction fixtures through the scoring engine without a
server or database, describes the rule sets the engine ships with, and
manages the PostgreSQL schema.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")

	root.AddCommand(newReplayCmd())
	root.AddCommand(newRulesCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

// Execute runs the root command
func Execute(version string) error {
	if err := NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// commandContext carries a logger that is silent unless --verbose is set.
func commandContext(cmd *cobra.Command) context.Context {
	w := io.Discard
	if verbose {
		w = cmd.ErrOrStderr()
	}
	return logging.WithLogger(cmd.Context(), logging.NewWriter(w, "debug", "text"))
}
