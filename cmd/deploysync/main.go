// Command deploysync moves tracker tickets to done when the deploy that
// shipped them goes live.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	dbPath      string
	dryRun      bool
	branch      string
	allBranches bool
	logLevel    string
	logFormat   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "deploysync",
		Short:         "Reconcile deploys with tracker tickets",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.dbPath, "db", "", "ledger path or postgres:// DSN (env DB_PATH)")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "log ticket moves without mutating the tracker or the ledger (env DRY_RUN)")
	flags.StringVar(&opts.branch, "branch", "", "only reconcile services tracking this branch (env RENDER_BRANCH)")
	flags.BoolVar(&opts.allBranches, "all-branches", false, "reconcile services on any branch")
	flags.StringVar(&opts.logLevel, "log-level", "", "trace, debug, info, warn or error (env LOG_LEVEL)")
	flags.StringVar(&opts.logFormat, "log-format", "", "json, text or pretty (env LOG_FORMAT)")

	cmd.AddCommand(
		newServeCmd(opts),
		newServicesCmd(opts),
		newReconcileCmd(opts),
		newMigrateCmd(opts),
		newTicketsCmd(opts),
	)
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
