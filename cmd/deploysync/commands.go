package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/goliatone/go-command"
	"github.com/spf13/cobra"

	"github.com/goliatone/go-deploysync/adapters/gocommand"
	"github.com/goliatone/go-deploysync/core"
	"github.com/goliatone/go-deploysync/migrations"
)

func newServicesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List platform services and their last processed commit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.cfg.ValidateCredentials(); err != nil {
				return err
			}
			limiter, err := a.rateLimiter()
			if err != nil {
				return err
			}
			platform, err := a.platform(limiter)
			if err != nil {
				return err
			}
			services, err := platform.ListServices(cmd.Context())
			if err != nil {
				return err
			}
			want, filtered := a.cfg.Reconcile.BranchFilter()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tBRANCH\tTRACKED\tLAST COMMIT")
			for _, service := range services {
				tracked := service.Branch != "" && (!filtered || service.Branch == want)
				commit, ok, err := a.store.LedgerStore().GetLastProcessedCommit(cmd.Context(), service.ID, service.Branch)
				if err != nil {
					return err
				}
				if !ok {
					commit = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", service.ID, service.Name, service.Branch, tracked, shortSHA(commit))
			}
			return w.Flush()
		},
	}
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <service-id>",
		Short: "Reconcile the latest live deploy of one service",
		Long: `Reconcile the latest live deploy of a service as if its webhook had just
arrived. Use --dry-run to see which tickets would move.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			orchestrator, err := a.orchestrator()
			if err != nil {
				return err
			}
			unsubscribe, err := gocommand.RegisterReconcileCommands(gocommand.NewRegistryAdapter(command.NewRegistry()), orchestrator)
			if err != nil {
				return err
			}
			defer unsubscribe()

			outcome, err := gocommand.ReconcileService(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), outcomeView(outcome))
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			spec, err := migrations.ForDialect(a.store.Dialect())
			if err != nil {
				return err
			}
			versions, err := migrations.Versions(spec.FS)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, version := range versions {
				fmt.Fprintf(out, "  %s\n", version)
			}
			fmt.Fprintf(out, "migrations applied (%s, %d versions)\n", a.store.Dialect(), len(versions))
			return nil
		},
	}
}

func newTicketsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "Inspect the processed ticket ledger",
	}

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recently processed tickets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			records, err := a.store.LedgerStore().ListProcessedTickets(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), records)
		},
	}
	recent.Flags().IntVar(&limit, "limit", 100, "maximum number of records")

	history := &cobra.Command{
		Use:   "history <ticket-id>",
		Short: "Show every recorded transition of one ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			records, err := a.store.LedgerStore().TicketHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), records)
		},
	}

	cmd.AddCommand(recent, history)
	return cmd
}

func writeRecords(out io.Writer, records []core.ProcessedTicketRecord) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TICKET\tFROM\tTO\tSERVICE\tDEPLOY\tCOMMIT\tPROCESSED AT")
	for _, record := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			record.TicketID,
			record.PreviousState,
			record.NewState,
			record.ServiceName,
			record.DeployID,
			shortSHA(record.CommitID),
			record.ProcessedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

type ticketView struct {
	Ticket string `json:"ticket"`
	Title  string `json:"title,omitempty"`
	Status string `json:"status"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Error  string `json:"error,omitempty"`
}

type reconcileView struct {
	Status      string       `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	ServiceID   string       `json:"service_id"`
	Branch      string       `json:"branch,omitempty"`
	DeployID    string       `json:"deploy_id,omitempty"`
	CommitID    string       `json:"commit_id,omitempty"`
	RangeSource string       `json:"range_source,omitempty"`
	Commits     int          `json:"commits"`
	DryRun      bool         `json:"dry_run"`
	Moved       int          `json:"moved"`
	AlreadyDone int          `json:"already_done"`
	Errors      int          `json:"errors"`
	Tickets     []ticketView `json:"tickets"`
}

func outcomeView(outcome core.ReconcileOutcome) reconcileView {
	view := reconcileView{
		Status:      string(outcome.Status),
		Reason:      outcome.Reason,
		ServiceID:   outcome.ServiceID,
		Branch:      outcome.Branch,
		DeployID:    outcome.DeployID,
		CommitID:    outcome.CommitID,
		RangeSource: string(outcome.RangeSource),
		Commits:     outcome.Commits,
		DryRun:      outcome.DryRun,
		Moved:       outcome.Sync.Moved,
		AlreadyDone: outcome.Sync.AlreadyDone,
		Errors:      outcome.Sync.Errors,
		Tickets:     []ticketView{},
	}
	for _, ticket := range outcome.Sync.Outcomes {
		item := ticketView{
			Ticket: ticket.TicketID,
			Title:  ticket.Title,
			Status: string(ticket.Status),
			From:   ticket.PreviousState,
			To:     ticket.NewState,
		}
		if ticket.Err != nil {
			item.Error = ticket.Err.Error()
		}
		view.Tickets = append(view.Tickets, item)
	}
	return view
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
