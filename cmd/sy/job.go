package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/dispatch"
	"github.com/zulandar/switchyard/internal/ledger"
	"github.com/zulandar/switchyard/internal/models"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Trigger and inspect jobs",
	}

	cmd.AddCommand(newJobTriggerCmd())
	cmd.AddCommand(newJobRetryCmd())
	cmd.AddCommand(newJobResumeCmd())
	cmd.AddCommand(newJobShowCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobLogsCmd())
	cmd.AddCommand(newJobCancelCmd())
	return cmd
}

func newJobTriggerCmd() *cobra.Command {
	var (
		configPath string
		req        dispatch.TriggerRequest
	)

	cmd := &cobra.Command{
		Use:   "trigger <ticket-key>",
		Short: "Start a fresh run for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TicketKey = args[0]
			return runDispatch(cmd, configPath, func(d *dispatch.Dispatcher) (string, error) {
				return d.Trigger(cmd.Context(), req)
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVarP(&req.TenantID, "tenant", "t", "", "tenant id (required)")
	cmd.Flags().StringVar(&req.BoardRef, "board", "", "board override")
	cmd.Flags().StringVar(&req.RepoRef, "repo", "", "repository override (owner/name)")
	cmd.Flags().StringVar(&req.ExistingThemeID, "theme", "", "existing theme id passed to the worker")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func newJobRetryCmd() *cobra.Command {
	var (
		configPath string
		req        dispatch.RetryRequest
	)

	cmd := &cobra.Command{
		Use:   "retry <ticket-key>",
		Short: "Run a ticket again on its existing branch",
		Long:  "Runs the workflow again on an existing branch, skipping the cooldown. With --pr the open pull request is updated instead of a new one being opened.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TicketKey = args[0]
			return runDispatch(cmd, configPath, func(d *dispatch.Dispatcher) (string, error) {
				return d.RetryOnBranch(cmd.Context(), req)
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVarP(&req.TenantID, "tenant", "t", "", "tenant id (required)")
	cmd.Flags().StringVar(&req.BranchName, "branch", "", "existing branch (required)")
	cmd.Flags().IntVar(&req.PRNumber, "pr", 0, "open pull request number")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("branch")
	return cmd
}

func newJobResumeCmd() *cobra.Command {
	var (
		configPath string
		req        dispatch.ResumeRequest
	)

	cmd := &cobra.Command{
		Use:   "resume <ticket-key>",
		Short: "Resume a job waiting for clarification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TicketKey = args[0]
			return runDispatch(cmd, configPath, func(d *dispatch.Dispatcher) (string, error) {
				return d.Resume(cmd.Context(), req)
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVarP(&req.TenantID, "tenant", "t", "", "tenant id (required)")
	cmd.Flags().StringVar(&req.AnsweringCommentID, "comment", "", "id of the comment answering the questions (required)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("comment")
	return cmd
}

// runDispatch builds a dispatcher from config, calls one entry point and
// prints its outcome. A failed outcome is returned as an error so the exit
// status reflects it.
func runDispatch(cmd *cobra.Command, configPath string, call func(*dispatch.Dispatcher) (string, error)) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.dispatcher()
	if err != nil {
		return err
	}
	res := dispatch.Outcome(call(d))
	out := cmd.OutOrStdout()
	if useJSON(cmd, false) {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else if res.Success {
		fmt.Fprintf(out, "Dispatched job %s\n", res.JobID)
	}
	if !res.Success {
		if res.JobID != "" {
			return fmt.Errorf("%s error: %s (job %s)", res.Kind, res.Error, res.JobID)
		}
		return fmt.Errorf("%s error: %s", res.Kind, res.Error)
	}
	return nil
}

func newJobShowCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobShow(cmd, configPath, args[0], asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func runJobShow(cmd *cobra.Command, configPath, jobID string, asJSON bool) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.ledger.Get(ctx, jobID)
	if err != nil {
		return err
	}
	view := ledger.View(job)
	out := cmd.OutOrStdout()
	if useJSON(cmd, asJSON) {
		return writeJSON(out, view)
	}
	printJobView(out, view)
	return nil
}

func printJobView(out io.Writer, v ledger.StatusView) {
	fmt.Fprintf(out, "Job:       %s\n", v.JobID)
	fmt.Fprintf(out, "Ticket:    %s (%s)\n", v.TicketKey, v.TenantID)
	fmt.Fprintf(out, "Status:    %s %d%%\n", v.Status, v.Progress)
	fmt.Fprintf(out, "Step:      %s\n", dash(v.CurrentStep))
	fmt.Fprintf(out, "Shard:     %s\n", dash(v.ShardID))
	fmt.Fprintf(out, "Run:       %d\n", v.RunCount)
	fmt.Fprintf(out, "Branch:    %s\n", dash(v.BranchName))
	if v.PRURL != "" {
		fmt.Fprintf(out, "PR:        #%d %s\n", v.PRNumber, v.PRURL)
	}
	if v.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", v.Error)
	}
	if len(v.ClarificationQuestions) > 0 {
		fmt.Fprintf(out, "Waiting on comment %s:\n", v.ClarificationCommentID)
		for i, q := range v.ClarificationQuestions {
			fmt.Fprintf(out, "  %d. %s\n", i+1, q)
		}
	}
	fmt.Fprintf(out, "Started:   %s\n", v.StartedAt.Format(time.DateTime))
	fmt.Fprintf(out, "Updated:   %s\n", v.UpdatedAt.Format(time.DateTime))
	if len(v.StepsCompleted) > 0 {
		fmt.Fprintln(out, "\nSteps:")
		for _, s := range v.StepsCompleted {
			fmt.Fprintf(out, "  %3d%%  %s  %s\n", s.Progress, s.Timestamp.Format(time.TimeOnly), s.Step)
		}
	}
}

func newJobListCmd() *cobra.Command {
	var (
		configPath string
		filter     ledger.ListFilter
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = strings.ToUpper(filter.Status)
			return runJobList(cmd, configPath, filter, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVarP(&filter.TenantID, "tenant", "t", "", "filter by tenant")
	cmd.Flags().StringVar(&filter.TicketKey, "ticket", "", "filter by ticket key")
	cmd.Flags().StringVar(&filter.Status, "status", "", "filter by status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum jobs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func runJobList(cmd *cobra.Command, configPath string, filter ledger.ListFilter, asJSON bool) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.ledger.List(ctx, filter)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if useJSON(cmd, asJSON) {
		views := make([]ledger.StatusView, 0, len(jobs))
		for i := range jobs {
			views = append(views, ledger.View(&jobs[i]))
		}
		return writeJSON(out, views)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found.")
		return nil
	}
	printJobTable(out, jobs)
	return nil
}

func printJobTable(out io.Writer, jobs []models.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTENANT\tTICKET\tSTATUS\tPROGRESS\tRUN\tSTEP\tUPDATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%d\t%s\t%s\n",
			j.ID, j.TenantID, j.TicketKey, j.Status, j.ProgressPercent, j.RunCount,
			dash(j.CurrentStep), j.UpdatedAt.Format(time.DateTime))
	}
	w.Flush()
}

func newJobLogsCmd() *cobra.Command {
	var (
		configPath string
		ticket     string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "logs [job-id]",
		Short: "Show a job's logs, or every log for a ticket with --ticket",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := ""
			if len(args) == 1 {
				jobID = args[0]
			}
			if (jobID == "") == (ticket == "") {
				return fmt.Errorf("give either a job id or --ticket")
			}
			return runJobLogs(cmd, configPath, jobID, ticket, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVar(&ticket, "ticket", "", "show logs across every job for this ticket")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func runJobLogs(cmd *cobra.Command, configPath, jobID, ticket string, asJSON bool) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	var logs []models.JobLog
	if jobID != "" {
		logs, err = a.ledger.Logs(ctx, jobID)
	} else {
		logs, err = a.ledger.TicketLogs(ctx, ticket)
	}
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if useJSON(cmd, asJSON) {
		return writeJSON(out, logs)
	}
	if len(logs) == 0 {
		fmt.Fprintln(out, "No logs.")
		return nil
	}
	for _, l := range logs {
		fmt.Fprintf(out, "%s  %-5s  %s  %s", l.CreatedAt.Format(time.DateTime), strings.ToUpper(l.Level), l.JobID, l.Message)
		for k, v := range l.Context {
			fmt.Fprintf(out, " %s=%v", k, v)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func newJobCancelCmd() *cobra.Command {
	var (
		configPath string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Mark a job cancelled",
		Long:  "Marks the job CANCELLED in the ledger and removes the work-in-progress label. A worker already running the job is not interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobCancel(cmd, configPath, args[0], reason)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "reason recorded on the job")
	return cmd
}

func runJobCancel(cmd *cobra.Command, configPath, jobID, reason string) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.dispatcher()
	if err != nil {
		return err
	}
	if err := d.Cancel(cmd.Context(), jobID, reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", jobID)
	return nil
}
