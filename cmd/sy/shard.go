package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/shard"
)

func newShardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shard",
		Short: "Shard registry commands",
	}

	cmd.AddCommand(newShardListCmd())
	cmd.AddCommand(newShardCheckCmd())
	return cmd
}

func newShardListCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered shards with health and load",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShardList(cmd, configPath, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func runShardList(cmd *cobra.Command, configPath string, asJSON bool) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	shards, err := a.registry.List(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if useJSON(cmd, asJSON) {
		return writeJSON(out, shards)
	}
	if len(shards) == 0 {
		fmt.Fprintln(out, "No shards registered.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tMODE\tHEALTH\tRUNNING\tCAPABILITIES\tCHECKED")
	for _, s := range shards {
		running, err := a.registry.RunningJobCount(ctx, s.ID)
		if err != nil {
			return err
		}
		checked := "-"
		if s.LastCheckedAt != nil {
			checked = s.LastCheckedAt.Format(time.DateTime)
		}
		id := s.ID
		if s.IsDefault {
			id += " *"
		}
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\t%d/%d\t%s\t%s\n",
			id, s.Host, s.Port, s.ExecutionMode, s.HealthStatus,
			running, s.MaxConcurrentJobs, dash(strings.Join(s.Capabilities, ",")), checked)
	}
	return w.Flush()
}

func newShardCheckCmd() *cobra.Command {
	var (
		configPath string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe every shard now and record its health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShardCheck(cmd, configPath, timeout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "per-shard probe timeout")
	return cmd
}

func runShardCheck(cmd *cobra.Command, configPath string, timeout time.Duration) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	reports, err := shard.CheckAll(ctx, a.registry, a.prober(), timeout, a.log)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, r := range reports {
		if r.Err != nil {
			fmt.Fprintf(out, "%s: %s (%v)\n", r.ShardID, r.Status, r.Err)
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", r.ShardID, r.Status)
	}
	return nil
}
