package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/advisor/internal/scheduler"
	"github.com/rendis/advisor/internal/store"
)

func newScheduleCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron-triggered workflow runs",
	}
	cmd.AddCommand(
		newScheduleAddCmd(c),
		newScheduleListCmd(c),
		newScheduleToggleCmd(c, "enable", true),
		newScheduleToggleCmd(c, "disable", false),
		newScheduleRemoveCmd(c),
	)
	return cmd
}

func newScheduleAddCmd(c *cli) *cobra.Command {
	var (
		run       store.ScheduledRun
		input     string
		inputFile string
	)
	cmd := &cobra.Command{
		Use:   "add <workflow-id> <cron-expression>",
		Short: "Schedule a workflow, e.g. add valuation-standard \"0 9 * * 1\"",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			run.WorkflowID = args[0]
			run.CronExpression = args[1]
			run.Enabled = true
			data, err := parseInput(input, inputFile)
			if err != nil {
				return err
			}
			run.Input = data

			return c.withApp(cmd.Context(), func(a *app) error {
				sched := scheduler.NewScheduler(a.store, a.runner, a.logger, scheduler.Options{})
				if err := sched.Schedule(cmd.Context(), &run); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scheduled %s, next run %s\n", run.ID, run.NextRunAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&run.PracticeID, "practice", "", "practice id (required)")
	cmd.Flags().StringVar(&run.ClientID, "client-id", "", "client id")
	cmd.Flags().StringVar(&run.ClientName, "client-name", "", "client name used in prompts")
	cmd.Flags().StringVar(&input, "input", "", "input data as a JSON object")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "input data file (JSON or YAML)")
	_ = cmd.MarkFlagRequired("practice")
	cmd.MarkFlagsMutuallyExclusive("input", "input-file")
	return cmd
}

func newScheduleListCmd(c *cli) *cobra.Command {
	var workflowID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				runs, err := a.store.ListScheduledRuns(cmd.Context(), store.ScheduledRunFilter{WorkflowID: workflowID})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tWORKFLOW\tCRON\tENABLED\tNEXT RUN\tLAST STATUS")
				for _, r := range runs {
					next := "-"
					if r.NextRunAt != nil {
						next = r.NextRunAt.Format(time.RFC3339)
					}
					last := r.LastRunStatus
					if last == "" {
						last = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", r.ID, r.WorkflowID, r.CronExpression, r.Enabled, next, last)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "only runs of this workflow")
	return cmd
}

func newScheduleToggleCmd(c *cli, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <schedule-id>",
		Short: verb + " a scheduled run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				update := store.ScheduledRunUpdate{Enabled: &enabled}
				if enabled {
					// Recompute from now so a long-disabled schedule does not fire immediately.
					run, err := a.store.GetScheduledRun(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					sched := scheduler.NewScheduler(a.store, a.runner, a.logger, scheduler.Options{})
					next, err := sched.NextRun(run.CronExpression, time.Now().UTC())
					if err != nil {
						return err
					}
					update.NextRunAt = &next
				}
				if err := a.store.UpdateScheduledRun(cmd.Context(), args[0], update); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", verb, args[0])
				return nil
			})
		},
	}
}

func newScheduleRemoveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <schedule-id>",
		Short: "Delete a scheduled run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				if err := a.store.DeleteScheduledRun(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}
}
