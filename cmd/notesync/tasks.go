package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"notesync/internal/config"
)

func newTasksCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and clean up queued tasks",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			tasks, err := a.repo.ListRecent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tasks)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "number of tasks to show")

	var force bool
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.repo.Delete(cmd.Context(), args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
	del.Flags().BoolVarP(&force, "force", "f", false, "delete even if the task is pending or running")

	var olderThan int
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished tasks older than the given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			age := cfg.Retention.TaskMaxAge()
			if olderThan > 0 {
				age = time.Duration(olderThan) * time.Minute
			}
			n, err := a.repo.DeleteOlderThan(cmd.Context(), a.clock.Now().Add(-age))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d tasks\n", n)
			return nil
		},
	}
	cleanup.Flags().IntVar(&olderThan, "older-than", 0, "age in minutes (defaults to retention.task_max_age_minutes)")

	cmd.AddCommand(list, del, cleanup)
	return cmd
}
