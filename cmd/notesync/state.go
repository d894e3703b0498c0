package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"notesync/internal/config"
)

func newStateCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset the last-synced state",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the recorded state of every synced path",
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
			data, err := a.state.Get(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget all sync history; the next scan treats every path as first seen",
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
			if err := a.state.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sync state cleared")
			return nil
		},
	}

	cmd.AddCommand(show, clearCmd)
	return cmd
}
