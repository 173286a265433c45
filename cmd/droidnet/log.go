package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/animegasan/luci-app-droidnet/internal/auditlog"
	"github.com/animegasan/luci-app-droidnet/internal/storage"
)

func newLogCmd() *cobra.Command {
	var flagDirection string

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the action audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := auditlog.ParseDirection(flagDirection)
			if err != nil {
				return err
			}
			client, err := openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			lines, err := client.Log(dir)
			if errors.Is(err, auditlog.ErrEmpty) {
				fmt.Fprintln(cmd.OutOrStdout(), "Log is empty.")
				return nil
			}
			if err != nil {
				return err
			}
			if rootJSON {
				return printJSON(cmd.OutOrStdout(), lines)
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagDirection, "direction", string(auditlog.Down), "Order: down (oldest first) or up (newest first)")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var filter storage.Filter

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded action outcomes from the history database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			rows, err := client.History(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if rootJSON {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "SETTLED\tACTION\tOUTCOME\tMESSAGE")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.SettledAt.Local().Format(time.DateTime), r.Action, r.Outcome, r.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.Device, "filter-device", "", "Only rows for this device")
	cmd.Flags().StringVar(&filter.Action, "action", "", "Only rows for this action")
	cmd.Flags().StringVar(&filter.Outcome, "outcome", "", "Only rows with this outcome (success, failure)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum rows (0 uses the default)")
	return cmd
}
