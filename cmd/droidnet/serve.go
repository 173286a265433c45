package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	droidnet "github.com/animegasan/luci-app-droidnet"
)

func newServeCmd() *cobra.Command {
	var flagListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			defer client.Close()
			if listen := strings.TrimSpace(flagListen); listen != "" {
				client.Config().Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info().
				Str("device", client.Device()).
				Str("listen", client.Config().Listen).
				Str("log_path", client.Config().LogPath).
				Msg("droidnet serve running")
			return client.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&flagListen, "listen", "", "Listen address overriding listen from the config")
	return cmd
}

func newDevicesCmd() *cobra.Command {
	var flagHistory bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List attached devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			if flagHistory {
				return printDeviceHistory(cmd, client)
			}
			attached, err := client.Devices(cmd.Context())
			if err != nil {
				return err
			}
			if rootJSON {
				return printJSON(cmd.OutOrStdout(), attached)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "SERIAL\tSTATE\tMODEL\tCONFIGURED")
			for _, dev := range attached {
				mark := ""
				if dev.Serial == client.Device() {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", dev.Serial, dev.State, dev.Label(), mark)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagHistory, "history", false, "List every device recorded in the history database")
	return cmd
}

func printDeviceHistory(cmd *cobra.Command, client *droidnet.Client) error {
	// refresh first so the rows reflect what is attached right now
	if _, err := client.Devices(cmd.Context()); err != nil {
		log.Warn().Err(err).Msg("refresh attached devices failed")
	}
	rows, err := client.DeviceHistory(cmd.Context())
	if err != nil {
		return err
	}
	if rootJSON {
		return printJSON(cmd.OutOrStdout(), rows)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "SERIAL\tSTATE\tMODEL\tLAST SEEN\tCONFIGURED")
	for _, r := range rows {
		mark := ""
		if r.Configured {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Serial, r.State, r.Model, r.LastSeenAt.Local().Format(time.DateTime), mark)
	}
	return nil
}
