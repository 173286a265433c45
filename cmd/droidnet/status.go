package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/animegasan/luci-app-droidnet/internal/device"
	"github.com/animegasan/luci-app-droidnet/internal/model"
)

func newStatusCmd() *cobra.Command {
	var flagScope string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the device snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := device.ParseScope(flagScope)
			if err != nil {
				return err
			}
			client, err := openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			snap, err := client.Snapshot(cmd.Context(), scope)
			if err != nil {
				return err
			}
			if rootJSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap, scope)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagScope, "scope", string(device.ScopeAll), "Sections to load: network, system or all")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSnapshot(out io.Writer, snap *model.Snapshot, scope device.Scope) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Device\t%s\n", snap.Device)
	if snap.Conflict {
		fmt.Fprintf(w, "Status\tdevice not found or not authorized\n")
		return
	}
	if snap.Error != "" {
		fmt.Fprintf(w, "Error\t%s\n", snap.Error)
		return
	}

	if scope != device.ScopeSystem {
		slots := len(snap.Operator)
		if slots < 1 {
			slots = 1
		}
		for i := 0; i < slots; i++ {
			fmt.Fprintf(w, "SIM %d\t%s (%s, roaming %s, MCC/MNC %s)\n", i+1,
				snap.Operator.Display(i), snap.Network.Display(i), snap.Roaming.StateAt(i).Label(), snap.MCC.Display(i))
		}
		fmt.Fprintf(w, "RIL driver\t%s\n", model.StringValue(snap.Driver))
		fmt.Fprintf(w, "SDK\t%s\n", model.StringValue(snap.SDK))
		fmt.Fprintf(w, "IMEI\t%s\n", model.StringValue(snap.IMEI))
		fmt.Fprintf(w, "Airplane mode\t%s\n", snap.Airplane.Label())
		fmt.Fprintf(w, "Mobile data\t%s (SIM 1 %s, SIM 2 %s)\n", snap.MobileData.Label(), snap.SIM1Data.Label(), snap.SIM2Data.Label())
		fmt.Fprintf(w, "IP address\t%s\n", model.StringValue(snap.IP))
	}
	if scope != device.ScopeNetwork {
		if st := snap.Storage; st != nil {
			fmt.Fprintf(w, "Storage\t%s used of %s, %s free (%s)\n", st.Used, st.Size, st.Free, st.Percentage)
		} else {
			fmt.Fprintf(w, "Storage\t-\n")
		}
		if snap.Packages != nil {
			fmt.Fprintf(w, "Packages\t%d installed\n", len(snap.Packages))
		}
	}
	for section, text := range snap.Diagnostics {
		fmt.Fprintf(w, "! %s\t%s\n", section, text)
	}
}
