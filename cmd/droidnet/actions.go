package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/animegasan/luci-app-droidnet/internal/action"
)

func newDataCmd() *cobra.Command {
	return newSwitchCmd("data", "Switch mobile data on or off", action.EnableData, action.DisableData)
}

func newAirplaneCmd() *cobra.Command {
	return newSwitchCmd("airplane", "Switch airplane mode on or off", action.EnableAirplane, action.DisableAirplane)
}

func newSwitchCmd(use, short string, on, off action.Name) *cobra.Command {
	return &cobra.Command{
		Use:       use + " on|off",
		Short:     short,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch strings.ToLower(args[0]) {
			case "on":
				return runAction(cmd, on, "")
			case "off":
				return runAction(cmd, off, "")
			default:
				return errors.Errorf("expected on or off, got %q", args[0])
			}
		},
	}
}

func newRebootCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "reboot [normal|bootloader|recovery]",
		Short:     "Restart the device",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"normal", "bootloader", "recovery"},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := "normal"
			if len(args) == 1 {
				mode = strings.ToLower(args[0])
			}
			switch mode {
			case "normal":
				return runAction(cmd, action.RebootNormal, "")
			case "bootloader":
				return runAction(cmd, action.RebootBootloader, "")
			case "recovery":
				return runAction(cmd, action.RebootRecovery, "")
			default:
				return errors.Errorf("unknown reboot mode %q", mode)
			}
		},
	}
}

func newShutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Power the device off",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, action.Shutdown, "")
		},
	}
}

func runAction(cmd *cobra.Command, name action.Name, pkg string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Run(cmd.Context(), name, pkg)
	if err != nil && res.ID == "" {
		return err
	}
	if perr := printResult(cmd.OutOrStdout(), res); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if res.Outcome != action.Success {
		return errors.Errorf("%s failed", name)
	}
	return nil
}

func printResult(w io.Writer, res action.Result) error {
	if rootJSON {
		return printJSON(w, res)
	}
	fmt.Fprintln(w, res.Message)
	if res.Diagnostic != "" {
		fmt.Fprintf(w, "  %s\n", res.Diagnostic)
	}
	if res.Notice != "" {
		fmt.Fprintln(w, res.Notice)
	}
	return nil
}
