package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/animegasan/luci-app-droidnet/internal/action"
	"github.com/animegasan/luci-app-droidnet/internal/pager"
)

func newPackagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packages",
		Short: "List, install and remove device packages",
	}
	cmd.AddCommand(
		newPackagesListCmd(),
		newPackagesRemoveCmd(),
		newPackagesInstallCmd(),
		newPackagesRefreshCmd(),
	)
	return cmd
}

func newPackagesListCmd() *cobra.Command {
	var (
		flagFilter string
		flagPage   int
		flagSize   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show one page of installed packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			q := pager.Query{PageSize: flagSize}.WithFilter(flagFilter).WithPage(flagPage)
			page, err := client.Packages(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rootJSON {
				return printJSON(out, page)
			}
			for i, pkg := range page.Items {
				fmt.Fprintf(out, "%4d  %s\n", page.Start+i, pkg)
			}
			fmt.Fprintf(out, "%s (page %d of %d)\n", page.Summary, page.Page, page.Pages)
			if page.HasPrev() {
				fmt.Fprintf(out, "previous: --page %d\n", page.Page-1)
			}
			if page.HasNext() {
				fmt.Fprintf(out, "next: --page %d\n", page.Page+1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagFilter, "filter", "", "Case-insensitive substring filter")
	cmd.Flags().IntVar(&flagPage, "page", 1, "Page number")
	cmd.Flags().IntVar(&flagSize, "size", 0, "Rows per page (0 uses page_size from the config)")
	return cmd
}

func newPackagesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <package>",
		Short: "Uninstall a package for user 0",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, action.RemovePackage, args[0])
		},
	}
}

func newPackagesRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Reload the package list from the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, action.RefreshPackageList, "")
		},
	}
}

func newPackagesInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <file.apk>",
		Short: "Upload and install a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open package")
			}
			defer f.Close()

			client, err := openClient()
			if err != nil {
				return err
			}
			defer client.Close()

			// Ctrl-C during the upload cancels it without an audit entry.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			res, err := client.Install(ctx, f)
			if errors.Is(err, action.ErrUploadCanceled) {
				fmt.Fprintln(cmd.OutOrStdout(), res.Message)
				return nil
			}
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
				return errors.New("install failed")
			}
			return nil
		},
	}
}
