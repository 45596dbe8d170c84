// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/forkbombeu/emuctl/pkg/avdmanager"
)

func main() {
	ctx := context.Background()
	shutdown, err := setupTracing(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tracing disabled:", err)
		shutdown = func(context.Context) error { return nil }
	}

	mgr := avdmanager.NewWithContext(ctx)
	root := newRootCmd(mgr)
	err = root.ExecuteContext(ctx)
	_ = shutdown(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(mgr *avdmanager.Manager) *cobra.Command {
	root := &cobra.Command{
		Use:           "emuctl",
		Short:         "Discover, configure and drive Android emulators for web previews",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		devicesCmd(mgr),
		packagesCmd(mgr),
		psCmd(mgr),
		bootCmd(mgr),
		shutdownCmd(mgr),
		openCmd(mgr),
		launchCmd(mgr),
		certCmd(mgr),
		createCmd(mgr),
		deleteCmd(mgr),
		skinCmd(mgr),
	)
	return root
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// mustDevice resolves a device by id or display name.
func mustDevice(cmd *cobra.Command, mgr *avdmanager.Manager, idOrName string) (*avdmanager.AndroidDevice, error) {
	d, ok, err := mgr.GetDevice(cmd.Context(), idOrName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no AVD with id or name %q", idOrName)
	}
	return d, nil
}

func devicesCmd(mgr *avdmanager.Manager) *cobra.Command {
	var all, asJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List AVDs (phone/tablet images at the minimum API level unless --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters := mgr.DefaultFilters()
			if all {
				filters = nil
			}
			devices, err := mgr.EnumerateDevices(cmd.Context(), filters)
			if err != nil {
				return err
			}
			infos := make([]avdmanager.DeviceInfo, len(devices))
			for i, d := range devices {
				infos[i] = d.Info()
			}
			if asJSON {
				return printJSON(infos)
			}
			if len(infos) == 0 {
				fmt.Println("(no devices)")
				return nil
			}
			for _, i := range infos {
				store := ""
				if i.IsPlayStoreEnabled {
					store = " play-store"
				}
				fmt.Printf("%-28s %-24s %-10s api=%-6s %s%s\n", i.ID, i.DisplayName, i.DeviceType, i.OSVersion, i.OSType, store)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "do not filter by OS type or version")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func packagesCmd(mgr *avdmanager.Manager) *cobra.Command {
	var asJSON, refresh, installed bool
	cmd := &cobra.Command{
		Use:   "packages",
		Short: "List SDK platforms and system images",
		RunE: func(cmd *cobra.Command, args []string) error {
			if refresh {
				mgr.ClearCaches()
			}
			catalog, err := mgr.Packages(cmd.Context())
			if err != nil {
				return err
			}
			pkgs := append(catalog.Platforms(), catalog.SystemImages()...)
			if installed {
				pkgs = catalog.Installed()
			}
			if asJSON {
				return printJSON(pkgs)
			}
			for _, p := range pkgs {
				mark := " "
				if p.Installed {
					mark = "*"
				}
				fmt.Printf("%s %-52s api=%-6s %s\n", mark, p.Path, p.APILevel, p.Description)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-run sdkmanager instead of using the cache")
	cmd.Flags().BoolVar(&installed, "installed", false, "only installed packages")
	return cmd
}

func psCmd(mgr *avdmanager.Manager) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List running emulators with AVD id, serial and port",
		RunE: func(cmd *cobra.Command, args []string) error {
			running, err := mgr.ListRunning(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(running)
			}
			if len(running) == 0 {
				fmt.Println("(no emulators)")
				return nil
			}
			for _, r := range running {
				fmt.Printf("%-28s %-16s port=%d\n", r.AVDID, r.Serial, r.Port)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func bootCmd(mgr *avdmanager.Manager) *cobra.Command {
	var opts avdmanager.BootOptions
	cmd := &cobra.Command{
		Use:   "boot NAME",
		Short: "Boot an AVD (reuses the running instance if any)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := mustDevice(cmd, mgr, args[0])
			if err != nil {
				return err
			}
			start := time.Now()
			if err := d.Boot(cmd.Context(), opts); err != nil {
				return err
			}
			port, _ := d.EmulatorPort()
			fmt.Printf("Booted %s on emulator-%d in %s\n", d.ID(), port, time.Since(start).Round(time.Second))
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.SkipWait, "no-wait", false, "return once the emulator is launched")
	cmd.Flags().BoolVar(&opts.WritableSystem, "writable", false, "boot with a writable system partition")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "boot timeout (default from config)")
	cmd.MarkFlagsMutuallyExclusive("no-wait", "writable")
	return cmd
}

func shutdownCmd(mgr *avdmanager.Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown NAME",
		Short: "Stop a running AVD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := mustDevice(cmd, mgr, args[0])
			if err != nil {
				return err
			}
			if err := d.Shutdown(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("Stopped %s\n", d.ID())
			return nil
		},
	}
}

func openCmd(mgr *avdmanager.Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "open NAME URL",
		Short: "Open a URL in the device browser",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := mustDevice(cmd, mgr, args[0])
			if err != nil {
				return err
			}
			return d.OpenURL(cmd.Context(), args[1])
		},
	}
}

func launchCmd(mgr *avdmanager.Manager) *cobra.Command {
	var apk string
	cmd := &cobra.Command{
		Use:   "launch NAME APP_ID",
		Short: "Launch an installed app, optionally installing an APK first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := mustDevice(cmd, mgr, args[0])
			if err != nil {
				return err
			}
			if apk != "" {
				if err := d.InstallApp(cmd.Context(), apk); err != nil {
					return err
				}
			}
			return d.LaunchApp(cmd.Context(), args[1])
		},
	}
	cmd.Flags().StringVar(&apk, "apk", "", "APK to install before launching")
	return cmd
}

func certCmd(mgr *avdmanager.Manager) *cobra.Command {
	cert := &cobra.Command{
		Use:   "cert",
		Short: "Manage system CA certificates on a device",
	}
	cert.AddCommand(&cobra.Command{
		Use:   "install NAME CERT",
		Short: "Install a CA certificate (reboots into writable-system mode)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := mustDevice(cmd, mgr, args[0])
			if err != nil {
				return err
			}
			if err := d.InstallCert(cmd.Context(), args[1]); err != nil {
				return err
			}
			fmt.Printf("Installed %s on %s\n", args[1], d.ID())
			return nil
		},
	}, &cobra.Command{
		Use:   "check NAME CERT",
		Short: "Report whether a CA certificate is installed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := mustDevice(cmd, mgr, args[0])
			if err != nil {
				return err
			}
			if !d.IsCertInstalled(cmd.Context(), args[1]) {
				return errors.New("not installed")
			}
			fmt.Println("installed")
			return nil
		},
	})
	return cert
}

func createCmd(mgr *avdmanager.Manager) *cobra.Command {
	var opts avdmanager.CreateOptions
	var api string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an AVD, installing the best matching system image if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if api != "" {
				v := avdmanager.VersionFrom(api)
				opts.APILevel = &v
			}
			d, err := mgr.CreateDevice(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Printf("Created %s (%s, API %s)\n", d.ID(), d.DeviceType(), d.OSVersion())
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "AVD name")
	cmd.Flags().StringVar(&opts.DeviceProfile, "device", "pixel_6", "device profile")
	cmd.Flags().StringVar(&api, "api", "", "API level (default: newest eligible)")
	cmd.Flags().StringVar(&opts.Tag, "tag", "google_apis", "system image tag")
	return cmd
}

func deleteCmd(mgr *avdmanager.Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an AVD (+ .ini)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mgr.DeleteDevice(cmd.Context(), args[0])
		},
	}
}

func skinCmd(mgr *avdmanager.Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "skin CONFIG PROFILE",
		Short: "Apply skin and hardware tuning to a config.ini",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			written, err := mgr.ApplySkin(args[0], args[1])
			if err != nil {
				return err
			}
			if !written {
				fmt.Printf("%s left unchanged (empty config)\n", args[0])
				return nil
			}
			fmt.Printf("Updated %s (was %s)\n", args[0], units.HumanSize(float64(st.Size())))
			return nil
		},
	}
}
