package main

import (
	"fmt"
	"sort"

	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"github.com/rmacdonaldsmith/motionrelay/pkg/httpclient"
	"github.com/spf13/cobra"
)

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin commands (requires admin privileges)",
		Long:  "Provision and remove cameras and inspect relay statistics",
	}

	cmd.AddCommand(newAdminProvisionCommand())
	cmd.AddCommand(newAdminDeprovisionCommand())
	cmd.AddCommand(newAdminStatsCommand())

	return cmd
}

func newAdminProvisionCommand() *cobra.Command {
	var req httpclient.ProvisionRequest

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision a camera",
		Long: `Register a camera with the relay. The relay subscribes with the camera
agent immediately and polls its current status.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}

			d, err := client.AdminProvision(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✅ Device %s provisioned\n", d.ID)
			printDevice(out, d)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ID, "id", "", "Device ID")
	cmd.Flags().StringVar(&req.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&req.USN, "usn", "", "Camera USN (serial)")
	cmd.Flags().StringVar(&req.Target.Host, "host", "", "Camera agent host")
	cmd.Flags().IntVar(&req.Target.Port, "port", 0, "Camera agent port")
	cmd.Flags().StringVar(&req.Target.Path, "path", "/status", "Camera agent SUBSCRIBE and status path")
	cmd.Flags().StringVar(&req.Target.CallbackPath, "callback-path", "", "Path appended to /notify in the callback URL")
	for _, name := range []string{"id", "usn", "host", "port"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func newAdminDeprovisionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deprovision <id>",
		Short: "Remove a camera",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}

			if err := client.AdminDeprovision(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🗑️  Device %s deprovisioned\n", args[0])
			return nil
		},
	}
}

func newAdminStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show relay statistics",
		Long:  "Display device, subscription and event statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}

			stats, err := client.AdminGetStats(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "📊 Relay Statistics:\n")
			fmt.Fprintf(out, "  Devices: %d (%d %s)\n", stats.Devices, stats.ActiveDevices, device.MotionActive)
			fmt.Fprintf(out, "  Subscriptions: %d\n", stats.Subscriptions)
			fmt.Fprintf(out, "  Pending images: %d\n", stats.PendingImages)
			fmt.Fprintf(out, "  Total events: %d\n", stats.TotalEvents)
			fmt.Fprintf(out, "  Dropped stream events: %d\n", stats.DroppedEvents)
			fmt.Fprintf(out, "  Stream listeners: %d\n", stats.Listeners)

			ids := make([]string, 0, len(stats.EventsByDevice))
			for id := range stats.EventsByDevice {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(out, "    %s: %d\n", id, stats.EventsByDevice[id])
			}
			return nil
		},
	}
}
