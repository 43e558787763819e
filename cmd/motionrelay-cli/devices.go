package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rmacdonaldsmith/motionrelay/pkg/httpclient"
	"github.com/spf13/cobra"
)

func newDevicesCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List devices",
		Long:  "List every provisioned camera with its motion state and last image",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}

			resp, err := client.ListDevices(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, resp)
			}
			if resp.Count == 0 {
				fmt.Fprintln(out, "No devices provisioned")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tUSN\tSTATE\tTARGET\tIMAGE\tUPDATED")
			for _, d := range resp.Devices {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s:%d%s\t%s\t%s\n",
					d.ID, d.Name, d.USN, d.State,
					d.Target.Host, d.Target.Port, d.Target.Path,
					orDash(d.ImageID), formatTime(d.UpdatedAt))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")
	return cmd
}

func newDeviceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "device <id>",
		Short: "Show one device",
		Long:  "Show a camera's state, target, last image and current subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}

			d, err := client.GetDevice(ctx, args[0])
			if err != nil {
				return err
			}
			printDevice(cmd.OutOrStdout(), d)
			return nil
		},
	}
}

func newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <id>",
		Short: "Re-subscribe and poll a device",
		Long:  "Ask the relay to re-subscribe with the camera agent and poll its current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}

			resp, err := client.Refresh(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🔄 Device %s: %s\n", resp.DeviceID, resp.Status)
			return nil
		},
	}
}

func newEventsCommand() *cobra.Command {
	var (
		offset int64
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Read a device's attribute events",
		Long:  "Read the motion and image events of a device starting at an offset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := requireAuthentication(ctx); err != nil {
				return err
			}

			resp, err := client.ReadEvents(ctx, args[0], offset, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, resp)
			}
			fmt.Fprintf(out, "Device %s: %d event(s) from offset %d (end %d)\n",
				resp.DeviceID, resp.Count, resp.StartOffset, resp.EndOffset)
			for _, ev := range resp.Events {
				fmt.Fprintf(out, "  [%d] %s %s=%s%s\n",
					ev.Offset, formatTime(ev.Timestamp), ev.Attribute, ev.Value, unchangedMark(ev.Changed))
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&offset, "offset", 0, "First offset to read")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")
	return cmd
}

func printDevice(out io.Writer, d *httpclient.Device) {
	fmt.Fprintf(out, "ID:       %s\n", d.ID)
	fmt.Fprintf(out, "Name:     %s\n", d.Name)
	fmt.Fprintf(out, "USN:      %s\n", d.USN)
	fmt.Fprintf(out, "State:    %s\n", d.State)
	fmt.Fprintf(out, "Target:   %s:%d%s\n", d.Target.Host, d.Target.Port, d.Target.Path)
	if d.Target.CallbackPath != "" {
		fmt.Fprintf(out, "Callback: /notify%s\n", d.Target.CallbackPath)
	}
	fmt.Fprintf(out, "Updated:  %s\n", formatTime(d.UpdatedAt))
	if d.ImageID != "" {
		fmt.Fprintf(out, "Image:    %s (%s)\n", client.ImageURL(d.ImageID), d.ImageRef)
	} else if d.ImageRef != "" {
		fmt.Fprintf(out, "Image:    not stored (%s)\n", d.ImageRef)
	}
	if sub := d.Subscription; sub != nil {
		fmt.Fprintf(out, "Subscription:\n")
		fmt.Fprintf(out, "  Token:    %s\n", sub.Token)
		fmt.Fprintf(out, "  Callback: %s\n", sub.CallbackURL)
		fmt.Fprintf(out, "  Timeout:  %ds\n", sub.TimeoutSeconds)
		fmt.Fprintf(out, "  Expires:  %s\n", formatTime(sub.ExpiresAt))
	} else {
		fmt.Fprintf(out, "Subscription: none\n")
	}
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func unchangedMark(changed bool) string {
	if changed {
		return ""
	}
	return " (unchanged)"
}
