package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/rmacdonaldsmith/motionrelay/pkg/httpclient"
	"github.com/spf13/cobra"
)

func newStreamCommand() *cobra.Command {
	var (
		deviceID   string
		bufferSize int
		maxEvents  int
	)

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream attribute events in real-time",
		Long: `Stream motion and image events using Server-Sent Events.
Press Ctrl+C to stop streaming.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd, deviceID, bufferSize, maxEvents)
		},
	}

	cmd.Flags().StringVar(&deviceID, "device", "", "Device to stream (optional - streams all devices if not specified)")
	cmd.Flags().IntVar(&bufferSize, "buffer-size", 100, "Event buffer size")
	cmd.Flags().IntVar(&maxEvents, "max-events", 0, "Stop after this many events (0 = unlimited)")

	return cmd
}

func runStream(cmd *cobra.Command, deviceID string, bufferSize, maxEvents int) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authCtx, cancel := context.WithTimeout(ctx, timeout)
	err := requireAuthentication(authCtx)
	cancel()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	scope := "all devices"
	if deviceID != "" {
		scope = "device " + deviceID
	}
	fmt.Fprintf(out, "🌊 Streaming events from %s (%s)...\n", serverURL, scope)

	streamClient, err := client.Stream(ctx, httpclient.StreamConfig{
		DeviceID:   deviceID,
		BufferSize: bufferSize,
	})
	if err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	defer streamClient.Close()

	count := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\n✅ Stream stopped. Received %d events.\n", count)
			return nil

		case event, ok := <-streamClient.Events():
			if !ok {
				fmt.Fprintf(out, "\n🔌 Event stream closed. Received %d events.\n", count)
				return nil
			}
			count++
			printStreamEvent(out, event)
			if maxEvents > 0 && count >= maxEvents {
				return nil
			}

		case err, ok := <-streamClient.Errors():
			if ok {
				// non-fatal; the client reconnects
				fmt.Fprintf(cmd.ErrOrStderr(), "❌ Stream error: %v\n", err)
			}
		}
	}
}

func printStreamEvent(out io.Writer, ev httpclient.StreamEvent) {
	fmt.Fprintf(out, "📨 %s %s [%d] %s=%s%s\n",
		formatTime(ev.Event.Timestamp), ev.Event.DeviceID, ev.Event.Offset,
		ev.Name, ev.Event.Value, unchangedMark(ev.Event.Changed))
}
