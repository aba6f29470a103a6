package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/dbcast/pkg/httpclient"
)

func newSubscribeCommand() *cobra.Command {
	var (
		bufferSize   int
		prettyFormat bool
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "subscribe <channel>...",
		Short: "Subscribe to channels and print change events",
		Long: `Open a WebSocket, subscribe to each channel and print events as they
arrive. Channels follow the db[.table[.action[.id]]] grammar; "db" subscribes to
every table the token authorizes. Press Ctrl+C to stop.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAuthentication(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stream, err := client.Stream(ctx, httpclient.StreamConfig{
				Channels:   args,
				BufferSize: bufferSize,
			})
			if err != nil {
				return fmt.Errorf("failed to start stream: %w", err)
			}
			defer func() {
				if err := stream.Close(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to close stream: %v\n", err)
				}
			}()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "🌊 Subscribing to %v on %s\n", args, serverURL)

			count := 0
			for {
				select {
				case <-ctx.Done():
					fmt.Fprintf(out, "\n✅ Stopped. Received %d events.\n", count)
					return nil

				case msg, ok := <-stream.Messages():
					if !ok {
						fmt.Fprintf(out, "\n🔌 Stream closed. Received %d events.\n", count)
						return nil
					}
					if !msg.IsBroadcast() {
						printControl(out, msg)
						continue
					}
					count++
					printEvent(out, msg, count, prettyFormat)
					if limit > 0 && count >= limit {
						return nil
					}

				case err, ok := <-stream.Errors():
					if !ok {
						return nil
					}
					fmt.Fprintf(out, "❌ Stream error: %v\n", err)
				}
			}
		},
	}

	cmd.Flags().IntVar(&bufferSize, "buffer-size", 100, "Message buffer size")
	cmd.Flags().BoolVar(&prettyFormat, "pretty", false, "Pretty print JSON payloads")
	cmd.Flags().IntVar(&limit, "limit", 0, "Exit after this many events (0 = unlimited)")

	return cmd
}

func printControl(out io.Writer, msg httpclient.Message) {
	switch msg.Event {
	case httpclient.EventError:
		fmt.Fprintf(out, "⚠️  %s\n", msg.Data)
	default:
		fmt.Fprintf(out, "ℹ️  %s %s\n", msg.Event, msg.Data)
	}
}

func printEvent(out io.Writer, msg httpclient.Message, count int, pretty bool) {
	fmt.Fprintf(out, "📨 Event #%d on %s:\n", count, msg.Event)
	if pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, msg.Data, "  ", "  "); err == nil {
			fmt.Fprintf(out, "  %s\n", buf.String())
			return
		}
	}
	fmt.Fprintf(out, "  %s\n", msg.Data)
}
