package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Inspect server state",
		Long:  "Commands for monitoring a dbcast server. sockets requires an admin token.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "metrics",
		Short: "Show dispatcher and transport counters",
		RunE:  runAdminMetrics,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sockets",
		Short: "List connected sockets and rooms",
		RunE:  runAdminSockets,
	})

	return cmd
}

func runAdminMetrics(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	m, err := client.Metrics(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "📊 Server metrics:\n")
	fmt.Fprintf(out, "  Connected clients: %d\n", m.ConnectedClients)
	fmt.Fprintf(out, "  Rooms: %d\n", m.Rooms)
	fmt.Fprintf(out, "  Subscribes: %d\n", m.Dispatcher.Subscribes)
	fmt.Fprintf(out, "  Unsubscribes: %d\n", m.Dispatcher.Unsubscribes)
	fmt.Fprintf(out, "  Publishes: %d\n", m.Dispatcher.Publishes)
	fmt.Fprintf(out, "  Rejected: %d\n", m.Dispatcher.Rejected)
	fmt.Fprintf(out, "  Frames delivered: %d\n", m.Transport.Delivered)
	fmt.Fprintf(out, "  Frames dropped: %d\n", m.Transport.Dropped)
	fmt.Fprintf(out, "  Goroutines: %d\n", m.Goroutines)
	return nil
}

func runAdminSockets(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	s, err := client.Sockets(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "🔌 %d connected sockets\n", s.TotalConnections)
	for _, c := range s.ConnectedSockets {
		fmt.Fprintf(out, "  %s user=%s admin=%t publisher=%t tables=%v\n", c.ID, c.UserID, c.IsAdmin, c.IsPublisher, c.AuthorizedTables)
		for _, room := range c.Rooms {
			fmt.Fprintf(out, "    - %s\n", room)
		}
	}

	names := make([]string, 0, len(s.Rooms))
	for name := range s.Rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(out, "🏠 %d rooms\n", len(names))
	for _, name := range names {
		fmt.Fprintf(out, "  %s (%d members)\n", name, s.Rooms[name].MemberCount)
	}
	return nil
}
