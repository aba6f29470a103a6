package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long:  "Show the public status of the dbcast server. No token is required.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			status, err := client.Status(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dbcast server status:\n")
			fmt.Fprintf(out, "  Status: %s\n", healthStatus(status.Status == "healthy"))
			fmt.Fprintf(out, "  Version: %s\n", status.Version)
			fmt.Fprintf(out, "  Environment: %s\n", status.Environment)
			fmt.Fprintf(out, "  Uptime: %s\n", (time.Duration(status.Uptime * float64(time.Second))).Round(time.Second))
			return nil
		},
	}
}

// healthStatus returns a colored health status string
func healthStatus(healthy bool) string {
	if healthy {
		return "✅ Healthy"
	}
	return "❌ Unhealthy"
}
