package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/dbcast/pkg/httpclient"
)

var (
	// Persistent flag values.
	serverURL string
	token     string
	timeout   time.Duration

	client *httpclient.Client
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dbcast-cli",
		Short: "dbcast command line interface",
		Long: `dbcast-cli talks to a dbcast server. It can mint development tokens,
publish change events, subscribe to channels over WebSocket and inspect
server state.`,
		PersistentPreRunE: initializeClient,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("DBCAST_SERVER", "http://localhost:3000"), "dbcast server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("DBCAST_TOKEN"), "JWT bearer token")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newSubscribeCommand())
	rootCmd.AddCommand(newAdminCommand())

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// initializeClient builds the shared client from the persistent flags.
func initializeClient(cmd *cobra.Command, args []string) error {
	// The root and help commands need no client.
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}

	var err error
	client, err = httpclient.NewClient(httpclient.Config{
		ServerURL: serverURL,
		Token:     token,
		Timeout:   timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

// requireAuthentication fails when no token was supplied.
func requireAuthentication() error {
	if client == nil {
		return fmt.Errorf("client not initialized")
	}
	if !client.IsAuthenticated() {
		return fmt.Errorf("no token - run 'dbcast-cli token' or provide --token")
	}
	return nil
}
