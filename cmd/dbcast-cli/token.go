package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/dbcast/internal/identity"
	"github.com/rmacdonaldsmith/dbcast/pkg/authz"
)

func newTokenCommand() *cobra.Command {
	var (
		secret    string
		subject   string
		name      string
		tables    string
		admin     bool
		publisher bool
		ttl       time.Duration
		quiet     bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token",
		Long: `Mint a signed token locally using the server's shared secret. The
tables flag is the comma-separated list of tables the subject may read.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("secret is required (--secret or DBCAST_AUTH_JWTSECRET)")
			}

			auth := identity.NewJWTAuth(secret, identity.WithTTL(ttl))
			signed, expiresAt, err := auth.GenerateToken(identity.TokenRequest{
				Subject:   subject,
				Name:      name,
				Admin:     admin,
				Publisher: publisher,
				Tables:    authz.ParseTables(tables),
			})
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}

			out := cmd.OutOrStdout()
			if quiet {
				fmt.Fprintln(out, signed)
				return nil
			}
			fmt.Fprintf(out, "✅ Token generated\n")
			fmt.Fprintf(out, "Subject: %s\n", subject)
			fmt.Fprintf(out, "Expires: %s\n", expiresAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Token: %s\n", signed)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", os.Getenv("DBCAST_AUTH_JWTSECRET"), "Shared signing secret")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject id (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&tables, "tables", "", "Comma-separated authorized tables")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant admin")
	cmd.Flags().BoolVar(&publisher, "publisher", false, "Grant publish")
	cmd.Flags().DurationVar(&ttl, "ttl", identity.DefaultTokenTTL, "Token lifetime")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print only the token")
	if err := cmd.MarkFlagRequired("subject"); err != nil {
		panic(fmt.Sprintf("Failed to mark subject as required: %v", err))
	}

	return cmd
}
