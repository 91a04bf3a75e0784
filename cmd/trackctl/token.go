package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"crm-enrichment/internal/infra/api"
)

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the tracker API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				return fmt.Errorf("--secret (or TRACKER_JWT_SECRET) is required")
			}
			tok, err := api.NewAuthManager(secret).Mint(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("TRACKER_JWT_SECRET"), "HS256 secret shared with the API")
	cmd.Flags().StringVar(&subject, "subject", "trackctl", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
