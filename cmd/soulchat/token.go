package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"soulchat/internal/auth"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the crisis API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return auth.ErrMissingSecret
			}
			if subject == "" {
				return errors.New("--subject is required")
			}

			token, err := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer).
				IssueToken(subject, []string{auth.RoleOperator}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator name recorded in audit logs")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
