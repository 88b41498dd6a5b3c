package main

import (
	"encoding/json"
	"fmt"
	"time"

	"voicebridge/internal/auth"
	"voicebridge/internal/rbac"

	"github.com/spf13/cobra"
)

type tokenOptions struct {
	subject string
	role    string
}

// newTokenCommand issues admin API tokens. There is no login endpoint.
func newTokenCommand(root *rootOptions) *cobra.Command {
	opts := &tokenOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !rbac.IsKnownRole(opts.role) {
				return fmt.Errorf("unknown role %q: must be one of admin, operator, viewer", opts.role)
			}
			m, err := auth.NewManager(root.cfg.Auth)
			if err != nil {
				return err
			}
			pair, err := m.IssuePair(time.Now(), opts.subject, opts.role)
			if err != nil {
				return err
			}
			root.log.Info("token issued", "subject", opts.subject, "role", opts.role, "expires_at", pair.ExpiresAt)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"access_token":  pair.AccessToken,
				"refresh_token": pair.RefreshToken,
				"expires_at":    pair.ExpiresAt.UTC().Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&opts.subject, "subject", "", "operator identity recorded in the token (required)")
	cmd.Flags().StringVar(&opts.role, "role", rbac.RoleOperator, "admin, operator or viewer")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
