package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	jwttoken "atsflow/internal/jwt_token"
	"atsflow/internal/platform/config"
	"atsflow/pkg/domain"
)

// newTokenCommand mints bearer tokens for local testing and operator
// tooling. It signs with the configured key, so the server accepts them.
func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		actorID string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for an actor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return fmt.Errorf("token minting is disabled in production")
			}
			parsed, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			tokens := jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.Issuer, cfg.Auth.Audience)
			token, err := tokens.GenerateAccessToken(domain.Actor{ID: actorID, Role: parsed}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor ID to embed in the token")
	cmd.Flags().StringVar(&role, "role", "", "actor role, e.g. ats_center_testing")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}
