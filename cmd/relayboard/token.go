package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayboard/internal/httpapi"
)

func newTokenCmd(state *cli) *cobra.Command {
	var (
		secret   string
		identity string
		scopes   []string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed bearer token for local use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(secret) == "" {
				secret = state.cfg.Auth.JWTSecret
			}
			if strings.TrimSpace(secret) == "" {
				return errors.New("a signing secret is required (--secret or RELAYBOARD_JWT_SECRET)")
			}
			token, err := httpapi.MintToken(secret, identity, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 signing secret (defaults to auth.jwt_secret)")
	cmd.Flags().StringVar(&identity, "identity", "", "identity the token is issued to")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{httpapi.ScopeRead, httpapi.ScopeWrite}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}
