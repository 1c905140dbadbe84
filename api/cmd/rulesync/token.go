package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/irgordon/rulesync/api/internal/config"
	"github.com/irgordon/rulesync/api/internal/core/domain"
	"github.com/irgordon/rulesync/api/internal/core/services"
)

// NewTokenCommand mints an operator token signed with the configured JWT secret.
func NewTokenCommand(root *RootOptions) *cobra.Command {
	var (
		subject string
		apps    []string
		actions []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Mint an operator token",
		Example: `rulesync token --sub alice --apps orders,billing --actions read,write --ttl 12h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.ConfigPath)
			if err != nil {
				return err
			}

			op := &domain.Operator{Name: subject, Apps: apps}
			for _, a := range actions {
				action := domain.Action(a)
				switch action {
				case domain.ActionRead, domain.ActionWrite, domain.ActionDelete:
					op.Actions = append(op.Actions, action)
				default:
					return fmt.Errorf("unknown action %q", a)
				}
			}

			tok, err := services.NewTokenService(cfg.JWTSecret).IssueOperatorToken(op, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "sub", "", "operator name")
	cmd.Flags().StringSliceVar(&apps, "apps", []string{"*"}, "applications the token may touch, * for all")
	cmd.Flags().StringSliceVar(&actions, "actions", []string{"read", "write", "delete"}, "allowed actions")
	cmd.Flags().DurationVar(&ttl, "ttl", services.DefaultTokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")

	return cmd
}
