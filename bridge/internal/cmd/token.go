package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentarena/arena/bridge/internal/auth"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [config-file]",
		Short: "Mint an admin API token signed with auth.jwt_secret",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := loadConfig(resolveConfigPath(cmd, args, defaultConfigPath))
			if err != nil {
				return err
			}
			svc, err := auth.NewService(cfg.Auth)
			if err != nil {
				return err
			}
			token, err := svc.IssueToken(subject, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "admin", "token subject")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}
