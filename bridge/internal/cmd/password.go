package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentarena/arena/bridge/internal/auth"
	"github.com/agentarena/arena/pkg/cli"
)

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for auth.admin_password_hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}
			password := p.AskSecret("Admin password")
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
