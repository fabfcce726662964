// Package cmd implements the arena-bridge command line.
package cmd

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "arena-config.json"

var version = "dev"

// NewRootCmd creates the root cobra command for arena-bridge.
// Bare invocation behaves as "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "arena-bridge",
		Short: "Agent Arena bridge between browsers and the agent gateway",
		Long: "arena-bridge keeps one authenticated link to the agent gateway and lets browser " +
			"clients hatch and chat with agent packages over their own WebSocket connections.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newAgentsCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newHashPasswordCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newSignupsCmd())
	root.AddCommand(newChatCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default ./"+defaultConfigPath+")")

	return root
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}
