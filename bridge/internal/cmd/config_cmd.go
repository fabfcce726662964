package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config [config-file]",
		Short: "Display the effective configuration with secrets masked",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	masked := *cfg
	masked.Gateway.Token = maskSecret(cfg.Gateway.Token)
	masked.Auth.JWTSecret = maskSecret(cfg.Auth.JWTSecret)
	masked.Auth.AdminPasswordHash = maskSecret(cfg.Auth.AdminPasswordHash)

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Config: %s\n\n", configPath)
	_, _ = fmt.Fprintln(out, string(data))
	return nil
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
