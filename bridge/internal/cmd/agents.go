package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentarena/arena/bridge/internal/packages"
	"github.com/agentarena/arena/bridge/internal/router"
)

func newAgentsCmd() *cobra.Command {
	agentsCmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect agent packages",
		RunE:  runAgentsList, // default subcommand
	}
	agentsCmd.PersistentFlags().String("dir", "", "packages directory (overrides packages.dir from the config)")
	agentsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agent packages",
		RunE:  runAgentsList,
	})
	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a package manifest and the boot message it sends",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentsShow,
	}
	show.Flags().Bool("json", false, "print the manifest as JSON")
	agentsCmd.AddCommand(show)
	return agentsCmd
}

// packageDir opens the directory named by --dir, falling back to the config.
func packageDir(cmd *cobra.Command) (*packages.Dir, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		cfg, err := loadConfig(resolveConfigPath(cmd, nil, defaultConfigPath))
		if err != nil {
			return nil, fmt.Errorf("load config (or pass --dir): %w", err)
		}
		dir = cfg.Packages.Dir
	}
	return packages.NewDir(dir, slog.New(slog.DiscardHandler)), nil
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	pkgs, err := packageDir(cmd)
	if err != nil {
		return err
	}
	manifests, err := pkgs.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(manifests) == 0 {
		_, _ = fmt.Fprintf(out, "No agent packages in %s.\n", pkgs.Root())
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tAGENT ID\tVERSION\tDESCRIPTION")
	for _, m := range manifests {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Name, router.AgentID(m, m.Name), m.Version, m.Description)
	}
	return w.Flush()
}

func runAgentsShow(cmd *cobra.Command, args []string) error {
	pkgs, err := packageDir(cmd)
	if err != nil {
		return err
	}
	bundle, err := pkgs.Lookup(args[0])
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(bundle.Manifest)
	}

	m := bundle.Manifest
	_, _ = fmt.Fprintf(out, "Name:      %s\n", args[0])
	if m.DisplayName != "" {
		_, _ = fmt.Fprintf(out, "Display:   %s %s\n", m.Emoji, m.DisplayName)
	}
	_, _ = fmt.Fprintf(out, "Agent ID:  %s\n", router.AgentID(m, args[0]))
	if len(m.Tags) > 0 {
		_, _ = fmt.Fprintf(out, "Tags:      %s\n", strings.Join(m.Tags, ", "))
	}
	_, _ = fmt.Fprintf(out, "Files:     %s\n\n", strings.Join(m.Files, ", "))
	_, _ = fmt.Fprintln(out, "Boot message:")
	_, _ = fmt.Fprintln(out, bundle.BootMessage())
	return nil
}
