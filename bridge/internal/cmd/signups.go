package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentarena/arena/bridge/internal/store"
)

func newSignupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signups [config-file]",
		Short: "List signup records from the configured store",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSignups,
	}
	cmd.Flags().Int("limit", 50, "maximum records to print")
	cmd.Flags().Int("offset", 0, "records to skip")
	cmd.Flags().Bool("json", false, "print records as JSON")
	return cmd
}

func runSignups(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(resolveConfigPath(cmd, args, defaultConfigPath))
	if err != nil {
		return err
	}
	db, err := store.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	signups, err := db.ListSignups(ctx, limit, offset)
	if err != nil {
		return fmt.Errorf("list signups: %w", err)
	}
	total, err := db.CountSignups(ctx)
	if err != nil {
		return fmt.Errorf("count signups: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"signups": signups, "total": total})
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CREATED\tEMAIL\tNAME\tAGENT\tSOURCE")
	for _, s := range signups {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.CreatedAt.Local().Format(time.DateTime), s.Email, s.Name, s.AgentPkg, s.Source)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "\n%d of %d signups\n", len(signups), total)
	return nil
}
