package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aminovpavel/meshlink/internal/config"
	"github.com/aminovpavel/meshlink/internal/snapshot"
	"github.com/aminovpavel/meshlink/internal/storage"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the persisted node database and message history as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			snap, err := snapshot.NewFileStore(cfg.SnapshotFile).Load()
			if err != nil {
				return fmt.Errorf("load snapshot: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}

func newLogCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the most recent packet log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.PacketLogFile == "" {
				return fmt.Errorf("packet_log_file is not configured")
			}
			entries, err := storage.ReadLog(cmd.Context(), cfg.PacketLogFile, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s %-12s %s\n", e.ReceivedAt.Format(time.RFC3339), e.Kind, e.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to print")
	return cmd
}
