package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/agora/internal/config"
	"github.com/kingrea/agora/internal/governance"
)

var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "Print the current governance stack",
	Args:  cobra.NoArgs,
	RunE:  runStack,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete the governance stack and its snapshots",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

func openStore(cfg *config.Config) *governance.Store {
	return governance.NewStore(cfg.RunDir(), cfg.CatalogueDir())
}

func runStack(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := openStore(cfg)
	stack, err := store.Current()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, stack.Render())
	snapshots, err := store.Snapshots()
	if err != nil {
		return err
	}
	if len(snapshots) > 0 {
		fmt.Fprintf(out, "\n%d snapshot(s), latest %s\n", len(snapshots), filepath.Base(snapshots[len(snapshots)-1]))
	}
	return nil
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := openStore(cfg).Cleanup(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Removed the governance stack and its snapshots.")
	return nil
}
