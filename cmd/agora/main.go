// Command agora runs governance quests, either against a chat platform
// bridge (serve) or in a local terminal console.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/agora/internal/config"
)

var (
	projectDir string
	keepStack  bool
)

var rootCmd = &cobra.Command{
	Use:   "agora",
	Short: "Play governance quests with a group",
	Long: `agora runs quests in which a group writes its own rules: stages post
prompts, players vote, and the outcomes build a governance stack.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "d", "", "project directory holding agora.yaml (default: current)")
	rootCmd.PersistentFlags().BoolVar(&keepStack, "keep", false, "keep the governance stack and snapshots when the session ends")

	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(stackCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// resolveDir returns the absolute project directory.
func resolveDir() (string, error) {
	dir := strings.TrimSpace(projectDir)
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("determine working directory: %w", err)
		}
		dir = cwd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	return abs, nil
}

// loadConfig initialises the project directory on first use and loads it.
func loadConfig() (*config.Config, error) {
	dir, err := resolveDir()
	if err != nil {
		return nil, err
	}
	if err := config.Init(dir); err != nil {
		return nil, err
	}
	return config.Load(dir)
}
