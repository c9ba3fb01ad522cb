package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/agora/internal/actions"
	"github.com/kingrea/agora/internal/quest"
	"github.com/kingrea/agora/internal/quest/runner"
)

var validateCmd = &cobra.Command{
	Use:   "validate [quest.yaml...]",
	Short: "Check quest files for unknown verbs and malformed stages",
	Long: `Parses each quest file and checks every action and progress condition
against the built-in registries. With no arguments every quest in the
project's quests directory is checked.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	paths := args
	if len(paths) == 0 {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths, err = questFiles(cfg.QuestsDir())
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No quests in %s\n", cfg.QuestsDir())
			return nil
		}
	}
	registry, err := actions.NewRegistry(actions.Services{})
	if err != nil {
		return err
	}
	predicates := runner.DefaultPredicates()

	out := cmd.OutOrStdout()
	invalid := 0
	for _, path := range paths {
		spec, err := quest.LoadSpecFile(path)
		if err == nil {
			err = runner.Preflight(spec.Game.Stages, registry, predicates)
		}
		if err != nil {
			invalid++
			fmt.Fprintf(out, "Invalid: %s\n", path)
			printErrors(out, err)
			continue
		}
		fmt.Fprintf(out, "OK: %s (%s, %d stages)\n", path, spec.Game.Title, len(spec.Game.Stages))
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d quest(s) invalid", invalid, len(paths))
	}
	return nil
}

func printErrors(w io.Writer, err error) {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			fmt.Fprintf(w, "- %v\n", e)
		}
		return
	}
	fmt.Fprintf(w, "- %v\n", err)
}

func questFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
