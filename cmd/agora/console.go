package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/chat/memchat"
	"github.com/kingrea/agora/internal/console"
)

var (
	consolePlayers []string
	consoleChannel string
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Play quests locally in a terminal console",
	Long: `Starts an in-memory chat with a lobby channel and a few local players.
Type to speak as the current player; /as, /ch, /pick and /click switch
player or channel and answer votes.`,
	Args: cobra.NoArgs,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().StringSliceVarP(&consolePlayers, "players", "p", []string{"ada", "bo", "cy"}, "local player names")
	consoleCmd.Flags().StringVar(&consoleChannel, "channel", "lobby", "name of the lobby channel")
}

// localPlayers turns names into distinct chat users.
func localPlayers(names []string) ([]chat.User, error) {
	seen := map[chat.UserID]bool{}
	var players []chat.User
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id := chat.UserID("local-" + strings.ToLower(name))
		if seen[id] {
			return nil, fmt.Errorf("duplicate player %q", name)
		}
		seen[id] = true
		players = append(players, chat.User{ID: id, Name: name})
	}
	if len(players) == 0 {
		return nil, fmt.Errorf("at least one player is required")
	}
	return players, nil
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	players, err := localPlayers(consolePlayers)
	if err != nil {
		return err
	}
	// The program owns the terminal, so logs go to the file only.
	logger, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adapter := memchat.New(chat.User{ID: "agora", Name: "agora"})
	lobby := adapter.AddChannel(consoleChannel, players...)
	eng, err := buildEngine(ctx, cfg, adapter, logger)
	if err != nil {
		return err
	}
	app := console.New(adapter, eng.router, lobby, players, console.WithJournal(eng.journal))
	program := tea.NewProgram(app, tea.WithAltScreen())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		_, err := program.Run()
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		program.Quit()
		return nil
	})
	eng.serveMetrics(gctx, g)
	err = g.Wait()
	cancel()
	eng.close(keepStack)
	return err
}
