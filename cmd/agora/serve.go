package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/chat/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the platform bridge and host quests",
	Long: `Dials AGORA_GATEWAY_URL with DISCORD_TOKEN and routes every inbound
message through the bot until interrupted or the bridge disconnects.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Env.Require("DISCORD_TOKEN", "AGORA_GATEWAY_URL"); err != nil {
		return err
	}
	logger, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := gateway.Dial(ctx, cfg.Env.GatewayURL, cfg.Env.DiscordToken, gateway.WithLogger(logger.Named("gateway")))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	eng, err := buildEngine(ctx, cfg, client, logger)
	if err != nil {
		return err
	}
	client.OnMessage(func(msg chat.Message) {
		if !eng.router.Route(msg) {
			logger.Debug("message not routed", zap.String("id", string(msg.ID)))
		}
	})
	logger.Info("agora serving", zap.String("gateway", cfg.Env.GatewayURL))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx)
	})
	eng.serveMetrics(gctx, g)
	err = g.Wait()
	stop()
	eng.close(keepStack)
	if err != nil {
		logger.Error("agora stopped", zap.Error(err))
	}
	return err
}
