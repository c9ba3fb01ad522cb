package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/agora/internal/action"
	"github.com/kingrea/agora/internal/actions"
	"github.com/kingrea/agora/internal/bot"
	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/config"
	"github.com/kingrea/agora/internal/culture"
	"github.com/kingrea/agora/internal/decision"
	"github.com/kingrea/agora/internal/governance"
	"github.com/kingrea/agora/internal/llm"
	"github.com/kingrea/agora/internal/logbook"
	"github.com/kingrea/agora/internal/logging"
	"github.com/kingrea/agora/internal/media"
	"github.com/kingrea/agora/internal/metrics"
	"github.com/kingrea/agora/internal/quest"
	"github.com/kingrea/agora/internal/quest/llmstage"
	"github.com/kingrea/agora/internal/quest/runner"
	"github.com/kingrea/agora/internal/state"
	"github.com/kingrea/agora/internal/vote"
)

// engine is every long-lived component of a session, wired to one adapter.
type engine struct {
	cfg     *config.Config
	logger  *zap.Logger
	journal *logbook.Logbook
	metrics *metrics.Metrics
	store   *governance.Store
	bot     *bot.Bot
	router  *bot.Router
}

func newLogger(cfg *config.Config, stderr bool) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:    cfg.Env.LogLevel,
		Encoding: cfg.Env.LogEncoding,
		File:     cfg.LogPath(),
		Stderr:   stderr,
	})
}

func buildEngine(ctx context.Context, cfg *config.Config, adapter chat.Adapter, logger *zap.Logger) (*engine, error) {
	journal, err := logbook.New(cfg.JournalPath())
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x6167))

	client, err := llm.New(llm.Config{
		Provider: cfg.Env.LLMProvider,
		Model:    cfg.Env.LLMModel,
		BaseURL:  cfg.Env.LLMBaseURL,
		APIKey:   cfg.Env.OpenAIAPIKey,
	}, logger.Named("llm"), m)
	if err != nil {
		logger.Warn("language model disabled", zap.Error(err))
		client = nil
	}

	values := cfg.Project.Values
	states := state.NewRegistry(func(st *state.ChannelState) {
		if len(values) > 0 {
			st.SetValues(values)
		}
	})
	pipeline := culture.NewPipeline(
		culture.DefaultRegistry(client, rng),
		culture.WithLogger(logger.Named("culture")),
		culture.WithMetrics(m),
	)
	store := governance.NewStore(cfg.RunDir(), cfg.CatalogueDir(), governance.WithLogger(logger.Named("governance")))
	votes := vote.NewEngine(adapter, decision.DefaultRegistry(),
		vote.WithLogger(logger.Named("vote")),
		vote.WithMetrics(m),
		vote.WithJournal(journal),
		vote.WithRand(rng),
	)
	registry, err := actions.NewRegistry(actions.Services{
		Votes:       votes,
		Governance:  store,
		Cultures:    pipeline,
		VoteTimeout: cfg.VoteTimeout(),
	}, action.WithLogger(logger.Named("action")), action.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("register actions: %w", err)
	}

	runnerOpts := []runner.Option{
		runner.WithLogger(logger.Named("runner")),
		runner.WithMetrics(m),
		runner.WithJournal(journal),
		runner.WithGameTimeout(cfg.GameTimeout()),
	}
	if client != nil {
		llmCfg := cfg.Project.LLM
		runnerOpts = append(runnerOpts, runner.WithGeneratorFactory(func(*quest.Quest) runner.StageSource {
			return llmstage.New(client, adapter,
				llmstage.WithLogger(logger.Named("llmstage")),
				llmstage.WithStack(store),
				llmstage.WithAttempts(llmCfg.Attempts),
				llmstage.WithMaxStages(llmCfg.MaxStages),
			)
		}))
	}
	if renderer := newRenderer(cfg, logger); renderer != nil {
		runnerOpts = append(runnerOpts, runner.WithMedia(renderer))
	}
	run := runner.New(adapter, registry, states, runnerOpts...)

	presets, err := loadPresets(cfg, run, logger)
	if err != nil {
		return nil, err
	}
	deps := bot.Deps{
		Adapter:    adapter,
		States:     states,
		Cultures:   pipeline,
		Governance: store,
		Actions:    registry,
		Runner:     run,
		Presets:    presets,
	}
	if client != nil {
		deps.Values = culture.NewValues(client)
	}
	b, err := bot.New(ctx, deps,
		bot.WithLogger(logger.Named("bot")),
		bot.WithMetrics(m),
		bot.WithPrefix(cfg.Project.Prefix),
		bot.WithCategory(cfg.Project.Category),
		bot.WithDefaultMode(cfg.Project.DefaultQuest),
		bot.WithNicknames(cfg.Project.Nicknames),
	)
	if err != nil {
		return nil, err
	}
	router := bot.NewRouter(ctx, b.Handle, bot.RouterWithLogger(logger.Named("router")))
	journal.Info("Session started with %d quest(s)", len(presets))
	return &engine{
		cfg:     cfg,
		logger:  logger,
		journal: journal,
		metrics: m,
		store:   store,
		bot:     b,
		router:  router,
	}, nil
}

// loadPresets reads the quest directory and drops presets whose stages name
// unknown verbs or predicates.
func loadPresets(cfg *config.Config, run *runner.Runner, logger *zap.Logger) (quest.Presets, error) {
	presets, err := quest.LoadPresets(cfg.QuestsDir())
	if err != nil {
		return nil, err
	}
	for mode, spec := range presets {
		if err := run.Validate(spec); err != nil {
			logger.Warn("quest preset rejected", zap.String("mode", mode), zap.Error(err))
			delete(presets, mode)
		}
	}
	return presets, nil
}

// newRenderer returns stage media for whichever services have credentials,
// or nil when none do.
func newRenderer(cfg *config.Config, logger *zap.Logger) *media.Renderer {
	var images media.ImageGenerator
	var speech media.Synthesizer
	if cfg.Env.StabilityAPIKey != "" {
		s, err := media.NewStability(cfg.Env.APIHost, cfg.Env.StabilityAPIKey, media.WithStabilityLogger(logger.Named("stability")))
		if err != nil {
			logger.Warn("image generation disabled", zap.Error(err))
		} else {
			images = s
		}
	}
	if cfg.Env.OpenAIAPIKey != "" {
		s, err := media.NewSpeech(cfg.Env.OpenAIAPIKey, "")
		if err != nil {
			logger.Warn("narration disabled", zap.Error(err))
		} else {
			speech = s
		}
	}
	if images == nil && speech == nil {
		return nil
	}
	return media.NewRenderer(cfg.MediaDir(), images, speech, logger.Named("media"))
}

// serveMetrics adds the metrics listener to g when an address is configured.
func (e *engine) serveMetrics(ctx context.Context, g *errgroup.Group) {
	addr := e.cfg.Env.MetricsAddr
	if addr == "" {
		return
	}
	e.logger.Info("serving metrics", zap.String("addr", addr))
	g.Go(func() error {
		return e.metrics.Serve(ctx, addr)
	})
}

// close stops routing and waits for running quests and votes to unwind.
// The governance stack and its snapshots belong to the session and are
// removed unless keep is set.
func (e *engine) close(keep bool) {
	e.router.Close()
	e.bot.Wait()
	if !keep {
		if err := e.store.Cleanup(); err != nil {
			e.logger.Warn("governance cleanup", zap.Error(err))
		}
	}
	e.journal.Info("Session ended")
	if err := e.journal.Close(); err != nil {
		e.logger.Warn("close journal", zap.Error(err))
	}
}
