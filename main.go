package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/vtrpza/bingx-trading-bot-sub002/config"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/bingx"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/bot"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/circuit"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/database"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/events"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/market"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/risk"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/settings"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/signal"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/symbols"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	// .env is optional; real deployments set env vars directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Bool("demo", cfg.Exchange.Demo).Msg("starting trading engine")

	if _, warnings := cfg.Trading.Validate(); len(warnings) > 0 {
		for _, w := range warnings {
			logger.Warn().Msg(w)
		}
	}

	bus := events.NewBus()

	// Exchange access: every REST call is funneled through the rate-limited
	// request manager.
	rm := bingx.NewRequestManager(cfg.Exchange.WindowCap, time.Duration(cfg.Exchange.WindowMs)*time.Millisecond, logger)
	rm.Start()
	defer rm.Stop()

	client := bingx.NewClient(cfg.Exchange.APIKey, cfg.Exchange.SecretKey, cfg.Exchange.Demo, rm, logger)

	stream := bingx.NewStream(client, cfg.Exchange.Demo, logger)

	cache := market.NewCache(client, stream, bus, cfg.Trading.Cache, logger)
	cache.Start()
	defer cache.Stop()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	registry := symbols.NewRegistry(client, logger)
	if err := registry.Start(startCtx); err != nil {
		logger.Warn().Err(err).Msg("initial contract load failed, registry will retry hourly")
	}
	defer registry.Stop()

	// Optional persistence layers. The engine trades without them.
	var repo *database.Repository
	if cfg.Database.Enabled {
		db, err := database.NewDB(startCtx, cfg.Database.URL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		repo = database.NewRepository(db)
	}

	var store *settings.Store
	if cfg.Redis.Enabled {
		store, err = settings.NewStore(cfg.Redis, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("settings store unavailable, running on file config")
		} else {
			defer store.Close()
			if saved, err := store.LoadTradingConfig(startCtx); err != nil {
				logger.Warn().Err(err).Msg("could not load persisted trading config")
			} else if saved != nil {
				if errs, _ := saved.Validate(); len(errs) == 0 {
					cfg.Trading = *saved
					logger.Info().Msg("restored persisted trading config")
				}
			}
		}
	}

	generator := signal.NewGenerator(cache, cfg.Trading, logger)
	breaker := circuit.NewBreaker()
	pool := worker.NewPool(cfg.Trading.WorkerPool, breaker, bus, logger)

	riskManager := risk.NewManager(client, bus, cfg.Trading, logger)
	if err := riskManager.Start(startCtx); err != nil {
		logger.Fatal().Err(err).Msg("risk manager refused to start")
	}
	defer riskManager.Stop()

	engine := bot.New(bot.Deps{
		Client:    client,
		Stream:    stream,
		Cache:     cache,
		Registry:  registry,
		Generator: generator,
		Pool:      pool,
		Risk:      riskManager,
		Repo:      repo,
		Store:     store,
		Bus:       bus,
	}, cfg.Trading, logger)

	// The pool must be accepting work before the bot's first scan submits to
	// it.
	pool.Start()
	defer pool.Stop()

	if err := engine.Start(startCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start bot")
	}
	defer engine.Stop()

	// Handlers are wired by engine.Start, so the stream connects last.
	if err := stream.Start(); err != nil {
		logger.Warn().Err(err).Msg("push stream unavailable, continuing on REST only")
	} else {
		defer stream.Stop()
	}

	bus.SubscribeAll(func(ev events.Event) {
		logger.Debug().Str("event", string(ev.Type)).Fields(ev.Data).Msg("event")
	})

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
