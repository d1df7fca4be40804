package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/tg-clean-bot-go/internal/classifier"
	"github.com/tg-clean-bot-go/internal/config"
	"github.com/tg-clean-bot-go/internal/dictionary"
	"github.com/tg-clean-bot-go/internal/enforcer"
	"github.com/tg-clean-bot-go/internal/exchange"
	"github.com/tg-clean-bot-go/internal/handlers"
	"github.com/tg-clean-bot-go/internal/i18n"
	"github.com/tg-clean-bot-go/internal/middleware"
	"github.com/tg-clean-bot-go/internal/scheduler"
	"github.com/tg-clean-bot-go/internal/services/cache"
	"github.com/tg-clean-bot-go/internal/services/qr"
	"github.com/tg-clean-bot-go/internal/services/storage"
	"github.com/tg-clean-bot-go/internal/services/telegram"
	"github.com/tg-clean-bot-go/internal/state"
	"github.com/tg-clean-bot-go/internal/worker"
	"github.com/tg-clean-bot-go/pkg/logger"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		// It's okay if .env doesn't exist
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithField("sender", cfg.Fleet.Sender).Info("Starting moderation bot...")

	// Initialize bot
	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		log.WithError(err).Fatal("Failed to create bot")
	}

	bot.Debug = cfg.Logging.Level == "debug"
	log.WithField("username", bot.Self.UserName).Info("Bot authorized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage and load state
	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}

	stateManager := state.NewManager(storageManager, cfg.Fleet.BotIDs, cfg.Thresholds.ScoreBan, log)
	if err := stateManager.Load(ctx); err != nil {
		// Partially loaded state is worse than no bot at all.
		log.WithError(err).Fatal("Failed to load persisted state")
	}

	dict := dictionary.New(log)
	if err := handlers.RestoreDictionaries(ctx, storageManager, dict); err != nil {
		log.WithError(err).Fatal("Failed to restore dictionaries")
	}

	// Initialize services
	contentCache := cache.New(cfg.Cache.ContentTTL, log)
	rateLimiter := middleware.NewRateLimiter(cfg, log)
	metrics := middleware.NewMetrics()

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	tgService := telegram.NewService(bot, cfg, localizer, log)
	pool := worker.NewPool(8, 512, log)

	publisher := exchange.NewPublisher(storageManager.GetRedisClient(), cfg, log)
	cls := classifier.New(dict, contentCache, stateManager, qr.NewDecoder(), tgService, cfg, log)
	enf := enforcer.New(stateManager, dict, publisher, pool, tgService, cfg, log)

	// Start metrics server if enabled
	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	// Initialize handlers
	commandHandler := handlers.NewCommandHandler(
		cfg,
		bot,
		stateManager,
		tgService,
		publisher,
		pool,
		rateLimiter,
		metrics,
		localizer,
		log,
	)

	messageHandler := handlers.NewMessageHandler(
		cfg,
		bot,
		stateManager,
		cls,
		enf,
		contentCache,
		tgService,
		publisher,
		pool,
		metrics,
		log,
	)

	callbackHandler := handlers.NewCallbackHandler(bot, stateManager, contentCache, log)

	// Start the exchange subscriber
	receiver := handlers.NewReceiver(stateManager, dict, storageManager, contentCache, tgService, publisher, cls, enf, metrics, localizer, log)
	dispatcher := exchange.NewDispatcher(cfg.Fleet.Sender, log)
	receiver.Register(dispatcher)

	if client := storageManager.GetRedisClient(); client != nil {
		go func() {
			if err := dispatcher.Run(ctx, client, cfg.Channels.Exchange); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("Exchange subscriber stopped")
			}
		}()
	} else {
		log.Warn("No redis client, fleet exchange disabled")
	}

	// Start the scheduler
	sched, err := scheduler.New(stateManager, tgService, publisher, pool, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize scheduler")
	}
	sched.Start()

	// Setup update channel
	u := tgbotapi.NewUpdate(0)
	u.Timeout = cfg.Bot.UpdateTimeout
	updates := bot.GetUpdatesChan(u)
	log.Info("Using long polling")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Main bot loop
	go func() {
		for update := range updates {
			if update.CallbackQuery != nil {
				if err := callbackHandler.HandleCallback(ctx, &update); err != nil {
					log.WithError(err).Error("Failed to handle callback query")
				}
				continue
			}
			if update.Message == nil {
				continue
			}

			if commandHandler.HandleCommand(ctx, &update) {
				continue
			}

			if err := messageHandler.HandleMessage(ctx, &update); err != nil {
				log.WithError(err).Error("Failed to handle message")
			}
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Info("Shutdown signal received")

	bot.StopReceivingUpdates()
	sched.Stop()
	cancel()
	pool.Stop()

	// Give in-flight requests time to finish
	time.Sleep(2 * time.Second)

	log.Info("Bot stopped")
}
