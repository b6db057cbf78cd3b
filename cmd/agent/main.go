package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/config"
	"github.com/tg-selfbot-go/internal/dispatcher"
	"github.com/tg-selfbot-go/internal/handlers"
	"github.com/tg-selfbot-go/internal/i18n"
	"github.com/tg-selfbot-go/internal/middleware"
	"github.com/tg-selfbot-go/internal/models"
	"github.com/tg-selfbot-go/internal/services/cache"
	cfgstore "github.com/tg-selfbot-go/internal/services/config"
	"github.com/tg-selfbot-go/internal/services/fastresponse"
	"github.com/tg-selfbot-go/internal/services/guard"
	"github.com/tg-selfbot-go/internal/services/patterns"
	"github.com/tg-selfbot-go/internal/services/storage"
	"github.com/tg-selfbot-go/internal/transport/telegram"
	"github.com/tg-selfbot-go/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// It's okay if .env doesn't exist
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithField("instance", cfg.Agent.InstanceKey).Info("Starting agent...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := middleware.NewMetrics()
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

	storageManager, err := storage.NewManager(cfg, log, metrics)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}
	defer storageManager.Close()

	store := cfgstore.NewStore(storageManager, cfg.Agent.InstanceKey, log,
		cfgstore.WithRetry(cfg.Agent.PersistRetries, cfg.Agent.PersistBackoff),
		cfgstore.WithMetrics(metrics),
	)
	record, err := store.Load(ctx)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration record")
	}
	defer store.Close()
	store.OnChange(func(rec *models.ConfigurationRecord) {
		log.WithFields(logrus.Fields{
			"language": rec.Language,
			"triggers": len(rec.Triggers),
			"tracked":  len(rec.AbuseCounters),
		}).Debug("Configuration record changed")
	})

	registry, err := patterns.LoadFile(cfg.Patterns.File, cfg.Patterns.DefaultLanguage, log,
		patterns.WithCache(cache.NewMatchCache(&cfg.Cache, log, metrics)))
	if err != nil {
		log.WithError(err).Fatal("Failed to load command patterns")
	}

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		log.WithError(err).Fatal("Failed to create Telegram client")
	}
	bot.Debug = cfg.Logging.Level == "debug"
	log.WithField("username", bot.Self.UserName).Info("Telegram client authorized")

	throttle := middleware.NewSendThrottle(&cfg.RateLimit, log)
	go throttle.Run(ctx)

	client := telegram.NewClient(bot, bot.Self.ID, throttle, metrics, log)
	if n := client.RestoreBlocks(record.AbuseCounters); n > 0 {
		log.WithField("senders", n).Info("Restored blocked senders")
	}

	d := dispatcher.NewDispatcher(&cfg.Agent, store, registry, client, localizer, metrics, log)
	d.AddConsumer(fastresponse.NewEngine(cfg.Agent.OwnerID, client, metrics, log))
	d.AddConsumer(guard.NewGuard(cfg.Agent.OwnerID, store, client, localizer, metrics, log))
	handlers.NewCommandHandler(store, client, localizer, log).Register(d)

	for _, lang := range registry.Languages() {
		for _, p := range registry.Patterns(lang) {
			if !d.Bound(p.Section, p.Key) {
				log.WithFields(logrus.Fields{
					"language": lang,
					"section":  p.Section,
					"key":      p.Key,
				}).Warn("Command pattern has no handler")
			}
		}
	}

	updates, shutdownWebhook, err := listen(bot, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to start update listener")
	}

	log.WithFields(logrus.Fields{
		"language": record.Language,
		"triggers": len(record.Triggers),
	}).Info("Agent started")

	// Tasks run on their own context so in-flight messages can finish after a signal
	client.Listen(ctx, updates, func(_ context.Context, msg *models.InboundMessage) {
		d.Submit(context.Background(), msg)
	})

	log.Info("Shutdown signal received")

	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.Agent.ShutdownGrace)
	defer cancel()
	shutdownWebhook(graceCtx)
	if err := d.Wait(graceCtx); err != nil {
		log.WithError(err).Warn("In-flight messages did not finish before shutdown")
	}

	log.Info("Agent stopped")
}

// listen starts webhook or long polling delivery and returns the update
// channel with a function that tears it down
func listen(bot *tgbotapi.BotAPI, cfg *config.Config, log *logrus.Logger) (tgbotapi.UpdatesChannel, func(context.Context), error) {
	if !cfg.Telegram.Webhook.Enabled {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = cfg.Telegram.UpdateTimeout
		log.Info("Using long polling")
		return bot.GetUpdatesChan(u), func(context.Context) { bot.StopReceivingUpdates() }, nil
	}

	webhookURL := fmt.Sprintf("%s/%s", cfg.Telegram.Webhook.URL, bot.Token)
	webhook, err := tgbotapi.NewWebhook(webhookURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create webhook: %w", err)
	}
	if _, err := bot.Request(webhook); err != nil {
		return nil, nil, fmt.Errorf("failed to set webhook: %w", err)
	}

	updates := bot.ListenForWebhook("/" + bot.Token)
	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Telegram.Webhook.Port)}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Webhook server failed")
		}
	}()
	log.WithField("url", cfg.Telegram.Webhook.URL).Info("Webhook set")

	return updates, func(ctx context.Context) {
		if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			log.WithError(err).Error("Failed to delete webhook")
		}
		if err := server.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Webhook server shutdown")
		}
	}, nil
}
