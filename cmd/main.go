package main

import (
	"chatgogo/pairing/internal/api/handler"
	"chatgogo/pairing/internal/config"
	"chatgogo/pairing/internal/engine"
	"chatgogo/pairing/internal/localization"
	"chatgogo/pairing/internal/logger"
	"chatgogo/pairing/internal/storage"
	"chatgogo/pairing/internal/telegram"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// backend is the store the engine runs on plus what must be wired around it.
type backend struct {
	store     storage.Storage
	publisher storage.Publisher
	service   *storage.Service
	close     func()
}

// setupDependencies opens the configured store. The postgres backend keeps
// profiles, sessions, messages and reports in PostgreSQL and the fast-moving
// state (history, claims, bans, fan-out) in Redis.
func setupDependencies(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.StoreBackend == config.StoreMemory {
		logger.Warn("Using the in-memory store; state is lost on restart")
		return &backend{store: storage.NewMemoryStore(), close: func() {}}, nil
	}

	db, err := gorm.Open(postgres.Open(cfg.GetDSN()), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect PostgreSQL: %w", err)
	}
	if err := storage.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect Redis: %w", err)
	}

	logger.Info("Database and Redis connections established, migrations complete")
	svc := storage.NewStorageService(db, rdb)
	return &backend{
		store:     svc,
		publisher: svc,
		service:   svc,
		close: func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("Failed to close Redis", "error", err)
			}
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		},
	}, nil
}

// startTelegram runs the bot when a token is configured.
func startTelegram(ctx context.Context, cfg *config.Config, e *engine.Engine) error {
	if cfg.TelegramBotToken == "" {
		logger.Info("TELEGRAM_BOT_TOKEN not set, Telegram bot disabled")
		return nil
	}
	api, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return fmt.Errorf("failed to start Telegram bot: %w", err)
	}
	logger.Info("Authorized on Telegram", "account", api.Self.UserName)

	localizer, err := localization.NewLocalizer(cfg.LocalesDir)
	if err != nil {
		logger.Warn("Falling back to bundled texts", "dir", cfg.LocalesDir, "error", err)
		localizer = localization.Bundled()
	}

	bot := telegram.NewBotService(telegram.NewMessenger(api), e, localizer, cfg.Relay.SubscriberBuffer)
	e.SetNotifier(bot)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)
	go func() {
		<-ctx.Done()
		api.StopReceivingUpdates()
	}()
	go bot.Run(ctx, updates)
	return nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: no .env file loaded")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, cfg.AppEnv == "development")
	defer logger.Sync()
	logger.Info("Starting ChatGoGo pairing engine", "env", cfg.AppEnv, "store", cfg.StoreBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := setupDependencies(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to set up storage", err)
	}
	defer deps.close()

	e := engine.New(deps.store, deps.publisher, cfg, nil)
	if deps.service != nil {
		e.Relay.StartPubSubListener(ctx, deps.service.SubscribeToSessions(ctx))
	}
	go e.RunSweeper(ctx)

	if err := startTelegram(ctx, cfg, e); err != nil {
		logger.Fatal("Failed to start Telegram bot", err)
	}

	if cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	handler.NewHandler(e, handler.NewAuthenticator(cfg.JWTSecret, cfg.JWTTTL), cfg.Relay.SubscriberBuffer).Register(r)

	server := &http.Server{
		Addr:           cfg.HTTPAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", "error", err)
	}
}
