package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution/internal/api"
	"execution/internal/config"
	"execution/internal/engine"
	"execution/internal/repository"
	"execution/internal/service"
	"execution/internal/venue"
	"execution/pkg/crypto"
	"execution/pkg/ratelimit"
	"execution/pkg/utils"

	_ "github.com/lib/pq"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логирования
	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer logger.Sync()
	sugar := logger.Sugar()

	// Инициализация базы данных
	db, err := initDatabase(cfg)
	if err != nil {
		sugar.Fatalw("database connection failed",
			"dsn", cfg.Database.DSNWithoutPassword(), "error", err)
	}
	defer db.Close()

	sugar.Infow("connected to database", "dsn", cfg.Database.DSNWithoutPassword())

	// Ключ шифрования учётных данных площадок
	encKey, err := crypto.DeriveKey(cfg.Security.EncryptionPassphrase, []byte(cfg.Security.EncryptionSalt))
	if err != nil {
		sugar.Fatalw("key derivation failed", "error", err)
	}

	// Репозитории
	orderRepo := repository.NewOrderRepository(db)
	accountRepo := repository.NewVenueAccountRepository(db)

	// Сервис площадок: сессии, учётные данные, rate limiting
	venueService := service.NewVenueService(accountRepo, encKey)
	venueService.SetRateLimits(rateLimitOverrides(cfg))

	// Контекст фоновых задач, отменяется при shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Восстановление сессий площадок из сохранённых учётных данных
	venueService.RestoreSessions(ctx)

	// Движок исполнения ордеров
	leverage := engine.NewLeverageValidator(cfg.Engine.DefaultMaxLeverage, cfg.MaxLeverageOverrides())
	orderEngine := engine.New(orderRepo, venueService, leverage)
	orderEngine.StartPolling(ctx, cfg.Engine.PollInterval)

	// Настройка зависимостей для API
	deps := &api.Dependencies{
		Engine:       orderEngine,
		Leverage:     orderEngine,
		VenueManager: venueService,
	}

	router := api.SetupRoutes(deps)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск сервера в отдельной горутине
	go func() {
		sugar.Infow("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("server failed", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Info("shutting down server")

	// Останавливаем фоновый опрос и закрываем сессии площадок
	cancel()
	for _, sess := range venueService.Sessions() {
		if sess.Connected {
			if err := venueService.Disconnect(sess.Venue); err != nil {
				sugar.Warnw("venue disconnect failed", "venue", sess.Venue, "error", err)
			}
		}
	}
	venue.CloseSharedClient()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Fatalw("server forced to shutdown", "error", err)
	}

	sugar.Info("server exited")
}

// rateLimitOverrides собирает переопределения бюджетов запросов из конфигурации
func rateLimitOverrides(cfg *config.Config) map[string]ratelimit.Preset {
	overrides := make(map[string]ratelimit.Preset)
	for name, vc := range cfg.Venues {
		if vc.MaxConcurrent > 0 || vc.MinInterval > 0 {
			overrides[name] = ratelimit.Preset{
				MaxConcurrent: vc.MaxConcurrent,
				MinInterval:   vc.MinInterval,
			}
		}
	}
	return overrides
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
