package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradegate/internal/api"
	"tradegate/internal/config"
	"tradegate/internal/engine"
	"tradegate/internal/exchange"
	"tradegate/internal/models"
	"tradegate/internal/position"
	"tradegate/internal/repository"
	"tradegate/internal/risk"
	"tradegate/internal/wsfeed"
	"tradegate/pkg/utils"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Бэкенд документа риск-лимитов
	persister, db, err := initLimitsPersister(cfg)
	if err != nil {
		log.Fatal("failed to initialize limits backend", zap.Error(err))
	}
	if db != nil {
		defer db.Close()
	}
	store := risk.NewStore(persister, log)

	// Шлюз биржи: конкретные REST/stream клиенты подключаются здесь;
	// по умолчанию paper-симулятор
	gateway := initGateway(cfg)
	log.Info("exchange gateway initialized", zap.String("gateway", gateway.GetName()))

	// Канал уведомлений оператора
	notifCh := make(chan *models.Notification, 256)

	riskMgr := risk.NewManager(gateway, store, log,
		risk.WithInitialCapital(cfg.Risk.InitialCapital),
		risk.WithNotifications(notifCh))

	posMgr := position.NewManager(gateway, store, log,
		position.WithNotifications(notifCh),
		position.WithCloseCallback(func(ctx context.Context, upd risk.TradeUpdate) {
			riskMgr.UpdateAfterTrade(ctx, upd)
		}))

	// WebSocket статус-фид
	hub := wsfeed.NewHub(log)
	go hub.Run(ctx)
	go hub.PumpNotifications(ctx, notifCh)

	// Торговый движок
	eng := engine.New(cfg.Engine, gateway, riskMgr, posMgr, log,
		engine.WithBroadcaster(hub))
	if err := eng.Start(ctx); err != nil {
		log.Fatal("failed to start trading engine", zap.Error(err))
	}

	// HTTP сервер
	router := api.SetupRoutes(&api.Dependencies{
		RiskManager:     riskMgr,
		PositionManager: posMgr,
		FeedHub:         hub,
		APITokenHash:    cfg.Security.APITokenHash,
		Logger:          log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", zap.String("addr", server.Addr))
		var serveErr error
		if cfg.Server.UseHTTPS {
			serveErr = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(serveErr))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	eng.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}

// initLimitsPersister выбирает бэкенд хранения документа лимитов
//
// file - JSON-файл с атомарной записью; postgres - одна jsonb-запись.
// Возвращаемый *sql.DB не nil только для postgres бэкенда.
func initLimitsPersister(cfg *config.Config) (risk.Persister, *sql.DB, error) {
	switch cfg.Risk.LimitsBackend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ping database %s: %w",
				cfg.Database.DSNWithoutPassword(), err)
		}

		repo := repository.NewLimitsRepository(db)
		if err := repo.EnsureSchema(); err != nil {
			db.Close()
			return nil, nil, err
		}
		return repo, db, nil

	default:
		return risk.NewFilePersister(cfg.Risk.LimitsFile), nil, nil
	}
}

// initGateway создаёт шлюз биржи
//
// Paper-симулятор с балансом из конфигурации; реальный биржевой клиент
// подключается реализацией exchange.Gateway.
func initGateway(cfg *config.Config) exchange.Gateway {
	capital := cfg.Risk.InitialCapital
	if capital <= 0 {
		capital = 10000
	}
	return exchange.NewPaper(capital)
}
