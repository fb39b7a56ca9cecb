package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/xelth-com/etimsgo/internal/config"
	"github.com/xelth-com/etimsgo/internal/database"
	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/etims/oscu"
	"github.com/xelth-com/etimsgo/internal/etims/slade"
	"github.com/xelth-com/etimsgo/internal/events"
	"github.com/xelth-com/etimsgo/internal/handlers"
	"github.com/xelth-com/etimsgo/internal/locks"
	"github.com/xelth-com/etimsgo/internal/logging"
	"github.com/xelth-com/etimsgo/internal/queue"
	"github.com/xelth-com/etimsgo/internal/services/dispatch"
	"github.com/xelth-com/etimsgo/internal/services/lookup"
	"github.com/xelth-com/etimsgo/internal/services/routes"
	"github.com/xelth-com/etimsgo/internal/services/scheduler"
	"github.com/xelth-com/etimsgo/internal/services/settings"
	"github.com/xelth-com/etimsgo/internal/services/token"
	"github.com/xelth-com/etimsgo/internal/services/worker"
	"github.com/xelth-com/etimsgo/internal/utils"
	"github.com/xelth-com/etimsgo/internal/websocket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 2. Initialize database (Detects Embedded vs External automatically)
	db, err := database.Connect(cfg.Database, logging.Component(logger, "database"))
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	// Note: db.Close() is called manually in shutdown handler below

	// 3. Auto-Migrate Schema
	logger.Info("🚀 Synchronizing database schema...")
	if err := db.Migrate(); err != nil {
		logger.Fatal("Migration failed", zap.Error(err))
	}
	logger.Info("✅ Schema synchronized successfully")

	routeSvc := routes.NewService(db.DB)
	if n, err := routeSvc.SeedDefaults(ctx); err != nil {
		logger.Warn("⚠️ Route seeding failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("✅ Default routes seeded", zap.Int("routes", n))
	}
	if err := handlers.EnsureAdmin(ctx, db.DB, cfg.Auth.AdminUsername, cfg.Auth.AdminPassword, logger); err != nil {
		logger.Warn("⚠️ Admin bootstrap failed", zap.Error(err))
	}

	// 4. Credentials and token lifecycle
	sealer, err := utils.NewSealer(cfg.Crypto.EncKey)
	if err != nil {
		logger.Fatal("Invalid encryption key", zap.Error(err))
	}
	if sealer == nil {
		logger.Warn("⚠️ ETIMS_ENC_KEY not set, remote credentials are stored in plain text")
	}

	var locker locks.Locker = locks.NewLocalLocker()
	var redisClose func() error
	if cfg.Redis.Addr != "" {
		client, err := locks.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		locker = locks.NewRedisLocker(client, "etims", logging.Component(logger, "locks"))
		redisClose = client.Close
		logger.Info("🔒 Token refresh lock: redis", zap.String("addr", cfg.Redis.Addr))
	}

	tokens := token.NewManager(db.DB, token.Options{
		HTTPClient:   &http.Client{Timeout: cfg.Token.RequestTimeout},
		SafetyMargin: cfg.Token.SafetyMargin,
		LockTTL:      cfg.Token.LockTTL,
		Locker:       locker,
		Sealer:       sealer,
		Logger:       logging.Component(logger, "token"),
	})

	client := etims.NewClient(db.DB, etims.NewRegistry(oscu.New(), slade.New()), routeSvc, tokens, etims.Options{
		Timeout: cfg.Dispatch.RequestTimeout,
		Logger:  logging.Component(logger, "etims"),
	})

	// 5. Job queue, dispatcher and scheduler
	q, err := queue.New(cfg.Queue, logging.Component(logger, "queue"))
	if err != nil {
		logger.Fatal("Failed to create queue", zap.Error(err))
	}

	hub := websocket.NewHub(logging.Component(logger, "ws"))
	go hub.Run(ctx)

	var notifier dispatch.Notifier = hub
	var bus *events.Bus
	if cfg.Events.NATSURL != "" {
		nc, err := events.Connect(cfg.Events.NATSURL, logging.Component(logger, "events"))
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		bus = events.NewBus(nc, cfg.Events.Subject, hub, logging.Component(logger, "events"))
		if err := bus.Start(); err != nil {
			logger.Fatal("Failed to start event relay", zap.Error(err))
		}
		notifier = bus
	}

	dispatchSvc := dispatch.NewService(db.DB, client, q, dispatch.Options{
		Lease:          cfg.Dispatch.Lease,
		BackoffBase:    cfg.Dispatch.BackoffBase,
		BackoffMax:     cfg.Dispatch.BackoffMax,
		RequestTimeout: cfg.Dispatch.RequestTimeout,
		Notifier:       notifier,
		Logger:         logging.Component(logger, "dispatch"),
	})
	lookupSvc := lookup.NewService(db.DB, client, routeSvc, logging.Component(logger, "lookup"))

	if err := q.Start(ctx, worker.NewHandler(dispatchSvc, lookupSvc, logging.Component(logger, "worker"))); err != nil {
		logger.Fatal("Failed to start queue", zap.Error(err))
	}

	sched := scheduler.New(db.DB, q, scheduler.Options{
		AllSpec: cfg.Scheduler.AllSpec,
		Logger:  logging.Component(logger, "scheduler"),
	})
	settingsSvc := settings.NewService(db.DB, client, sealer, logging.Component(logger, "settings"))
	if cfg.Scheduler.Enabled {
		settingsSvc.OnChange(func(context.Context) {
			if err := sched.Reload(ctx); err != nil {
				logger.Error("Schedule reload failed", zap.Error(err))
			}
		})
		if err := sched.Start(ctx); err != nil {
			logger.Fatal("Failed to start scheduler", zap.Error(err))
		}
		logger.Info("⏰ Scheduler started", zap.Int("entries", sched.Entries()))
	}

	// 6. Set up HTTP router
	router := handlers.NewRouter(handlers.Deps{
		DB:        db,
		JWTSecret: cfg.Auth.JWTSecret,
		Settings:  settingsSvc,
		Tokens:    tokens,
		Routes:    routeSvc,
		Dispatch:  dispatchSvc,
		Lookup:    lookupSvc,
		Scheduler: sched,
		Hub:       hub,
		Logger:    logging.Component(logger, "http"),
	})

	// 7. Start server with graceful shutdown
	server := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: router.Handler(cfg.HTTP.CORSOrigins),
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Start server in goroutine
	go func() {
		logger.Info("🚀 Server starting", zap.String("port", cfg.HTTP.Port), zap.String("env", cfg.Env), zap.String("queue", cfg.Queue.Driver))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sig := <-shutdown
	logger.Info("⚠️ Shutting down gracefully...", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	// Stop scheduling, then let workers drain what is already queued
	if cfg.Scheduler.Enabled {
		sched.Stop()
	}
	if err := q.Close(); err != nil {
		logger.Warn("Queue close error", zap.Error(err))
	}
	stop()

	if bus != nil {
		bus.Close()
	}
	if redisClose != nil {
		redisClose()
	}

	// Close database (this also stops embedded PostgreSQL)
	logger.Info("🛑 Closing database connection...")
	if err := db.Close(); err != nil {
		logger.Warn("Database close error", zap.Error(err))
	}

	logger.Info("✅ Shutdown complete")
}
