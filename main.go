package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"collabup/server/internal/attachments"
	"collabup/server/internal/chat"
	"collabup/server/internal/config"
	"collabup/server/internal/database"
	"collabup/server/internal/handlers"
	"collabup/server/internal/logger"
	"collabup/server/internal/routes"
	"collabup/server/internal/store"
	ws "collabup/server/internal/websocket"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logger.Init(cfg.LogLevel); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to the configured store
	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Log.Fatal("store_open_failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer st.Close()
	writer := store.NewWriter(st, 0)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(writer.Collectors()...)

	hub := chat.NewHub(chat.Options{
		Loader:        st,
		Persister:     writer,
		TypingTimeout: cfg.TypingTimeout,
		RoomLogLimit:  cfg.RoomLogLimit,
		Metrics:       chat.NewMetrics(reg),
	})
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()
	logger.Log.Info("chat_hub_started")

	h := handlers.New(handlers.Config{
		Hub:          hub,
		Store:        st,
		Uploads:      attachments.NewLocal(cfg.UploadDir, routes.UploadsPrefix),
		HistoryLimit: cfg.HistoryLimit,
		Client: ws.Options{
			SendBuffer: cfg.SendBuffer,
			EventRate:  cfg.EventRate,
			EventBurst: cfg.EventBurst,
		},
	})

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:   "CollabUp Chat v1.0",
		BodyLimit: attachments.MaxFileSize + 1024*1024,
	})

	// Middleware
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowCredentials: true,
	}))

	// Setup routes
	routes.SetupRoutes(app, h, cfg.JWTSecret, reg)

	go func() {
		<-ctx.Done()
		logger.Log.Info("shutdown_requested")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Log.Error("http_shutdown_failed", zap.Error(err))
		}
	}()

	logger.Log.Info("server_starting", zap.String("addr", cfg.Addr()), zap.String("store", cfg.StoreDriver))
	if err := app.Listen(cfg.Addr()); err != nil {
		logger.Log.Error("http_listen_failed", zap.Error(err))
	}

	// Stop the hub before draining the writer so no write races the close
	stopHub()
	<-hubDone
	writer.Close()
	logger.Log.Info("server_stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemory(cfg.Groups...), nil

	case "postgres":
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := database.AutoMigrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		pg := store.NewPostgres(pool)
		for _, g := range cfg.Groups {
			if err := pg.CreateGroup(ctx, g); err != nil {
				pg.Close()
				return nil, fmt.Errorf("seed group %s: %w", g.ID, err)
			}
		}
		return pg, nil

	case "redis":
		rdb, err := database.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		rs := store.NewRedis(rdb)
		for _, g := range cfg.Groups {
			if err := rs.CreateGroup(ctx, g); err != nil {
				rs.Close()
				return nil, fmt.Errorf("seed group %s: %w", g.ID, err)
			}
		}
		return rs, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
