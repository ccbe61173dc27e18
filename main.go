package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/CUknot/roomchat/config"
	"github.com/CUknot/roomchat/controllers"
	"github.com/CUknot/roomchat/database"
	"github.com/CUknot/roomchat/logger"
	"github.com/CUknot/roomchat/router"
	"github.com/CUknot/roomchat/store"
	"github.com/CUknot/roomchat/websocket"
)

// @title           Room Chat API
// @version         1.0
// @description     Real-time room chat over WebSocket with message history
// @host            localhost:3000
// @BasePath        /
// @schemes         http
func main() {
	conf, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Init(conf.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	messages, deps, err := openStore(ctx, conf, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := messages.Close(); err != nil {
			log.Error("failed to close storage", zap.Error(err))
		}
	}()

	hub := websocket.NewHub(messages, log, websocket.Options{
		MaxMessageSize:  conf.MaxMessageSize,
		AllowedOrigins:  conf.AllowedOrigins,
		AllowAllOrigins: conf.AllowAllOrigins(),
	})
	go hub.Run()

	engine := router.New(conf, router.Handlers{
		Hub:      hub,
		Messages: controllers.NewMessageController(messages, log),
		Rooms:    controllers.NewRoomController(hub),
		Health:   controllers.NewHealthController(deps, hub),
	}, log)

	server := &http.Server{
		Addr:              conf.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server running", zap.String("addr", server.Addr), zap.String("env", conf.Env))
		log.Info("swagger documentation available",
			zap.String("url", fmt.Sprintf("http://localhost%s/swagger/index.html", conf.Addr())))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		log.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	// hijacked websocket connections are not covered by server.Shutdown
	if err := hub.Shutdown(conf.ShutdownTimeout); err != nil {
		log.Error("hub shutdown failed", zap.Error(err))
	}
	log.Info("server stopped")
}

// openStore opens the configured message store, wrapped with the redis
// history cache when REDIS_ADDR is set. It also returns the dependencies
// reported by the health check.
func openStore(ctx context.Context, conf *config.Config, log *zap.Logger) (store.MessageStore, map[string]controllers.Pinger, error) {
	var messages store.MessageStore
	switch conf.Database.Driver {
	case config.DriverBadger:
		db, err := database.OpenBadger(conf.Badger.Path, log)
		if err != nil {
			return nil, nil, err
		}
		messages = store.NewBadgerStore(db, log)
	default:
		db, err := database.OpenPostgres(ctx, conf, log)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(db, log); err != nil {
			return nil, nil, err
		}
		messages = store.NewPostgresStore(db)
	}
	deps := map[string]controllers.Pinger{conf.Database.Driver: messages}

	if conf.Redis.Addr == "" {
		return messages, deps, nil
	}
	client, err := database.OpenRedis(ctx, conf, log)
	if err != nil {
		_ = messages.Close()
		return nil, nil, err
	}
	cache := store.NewRedisHistoryCache(client, conf.Redis.HistoryCacheTTL)
	deps["redis"] = cache
	return store.NewCachedStore(messages, cache, log), deps, nil
}
