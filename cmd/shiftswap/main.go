package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"shiftswap/internal/api"
	"shiftswap/internal/logger"
	"shiftswap/internal/notify"
	"shiftswap/internal/store"
	"shiftswap/internal/trade"
	"shiftswap/internal/ws"
)

func main() {
	// .env is optional; flags take precedence over environment
	godotenv.Load()

	port := flag.String("port", envOr("PORT", "8080"), "server port")
	dbPath := flag.String("db", envOr("DB_PATH", "shiftswap.db"), "SQLite database path")
	corsOrigins := flag.String("cors", os.Getenv("CORS_ORIGINS"), "comma-separated allowed CORS origins (empty = allow all for dev)")
	debug := flag.Bool("debug", false, "enable debug logging")
	deleteOnCancel := flag.Bool("delete-on-cancel", false, "delete cancelled trade requests instead of keeping them")
	flag.Parse()

	log := logger.New(*debug)
	defer log.Sync()

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}

	wsCfg := ws.DefaultConfig()
	if v := envSeconds("WS_PING_INTERVAL_SEC"); v > 0 {
		wsCfg.PingInterval = v
	}
	if v := envSeconds("WS_PING_TIMEOUT_SEC"); v > 0 {
		wsCfg.PingTimeout = v
	}
	if v := envSeconds("WS_CLEANUP_INTERVAL_SEC"); v > 0 {
		wsCfg.CleanupInterval = v
	}

	registry := ws.NewRegistry(wsCfg, log.Named("ws"))

	notifyCfg := notify.DefaultConfig()
	if v, err := strconv.Atoi(os.Getenv("NOTIFY_MAX_ATTEMPTS")); err == nil && v > 0 {
		notifyCfg.MaxAttempts = v
	}
	if v, err := strconv.Atoi(os.Getenv("NOTIFY_RETENTION_DAYS")); err == nil && v > 0 {
		notifyCfg.Retention = time.Duration(v) * 24 * time.Hour
	}

	dispatcher := notify.NewDispatcher(st, registry, notifyCfg, log.Named("notify"))

	// Flush buffered notifications whenever a user reconnects
	registry.OnConnect(dispatcher.FlushPending)

	var engineOpts []trade.Option
	if *deleteOnCancel {
		engineOpts = append(engineOpts, trade.WithDeleteOnCancel())
	}
	engine := trade.NewEngine(st, dispatcher, log.Named("trade"), engineOpts...)

	registry.Start()
	dispatcher.Start()

	server := api.NewServer(st, engine, registry, dispatcher, log.Named("api"))

	if *corsOrigins != "" {
		origins := strings.Split(*corsOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		server.SetCORSOrigins(origins)
		log.Info("CORS restricted", zap.Strings("origins", origins))
	}

	addr := ":" + *port
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	go func() {
		log.Info("starting shiftswap server",
			zap.String("addr", addr),
			zap.String("db", *dbPath))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	dispatcher.Stop()
	registry.Stop()
	server.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := st.Close(); err != nil {
		log.Error("database close error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envSeconds(key string) time.Duration {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Second
}
