package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-pos-core/internal/app"
	"go-pos-core/internal/auth"
	"go-pos-core/internal/config"
	"go-pos-core/internal/handlers"
	"go-pos-core/internal/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config error", "err", err)
		os.Exit(1)
	}
	if err := cfg.RequireJWT(); err != nil {
		logger.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	term, err := app.NewTerminal(cfg, logger)
	if err != nil {
		logger.Error("store open failed", "err", err)
		os.Exit(1)
	}
	report, err := term.Bootstrap(ctx)
	if err != nil {
		logger.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	if report.CreatedAdmin {
		logger.Warn("default administrator in use", "username", cfg.DefaultAdminUsername)
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	api := &handlers.API{
		Store:    term.Store,
		Coord:    term.Coord,
		Outbox:   term.Outbox,
		Bulk:     term.Bulk,
		Backup:   term.Snapshot,
		Restorer: term.Restorer,
		Issuer:   auth.NewIssuer(cfg.JWTSecret, cfg.AccessTokenTTL),
		Logger:   logger,
	}
	api.Register(r)
	// Outbox and bulk sync counters.
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	bg, cancelBG := context.WithCancel(ctx)
	term.RunBackground(bg)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("terminal server listening", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	cancelBG()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := term.Close(shutdownCtx); err != nil {
		logger.Error("store close", "err", err)
	}
	logger.Info("stopped")
}
