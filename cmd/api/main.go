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

	"persona-ledger/internal/auth"
	"persona-ledger/internal/config"
	"persona-ledger/internal/ledger"
	"persona-ledger/internal/metrics"
	"persona-ledger/internal/replies"
	"persona-ledger/internal/repository"
	"persona-ledger/internal/secrets"
	"persona-ledger/pkg/logger"
	"persona-ledger/pkg/utils"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := resolveJWTSecret(rootCtx, &cfg); err != nil {
		log.Error("jwt secret lookup failed", "err", err)
		os.Exit(1)
	}
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	backend, err := repository.Open(rootCtx, cfg)
	if err != nil {
		log.Error("store init failed", "backend", cfg.Store.Backend, "err", err)
		os.Exit(1)
	}
	defer backend.Close()

	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	recorder := metrics.NewRecorder()
	coordinator := ledger.NewCoordinator(
		ledger.NewService(backend.Store),
		ledger.RetryPolicy{
			MaxAttempts: cfg.Ledger.MaxAttempts,
			BaseBackoff: cfg.Ledger.BackoffBase,
			MaxBackoff:  cfg.Ledger.BackoffMax,
		},
		recorder,
	)

	dispatcher := replies.NewDispatcher(replies.LogResponder{Log: log}, cfg.Replies.Workers, cfg.Replies.QueueSize, log)
	if err := dispatcher.Start(rootCtx); err != nil {
		log.Error("reply dispatcher start failed", "err", err)
		os.Exit(1)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(recorder.Middleware())

	registerRoutes(r, deps{
		backend:     backend,
		coordinator: coordinator,
		dispatcher:  dispatcher,
		recorder:    recorder,
		rdb:         rdb,
		authMW:      auth.RequireAccessToken(authManager),
		cfg:         cfg,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "store", backend.Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error("reply dispatcher stop failed", "err", err)
	}
}

// resolveJWTSecret fills cfg.Auth.JWTSecret from SSM when only a parameter
// name is configured.
func resolveJWTSecret(ctx context.Context, cfg *config.Config) error {
	if cfg.Auth.JWTSecret != "" {
		return nil
	}
	awsCfg, err := utils.LoadAWSConfig(ctx, cfg.Dynamo.Region)
	if err != nil {
		return err
	}
	client, err := secrets.New(ssm.NewFromConfig(awsCfg))
	if err != nil {
		return err
	}
	secret, err := secrets.Resolve(ctx, client, cfg.Auth.JWTSecret, cfg.Auth.JWTSecretParam)
	if err != nil {
		return err
	}
	cfg.Auth.JWTSecret = secret
	return nil
}
