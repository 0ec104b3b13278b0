/**
 * @description
 * This is the main entry point for the billing service. It loads configuration,
 * connects to Postgres, RabbitMQ and Redis, wires the PayPal client, the billing
 * service and the attempt expiry scheduler, then serves the HTTP API.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - github.com/redis/go-redis/v9: registration rate limiting.
 * - github.com/joho/godotenv: .env loading during local development.
 * - pkg/paypal, pkg/rabbitmq: gateway and manual channel clients.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/facturacloud/billing-service/internal/api"
	"github.com/facturacloud/billing-service/internal/app"
	"github.com/facturacloud/billing-service/internal/config"
	"github.com/facturacloud/billing-service/internal/store"
	"github.com/facturacloud/billing-service/pkg/paypal"
	"github.com/facturacloud/billing-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	dbpool, err := newPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	var publisher rabbitmq.Publisher = rabbitmq.LogPublisher{}
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			logger.Warn("rabbitmq producer unavailable, manual payments will only be logged", "error", err)
		} else {
			defer producer.Close()
			publisher = producer
			logger.Info("rabbitmq producer connected")
		}
	} else {
		logger.Warn("RABBITMQ_URL not set, manual payments will only be logged")
	}

	limiter := newRateLimiter(ctx, cfg, logger)

	if cfg.PayPalClientID == "" || cfg.PayPalClientSecret == "" {
		logger.Warn("PayPal credentials not set, instant payments will fail")
	}
	gateway := paypal.NewClient(cfg.PayPalBaseURL, cfg.PayPalClientID, cfg.PayPalClientSecret)

	repository := store.NewRepository(dbpool)
	tokens := app.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.SessionTTL())
	manual := app.NewManualChannel(publisher, cfg.ManualPaymentExchange, cfg.ManualPaymentRoutingKey, cfg.ManualDispatchTimeout(), logger)
	service := app.NewService(repository, gateway, manual, tokens, logger, app.ServiceConfig{
		Currency:   cfg.PaymentCurrency,
		BcryptCost: cfg.BcryptCost,
	})

	jobs := app.NewJobs(repository, logger, cfg.GatewayAttemptTimeout())
	scheduler := app.NewScheduler(jobs, logger, cfg.AttemptExpiryJobSchedule)
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	trustedProxies, _ := cfg.TrustedProxies()
	handler := api.NewHandler(service, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		Tokens:                 tokens,
		Limiter:                limiter,
		RegistrationsPerMinute: cfg.RegistrationRateLimitPerMinute,
		TrustedProxies:         trustedProxies,
		WebhookSecret:          cfg.GatewayWebhookSecret,
		Logger:                 logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("billing service starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	<-scheduler.Stop().Done()
	logger.Info("billing service stopped")
}

func newPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to stay compatible with PgBouncer.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// newRateLimiter connects to Redis. Registration rate limiting is disabled when
// Redis is not configured or unreachable.
func newRateLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) api.RateLimiter {
	if cfg.RegistrationRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set, registration rate limiting disabled")
		return nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed, registration rate limiting disabled", "error", err)
		return nil
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed, registration rate limiting disabled", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return app.NewRedisRateLimiter(client, cfg.RedisRateLimitPrefix)
}
