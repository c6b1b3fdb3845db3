/**
 * @description
 * This is the main entry point for the ledger-service. It is responsible for
 * initializing all components of the service, including configuration, the ledger store,
 * the payment gateway client, message brokers, the core application service, background
 * jobs and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/prometheus/client_golang: Service metrics.
 * - github.com/redis/go-redis/v9: Webhook delivery deduplication.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gatewayclient: Client for the payment gateway API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/ledger-service/internal/api"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/config"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/gatewayclient"
	rmrabbit "github.com/transfa/ledger-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s store=%s currency=%s", cfg.ServerPort, cfg.StoreDriver, cfg.LedgerCurrency)

	directions, err := domain.ParseMethodDirections(cfg.PaymentMethodDirections)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid payment method directions\" err=%v", err)
	}
	webhookMode, err := app.ParseWebhookMode(cfg.WebhookProcessingMode)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid webhook processing mode\" err=%v", err)
	}
	if strings.TrimSpace(cfg.GatewayWebhookSecret) == "" {
		log.Println("level=warn component=bootstrap msg=\"gateway webhook secret not set; every webhook will be rejected\" env=GATEWAY_WEBHOOK_SECRET")
	}

	repository, closeStore := openRepository(cfg)
	defer closeStore()

	// Initialize the RabbitMQ producer used by webhook queue mode.
	var rabbitProducer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer producer.Close()
		rabbitProducer = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	gatewayClient := gatewayclient.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey, time.Duration(cfg.GatewayTimeoutSeconds)*time.Second)

	metrics := app.NewMetrics(prometheus.DefaultRegisterer)

	// Initialize the core application service with its dependencies.
	ledgerService := app.NewService(
		repository,
		gatewayClient,
		rabbitProducer,
		domain.NewAmountPolicy(cfg.LedgerCurrency, cfg.MaxTransactionMinor),
		directions,
	)
	ledgerService.SetMetrics(metrics)
	ledgerService.ConfigureGateway(time.Duration(cfg.GatewayTimeoutSeconds)*time.Second, cfg.GatewayCallbackURL)
	ledgerService.ConfigureWebhooks(webhookMode, time.Duration(cfg.WebhookDedupeTTLSeconds)*time.Second, cfg.InboundExchange)

	if redisClient := connectRedis(cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		ledgerService.SetEventDeduper(app.NewRedisEventDeduper(redisClient, cfg.RedisKeyPrefix))
	}

	// Consumers for queued gateway events and account lifecycle events.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; queued webhooks and account events disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		gatewayBindings := map[string]func([]byte) bool{
			app.GatewayChargeBinding: app.NewGatewayEventConsumer(ledgerService).HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.InboundExchange, cfg.GatewayEventQueue, gatewayBindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"gateway event consumer start failed\" err=%v", err)
		}
		accountBindings := map[string]func([]byte) bool{
			app.AccountLifecycleBinding: app.NewAccountLifecycleConsumer(ledgerService).HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.InboundExchange, cfg.AccountEventQueue, accountBindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"account lifecycle consumer start failed\" err=%v", err)
		}
	}

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	dispatcher := app.NewOutboxDispatcher(repository, cfg.RabbitMQURL, cfg.EventsExchange)
	dispatcher.Configure(cfg.OutboxBatchSize, time.Duration(cfg.OutboxPollIntervalMillis)*time.Millisecond, time.Duration(cfg.OutboxStaleAfterSeconds)*time.Second)
	dispatcher.SetMetrics(metrics)
	go dispatcher.Run(rootCtx)

	sweeper := app.NewPaymentSweeper(ledgerService, repository, time.Duration(cfg.PendingMinAgeSeconds)*time.Second, cfg.PendingSweepBatch)
	sweeper.SetMetrics(metrics)
	scheduler := app.NewScheduler(sweeper, cfg.PendingSweepSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"payment sweeper start failed\" err=%v", err)
	}

	// Initialize the API handlers and routes.
	handlers := api.NewLedgerHandlers(ledgerService, cfg.GatewayWebhookSecret, cfg.GatewaySignatureHeader)
	router := api.LedgerRoutes(handlers, api.RouterOptions{
		Auth:           api.ClerkAuthMiddleware(cfg.ClerkJWKSURL),
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	stopBackground()
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"sweep still running at shutdown\"")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openRepository builds the configured ledger store and returns its cleanup.
func openRepository(cfg config.Config) (store.Repository, func()) {
	if cfg.StoreDriver == "memory" {
		log.Println("level=warn component=bootstrap msg=\"using in-memory ledger store; data is lost on restart\"")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MinConns = cfg.DBMinConns
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database ping failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	if cfg.AutoMigrate {
		if err := store.EnsureSchema(pingCtx, dbpool); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
		}
	}

	repository := store.NewPostgresRepository(dbpool)
	if err := repository.ConfigureIsolation(cfg.LedgerTxIsolation); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid ledger isolation level\" err=%v", err)
	}
	return repository, dbpool.Close
}

// connectRedis returns nil when Redis is not configured or unreachable; webhook
// deduplication then falls back to the idempotent verify path alone.
func connectRedis(redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook dedupe disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook dedupe disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook dedupe disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
