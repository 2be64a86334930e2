/**
 * @description
 * This is the main entry point for the payment-service. It is responsible for
 * initializing all components of the service, including configuration,
 * database connection, external API clients, message brokers, repositories,
 * the orchestrator service, scheduled jobs, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/robfig/cron/v3: Scheduled background jobs.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages.
 * - pkg/compliance, pkg/dispatch, pkg/shardsigner, pkg/rabbitmq: External boundaries.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/agentrail/payment-service/internal/api"
	"github.com/agentrail/payment-service/internal/app"
	"github.com/agentrail/payment-service/internal/config"
	"github.com/agentrail/payment-service/internal/cosign"
	"github.com/agentrail/payment-service/internal/gate"
	"github.com/agentrail/payment-service/internal/ledger"
	"github.com/agentrail/payment-service/internal/store"
	"github.com/agentrail/payment-service/internal/vault"
	"github.com/agentrail/payment-service/pkg/compliance"
	"github.com/agentrail/payment-service/pkg/dispatch"
	rmrabbit "github.com/agentrail/payment-service/pkg/rabbitmq"
	"github.com/agentrail/payment-service/pkg/shardsigner"
)

func main() {
	// Load a local .env file if present; environment variables win.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting payment-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish domain events. The service
	// still processes payments when the broker is down; events are dropped.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.FallbackProducer{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis backs the payment initiation rate limiter. Limiting degrades to
	// disabled when Redis is unavailable.
	var redisClient *redis.Client
	if cfg.PaymentRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; payment rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; payment rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; payment rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer and domain components.
	repository := store.NewPostgresRepository(dbpool)
	creditLedger := ledger.New(repository, producer, time.Duration(cfg.ReservationTTLSeconds)*time.Second)
	poolVault := vault.New(repository, cfg.UtilizationCapBPS)

	complianceClient := compliance.NewClient(cfg.ComplianceAPIBaseURL, cfg.ComplianceAPIKey)
	permissionGate := gate.New(repository, complianceClient, cfg.RiskScoreThreshold)

	shardSigner := shardsigner.NewClient(cfg.ShardSignerURL, cfg.ShardSignerKey)
	signingEngine := cosign.NewEngine(shardSigner, time.Duration(cfg.SigningTimeoutSeconds)*time.Second)

	dispatchers := dispatch.NewRegistry(
		dispatch.NewEVMDispatcher(cfg.EVMDispatcherURL, cfg.EVMDispatcherKey),
		dispatch.NewAccountDispatcher(cfg.AccountDispatcherURL, cfg.AccountDispatcherKey),
	)

	paymentService := app.NewService(
		repository,
		creditLedger,
		poolVault,
		permissionGate,
		signingEngine,
		dispatchers,
		producer,
		cfg.FeeBPS,
		cfg.SigningMaxAttempts,
	)

	var limiter *app.RedisPaymentRateLimiter
	if redisClient != nil {
		limiter = app.NewRedisPaymentRateLimiter(
			redisClient,
			cfg.RedisRateLimitPrefix,
			cfg.PaymentRateLimitPerMinute,
			time.Minute,
		)
	}

	// Initialize the API handlers and router.
	paymentHandlers := api.NewPaymentHandlers(paymentService, limiter)
	router := chi.NewRouter()
	router.Mount("/", api.PaymentRoutes(paymentHandlers, cfg.AgentJWKSURL, cfg.InternalAPIKey))

	// Wire the settlement status relay: payments parked in settling reach
	// their terminal state through these bindings.
	relay, err := rmrabbit.NewSettlementRelay(cfg.RabbitMQURL, rmrabbit.EventsExchange, cfg.SettlementEventQueue)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"settlement relay init failed\" err=%v", err)
	}
	defer relay.Close()

	relay.Bind("settlement.status.evm.confirmed", paymentService.HandleSettlementConfirmed)
	relay.Bind("settlement.status.evm.rejected", paymentService.HandleSettlementRejected)
	relay.Bind("settlement.status.acct.confirmed", paymentService.HandleSettlementConfirmed)
	relay.Bind("settlement.status.acct.rejected", paymentService.HandleSettlementRejected)
	if err := relay.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"settlement relay start failed\" err=%v", err)
	}

	// Scheduled jobs: reservation expiry sweep, settlement reconciliation
	// and the repayment delinquency pass.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepCronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		paymentService.SweepExpiredReservations(ctx)
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"sweep job schedule failed\" err=%v", err)
	}
	if _, err := scheduler.AddFunc(cfg.ReconcileCronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		paymentService.ReconcileSettling(ctx, cfg.ReconcileBatchSize)
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"reconcile job schedule failed\" err=%v", err)
	}
	if _, err := scheduler.AddFunc(cfg.DelinquencyCronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		paymentService.FlagDelinquentAgents(ctx)
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"delinquency job schedule failed\" err=%v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
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

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
