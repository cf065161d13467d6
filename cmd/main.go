/**
 * @description
 * This is the main entry point for the loyalty-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/commerceclient: Client for the commerce platform admin API.
 * - pkg/mailerclient: Client for the transactional mail provider.
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
	"github.com/redis/go-redis/v9"

	"github.com/perkline/loyalty-service/internal/api"
	"github.com/perkline/loyalty-service/internal/app"
	"github.com/perkline/loyalty-service/internal/config"
	"github.com/perkline/loyalty-service/internal/store"
	"github.com/perkline/loyalty-service/pkg/commerceclient"
	"github.com/perkline/loyalty-service/pkg/mailerclient"
	"github.com/perkline/loyalty-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting loyalty-service\" port=%s", cfg.ServerPort)

	// Establish the data access layer. Without DATABASE_URL the service runs
	// on the in-memory repository, which is only suitable for local development.
	var repository store.Repository
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"database url missing; using in-memory repository\" env=DATABASE_URL")
		repository = store.NewMemoryRepository(cfg.AppliedEventRetention)
	} else {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}

		poolConfig.MaxConns = 50
		poolConfig.MinConns = 10
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

		repository = store.NewPostgresRepository(dbpool, cfg.AppliedEventRetention)
	}

	// Initialize the RabbitMQ producer to publish loyalty events. The
	// pipeline must keep working when the broker is down, so failures fall
	// back to a no-op publisher.
	var producer rabbitmq.Publisher
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; event publishing disabled\" env=RABBITMQ_URL")
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
			producer = &rabbitmq.EventProducerFallback{}
		} else {
			defer rabbitProducer.Close()
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
			producer = rabbitProducer
		}
	}

	// Initialize the client for the commerce platform admin API. Reward
	// issuance and email-to-customer resolution both go through it.
	if strings.TrimSpace(cfg.CommerceAPIBaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"commerce api not configured; reward issuance will fail and retry\" env=COMMERCE_API_BASE_URL")
	}
	commerceClient := commerceclient.NewClient(cfg.CommerceAPIBaseURL, cfg.CommerceAPIKey)

	// Initialize the mail client. Missing mailer config should not prevent
	// the service from booting; reward notices will be skipped.
	var notifier app.Notifier
	if strings.TrimSpace(cfg.MailerAPIBaseURL) == "" || strings.TrimSpace(cfg.MailerAPIKey) == "" {
		log.Printf("level=warn component=bootstrap msg=\"mailer not configured; reward notices disabled\" mailer_url_set=%t mailer_key_set=%t",
			strings.TrimSpace(cfg.MailerAPIBaseURL) != "",
			strings.TrimSpace(cfg.MailerAPIKey) != "",
		)
	} else {
		notifier = mailerclient.NewClient(cfg.MailerAPIBaseURL, cfg.MailerAPIKey, cfg.MailerFromAddress)
	}

	// Initialize the core application service with its dependencies.
	loyaltyService := app.NewService(
		repository,
		commerceClient,
		commerceClient,
		notifier,
		producer,
		cfg.IssuanceMaxAttempts,
		cfg.IssuanceRetryBaseSeconds,
	)

	// Redis-backed rate limiting is optional; without it the HTTP surface
	// accepts every request.
	rateLimitingEnabled := cfg.RedeemRateLimitPerMinute > 0 || cfg.EventRateLimitPerMinute > 0
	if rateLimitingEnabled {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
					loyaltyService.SetRateLimiter(
						app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
						cfg.RedeemRateLimitPerMinute,
						cfg.EventRateLimitPerMinute,
					)
				}
			}
		}
	}

	// Wire up the broker consumer: commerce events arrive over RabbitMQ in
	// addition to the webhook endpoints.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		commerceConsumer := loyaltyService.CommerceEventConsumer()

		rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; broker ingest disabled\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()

			commerceBindings := map[string]func([]byte) bool{
				"commerce.order.paid":     commerceConsumer.HandleOrderPaid,
				"commerce.review.created": commerceConsumer.HandleReviewCreated,
			}
			if err := rabbitConsumer.ConsumeWithBindings("commerce.events", cfg.CommerceEventQueue, commerceBindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"commerce consumer start failed\" err=%v", err)
			}
		}
	}

	// Start the issuance retry sweep on its cron schedule.
	sweepScheduler := app.NewSweepScheduler(loyaltyService, cfg.IssuanceSweepSchedule)
	sweepScheduler.Start()

	// Initialize the API handlers and set up the HTTP router.
	loyaltyHandlers := api.NewLoyaltyHandlers(loyaltyService)
	router := api.LoyaltyRoutes(loyaltyHandlers, cfg.JWKSURL, cfg.InternalAPIKey)

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

	// Let any in-flight sweep finish before exiting.
	<-sweepScheduler.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
