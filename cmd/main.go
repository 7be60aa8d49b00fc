package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/joho/godotenv/autoload"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"checkout-service/internal/api"
	"checkout-service/internal/cache"
	"checkout-service/internal/client"
	"checkout-service/internal/config"
	"checkout-service/internal/gateway"
	"checkout-service/internal/repository"
	"checkout-service/internal/service"
	"checkout-service/internal/worker"
	"checkout-service/migrations"
)

func connectDB(dsn string) (*sql.DB, error) {
	var db *sql.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = sql.Open("mysql", dsn)
		if err == nil {
			err = db.Ping()
			if err == nil {
				log.Println("Connected to MySQL")
				return db, nil
			}
		}
		log.Printf("Retry %d: failed to connect to MySQL: %v", i+1, err)
		time.Sleep(3 * time.Second)
	}
	return nil, fmt.Errorf("failed to connect to MySQL after retries: %v", err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := connectDB(cfg.DSN())
	if err != nil {
		panic(err)
	}

	if err := migrations.AutoMigrateOrders(3, db); err != nil {
		log.Fatalf("Failed to migrate orders table: %v", err)
	}
	if err := migrations.AutoMigrateOrderItems(3, db); err != nil {
		log.Fatalf("Failed to migrate order_items table: %v", err)
	}
	if err := migrations.AutoMigratePayments(3, db); err != nil {
		log.Fatalf("Failed to migrate payments table: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	snapshots := cache.NewRedisStore(rdb)

	orderEvents := config.NewKafkaWriter(cfg.KafkaBrokers, cfg.OrderEventTopic)
	reconciliationEvents := config.NewKafkaWriter(cfg.KafkaBrokers, cfg.ReconciliationTopic)
	publisher := service.NewKafkaPublisher(orderEvents, reconciliationEvents)

	var gw gateway.PaymentGateway
	if cfg.GatewayURL != "" {
		gw = gateway.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayAPIKey)
	} else {
		log.Println("GATEWAY_URL not set, using in-memory mock gateway")
		gw = gateway.NewMockGateway()
	}

	orderRepo := repository.NewOrderRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	products := client.NewProductClient(cfg.ProductServiceURL)

	coordinator := service.NewSagaCoordinator(orderRepo, snapshots, publisher)
	orderService := service.NewOrderService(orderRepo, products, snapshots, publisher, cfg.Pricing, cfg.CacheTTL)
	paymentService := service.NewPaymentService(paymentRepo, orderRepo, gw, snapshots, coordinator, cfg.CacheTTL, cfg.WebhookDedupTTL)

	sweep := worker.NewReconciliationWorker(orderRepo, snapshots, cfg.ReconcileInterval)
	go sweep.Run(context.Background())

	handler := api.NewHandler(orderService, paymentService, cfg.GatewayWebhookSecret)

	e := echo.New()

	limiterConfig := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(20),
				Burst:     60,
				ExpiresIn: 3 * time.Minute,
			}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.Request().RemoteAddr, nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(429, map[string]string{"error": "rate limit exceeded"})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(429, map[string]string{"error": "rate limit exceeded"})
		},
	}

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RateLimiterWithConfig(limiterConfig))

	handler.Register(e, cfg.JWTSecret)

	e.Logger.Fatal(e.Start(cfg.HTTPAddr))
}
