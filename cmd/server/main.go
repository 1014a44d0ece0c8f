package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/custody"
	"fulfillment-service/internal/notify"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service")

	tp, err := util.InitTracer(util.TracingOptions{
		ServiceName: "fulfillment-service",
		Environment: cfg.Server.Env,
		Endpoint:    cfg.Observ.JaegerEndpoint,
		SampleRatio: cfg.Observ.TraceSampleRatio,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx := context.Background()

	var repo store.Repository
	var readiness map[string]api.ReadinessCheck
	switch cfg.Database.Driver {
	case "memory":
		repo = store.NewMemoryStore()
		logger.Info("Using in-memory store")
	case "postgres":
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		repo = db
		readiness = map[string]api.ReadinessCheck{"postgres": db.GetDB().PingContext}
		logger.Info("Database connected")
	default:
		log.Fatalf("Unknown STORE_DRIVER %q", cfg.Database.Driver)
	}

	if cfg.Database.SeedFile != "" {
		if err := seed(ctx, repo, cfg.Database.SeedFile); err != nil {
			log.Fatalf("Failed to load seed file: %v", err)
		}
	}

	signer, err := newSigner(cfg.Custody, cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to initialize signer: %v", err)
	}

	orderService := service.NewOrderService(repo, signer, service.Options{
		VerifyBaseURL:        cfg.Custody.VerifyBaseURL,
		QRSize:               cfg.Custody.QRSize,
		VerificationCacheTTL: cfg.Routing.VerificationCacheTTL,
	})

	var locker worker.Locker
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		if cfg.Server.Env == "production" {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		logger.Warn("Redis unavailable, running without verification cache and sweep lock", zap.Error(err))
	} else {
		defer redisClient.Close()
		orderService.WithVerificationCache(redisClient)
		locker = redisClient
		if readiness == nil {
			readiness = map[string]api.ReadinessCheck{}
		}
		readiness["redis"] = func(ctx context.Context) error { return redisClient.GetClient().Ping(ctx).Err() }
		logger.Info("Redis connected")
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	orderService.WithEventPublisher(broker.NewEventPublisher(producer))
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))

	trackingPublisher := notify.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
	defer trackingPublisher.Close()
	orderService.WithTrackingPublisher(trackingPublisher)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	commandConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCommands, cfg.Kafka.ConsumerGroup)
	commandWorker := worker.NewCommandWorker(commandConsumer, service.NewCommandHandler(repo, orderService))
	go func() {
		if err := commandWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Command worker error", zap.Error(err))
		}
	}()

	if cfg.Routing.LegAcceptTimeout > 0 {
		timeoutWorker := worker.NewLegTimeoutWorker(orderService, locker, cfg.Routing.LegAcceptTimeout, cfg.Routing.LegSweepInterval)
		go func() {
			if err := timeoutWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Leg timeout worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(orderService)
	for name, check := range readiness {
		handler.AddReadinessCheck(name, check)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := commandWorker.Stop(); err != nil {
		logger.Warn("Error stopping command worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

// newSigner builds the custody signer. Without SERVER_SIGNING_SEED outside
// production an ephemeral key is generated, so records do not survive restarts.
func newSigner(cfg config.CustodyConfig, env string) (*custody.Signer, error) {
	keys, err := custody.NewDerivedKeyRing([]byte(cfg.SupplierKeySecret))
	if err != nil {
		return nil, err
	}

	if cfg.ServerSigningSeed != "" {
		serverKey, err := custody.ParseServerKey(cfg.ServerSigningSeed)
		if err != nil {
			return nil, err
		}
		return custody.NewSigner(serverKey, keys), nil
	}

	if env == "production" {
		return nil, fmt.Errorf("SERVER_SIGNING_SEED is required in production")
	}
	util.GetLogger().Warn("SERVER_SIGNING_SEED not set, generating an ephemeral server key")
	serverKey, err := custody.GenerateServerKey()
	if err != nil {
		return nil, err
	}
	return custody.NewSigner(serverKey, keys), nil
}
