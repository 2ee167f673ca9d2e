package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	"github.com/amillerrr/vod-packager/internal/api"
	"github.com/amillerrr/vod-packager/internal/auth"
	"github.com/amillerrr/vod-packager/internal/config"
	"github.com/amillerrr/vod-packager/internal/health"
	"github.com/amillerrr/vod-packager/internal/ingest"
	"github.com/amillerrr/vod-packager/internal/logger"
	"github.com/amillerrr/vod-packager/internal/observability"
	"github.com/amillerrr/vod-packager/internal/storage"
)

const (
	serviceName           = "vod-api"
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	AWSConfigTimeout      = 10 * time.Second
)

func main() {
	// Load .env file if present
	envErr := godotenv.Load()

	log := logger.New(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), serviceName, cfg)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
	awsCfg, err := storage.LoadAWSConfig(ctx, cfg)
	cancel()
	if err != nil {
		log.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}

	sqsClient := sqs.NewFromConfig(awsCfg)

	jobs, err := storage.NewJobRepository(dynamodb.NewFromConfig(awsCfg), cfg.AWS.DynamoDBTable)
	if err != nil {
		log.Error("Failed to initialize job repository", "error", err)
		os.Exit(1)
	}

	jwtSecret, err := cfg.GetJWTSecret()
	if err != nil {
		log.Error("Failed to get JWT secret", "error", err)
		os.Exit(1)
	}
	jwtService, err := auth.NewJWTService(jwtSecret)
	if err != nil {
		log.Error("Failed to create JWT service", "error", err)
		os.Exit(1)
	}

	rateLimiter := auth.NewRateLimiter(auth.DefaultRateLimiterConfig())

	healthConfig := health.DefaultConfig(serviceName, log)
	healthConfig.SQSClient = sqsClient
	healthConfig.SQSQueueURL = cfg.AWS.SQSQueueURL
	healthConfig.Dirs = map[string]string{"uploads": cfg.API.UploadDir}

	server := api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Jobs:          jobs,
		Queue:         sqsClient,
		Receiver:      ingest.NewReceiver(cfg.API.UploadDir, cfg.API.MaxUploadBytes, log),
		JWTService:    jwtService,
		RateLimiter:   rateLimiter,
		HealthChecker: health.NewChecker(healthConfig),
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel = context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Server shutdown complete")
}
