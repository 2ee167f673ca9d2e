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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/vod-packager/internal/config"
	"github.com/amillerrr/vod-packager/internal/engine"
	"github.com/amillerrr/vod-packager/internal/health"
	"github.com/amillerrr/vod-packager/internal/logger"
	"github.com/amillerrr/vod-packager/internal/observability"
	"github.com/amillerrr/vod-packager/internal/pipeline"
	"github.com/amillerrr/vod-packager/internal/planner"
	"github.com/amillerrr/vod-packager/internal/publisher"
	"github.com/amillerrr/vod-packager/internal/scratch"
	"github.com/amillerrr/vod-packager/internal/storage"
	"github.com/amillerrr/vod-packager/internal/transcoder"
	"github.com/amillerrr/vod-packager/internal/worker"
)

const (
	serviceName      = "vod-worker"
	AWSConfigTimeout = 10 * time.Second
	ShutdownTimeout  = 5 * time.Second
)

func main() {
	envErr := godotenv.Load()

	log := logger.New(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("No .env file found, relying on system ENV variables")
	}

	if err := run(log); err != nil {
		log.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), serviceName, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	awsCfg, err := loadAWS(cfg)
	if err != nil {
		return err
	}
	s3Client := storage.NewS3Client(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)

	jobs, err := storage.NewJobRepository(dynamodb.NewFromConfig(awsCfg), cfg.AWS.DynamoDBTable)
	if err != nil {
		return fmt.Errorf("failed to initialize job repository: %w", err)
	}

	plan, err := planner.New(cfg.Pipeline.Renditions)
	if err != nil {
		return fmt.Errorf("invalid rendition table: %w", err)
	}

	var runner engine.Runner = engine.NewExecRunner(cfg.Pipeline.ToolTimeout, cfg.Pipeline.ToolKillGrace, log)
	if n := cfg.Pipeline.MaxConcurrentTools; n > 0 {
		runner = engine.NewLimitedRunner(runner, n)
	}

	orchestrator := pipeline.New(pipeline.Deps{
		Planner:   plan,
		Scratch:   scratch.NewStore(cfg.Pipeline.ScratchRoot, cfg.Pipeline.MinFreeBytes),
		Tools:     transcoder.New(runner, transcoder.OptionsFromConfig(cfg.Pipeline), log),
		Publisher: publisher.New(s3Client, cfg.AWS.PublishBucket, cfg.PlaybackHost(), log),
		Recorder:  jobs,
		Logger:    log,
	})

	healthConfig := health.DefaultConfig(serviceName, log)
	healthConfig.S3Client = s3Client
	healthConfig.S3Bucket = cfg.AWS.PublishBucket
	healthConfig.SQSClient = sqsClient
	healthConfig.SQSQueueURL = cfg.AWS.SQSQueueURL
	healthConfig.Dirs = map[string]string{"scratch": cfg.Pipeline.ScratchRoot}
	metricsServer := newMetricsServer(cfg.Worker.MetricsPort, health.NewChecker(healthConfig))

	go func() {
		log.Info("Starting metrics server", "port", cfg.Worker.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Worker started",
		"renditions", plan.Names(),
		"scratchRoot", cfg.Pipeline.ScratchRoot,
		"publishBucket", cfg.AWS.PublishBucket,
	)

	worker.New(worker.Config{
		Queue:             sqsClient,
		QueueURL:          cfg.AWS.SQSQueueURL,
		Runner:            orchestrator,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		ShutdownGrace:     cfg.Worker.ShutdownGrace,
		RemoveSources:     cfg.Worker.RemoveSources,
		Logger:            log,
	}).Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown metrics server", "error", err)
	}
	return nil
}

func loadAWS(cfg *config.Config) (aws.Config, error) {
	ctx, cancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
	defer cancel()

	awsCfg, err := storage.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

func newMetricsServer(port int, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", checker.Handler())
	mux.HandleFunc("GET /health/deep", checker.DeepHandler())

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
