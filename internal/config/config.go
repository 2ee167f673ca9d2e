package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	LogLevel      string
	AWS           AWSConfig
	API           APIConfig
	Worker        WorkerConfig
	Pipeline      PipelineConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region        string
	PublishBucket string
	SQSQueueURL   string
	DynamoDBTable string
	CDNDomain     string
}

// APIConfig holds ingress server configuration.
type APIConfig struct {
	Port           string
	Username       string
	Password       string
	JWTSecret      string
	UploadDir      string
	MaxUploadBytes int64
}

// WorkerConfig holds worker-specific configuration.
type WorkerConfig struct {
	MaxConcurrentJobs int
	MetricsPort       int
	ShutdownGrace     time.Duration
	RemoveSources     bool
}

// PipelineConfig holds transcode-and-package settings.
type PipelineConfig struct {
	ScratchRoot        string
	MinFreeBytes       uint64
	SegmentDuration    int
	ThumbnailCount     int
	ThumbnailStride    int
	ToolTimeout        time.Duration
	ToolKillGrace      time.Duration
	MaxConcurrentTools int
	FFmpegPath         string
	FFprobePath        string
	RenditionsFile     string
	Renditions         []RenditionSpec
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Default values
const (
	DefaultPort              = "8080"
	DefaultMetricsPort       = 2112
	DefaultMaxConcurrentJobs = 1
	DefaultOTLPEndpoint      = "localhost:4317"
	DefaultRegion            = "us-west-2"
	DefaultUploadDir         = "/tmp/vod-uploads"
	DefaultMaxUploadMB       = 2048
	DefaultScratchRoot       = "/tmp/vod-scratch"
	DefaultSegmentDuration   = 10
	DefaultThumbnailCount    = 5
	DefaultThumbnailStride   = 100
	DefaultToolKillGrace     = 10 * time.Second
	DefaultShutdownGrace     = 2 * time.Minute
)

// Load reads configuration from environment variables. The rendition table
// comes from RENDITIONS_FILE when set and falls back to DefaultRenditions.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		AWS: AWSConfig{
			Region:        getEnv("AWS_REGION", DefaultRegion),
			PublishBucket: os.Getenv("PUBLISH_BUCKET"),
			SQSQueueURL:   os.Getenv("SQS_QUEUE_URL"),
			DynamoDBTable: os.Getenv("DYNAMODB_TABLE"),
			CDNDomain:     os.Getenv("CDN_DOMAIN"),
		},
		API: APIConfig{
			Port:           getEnv("PORT", DefaultPort),
			Username:       os.Getenv("API_USERNAME"),
			Password:       os.Getenv("API_PASSWORD"),
			JWTSecret:      os.Getenv("JWT_SECRET"),
			UploadDir:      getEnv("UPLOAD_DIR", DefaultUploadDir),
			MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_MB", DefaultMaxUploadMB)) << 20,
		},
		Worker: WorkerConfig{
			MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs),
			MetricsPort:       getEnvInt("METRICS_PORT", DefaultMetricsPort),
			ShutdownGrace:     getEnvDuration("SHUTDOWN_GRACE", DefaultShutdownGrace),
			RemoveSources:     getEnvBool("REMOVE_SOURCES", true),
		},
		Pipeline: PipelineConfig{
			ScratchRoot:        getEnv("SCRATCH_ROOT", DefaultScratchRoot),
			MinFreeBytes:       uint64(getEnvInt("SCRATCH_MIN_FREE_MB", 0)) << 20,
			SegmentDuration:    getEnvInt("SEGMENT_DURATION", DefaultSegmentDuration),
			ThumbnailCount:     getEnvInt("THUMBNAIL_COUNT", DefaultThumbnailCount),
			ThumbnailStride:    getEnvInt("THUMBNAIL_STRIDE", DefaultThumbnailStride),
			ToolTimeout:        getEnvDuration("TOOL_TIMEOUT", 0),
			ToolKillGrace:      getEnvDuration("TOOL_KILL_GRACE", DefaultToolKillGrace),
			MaxConcurrentTools: getEnvInt("MAX_CONCURRENT_TOOLS", 0),
			FFmpegPath:         getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:        getEnv("FFPROBE_PATH", "ffprobe"),
			RenditionsFile:     os.Getenv("RENDITIONS_FILE"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
			}),
		},
	}

	renditions := DefaultRenditions()
	if cfg.Pipeline.RenditionsFile != "" {
		loaded, err := LoadRenditions(cfg.Pipeline.RenditionsFile)
		if err != nil {
			return nil, err
		}
		renditions = loaded
	}
	cfg.Pipeline.Renditions = renditions

	return cfg, nil
}

// LoadAPI loads configuration required for the ingress service.
func LoadAPI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWorker loads configuration required for the Worker service.
func LoadWorker() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateAPI validates configuration required for the ingress service.
func (c *Config) ValidateAPI() error {
	var errs []string

	if c.AWS.SQSQueueURL == "" {
		errs = append(errs, "SQS_QUEUE_URL is required")
	}
	if c.AWS.DynamoDBTable == "" {
		errs = append(errs, "DYNAMODB_TABLE is required")
	}
	if c.API.UploadDir == "" {
		errs = append(errs, "UPLOAD_DIR is required")
	}

	// In production, require explicit credentials
	if c.IsProduction() {
		if c.API.Username == "" {
			errs = append(errs, "API_USERNAME is required in production")
		}
		if c.API.Password == "" {
			errs = append(errs, "API_PASSWORD is required in production")
		}
		if c.API.JWTSecret == "" {
			errs = append(errs, "JWT_SECRET is required in production")
		}
		if len(c.API.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateWorker validates configuration required for the Worker service.
func (c *Config) ValidateWorker() error {
	var errs []string

	if c.AWS.PublishBucket == "" {
		errs = append(errs, "PUBLISH_BUCKET is required")
	}
	if c.AWS.Region == "" {
		errs = append(errs, "AWS_REGION is required")
	}
	if c.AWS.SQSQueueURL == "" {
		errs = append(errs, "SQS_QUEUE_URL is required")
	}
	if c.AWS.DynamoDBTable == "" {
		errs = append(errs, "DYNAMODB_TABLE is required")
	}
	if err := c.ValidatePipeline(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidatePipeline validates the transcode-and-package settings.
func (c *Config) ValidatePipeline() error {
	p := c.Pipeline
	var errs []string

	if p.ScratchRoot == "" {
		errs = append(errs, "SCRATCH_ROOT is required")
	}
	if p.SegmentDuration <= 0 {
		errs = append(errs, "SEGMENT_DURATION must be positive")
	}
	if p.ThumbnailCount <= 0 {
		errs = append(errs, "THUMBNAIL_COUNT must be positive")
	}
	if p.ThumbnailStride <= 0 {
		errs = append(errs, "THUMBNAIL_STRIDE must be positive")
	}
	if p.ToolTimeout < 0 {
		errs = append(errs, "TOOL_TIMEOUT must not be negative")
	}
	if p.ToolKillGrace <= 0 {
		errs = append(errs, "TOOL_KILL_GRACE must be positive")
	}
	if p.FFmpegPath == "" || p.FFprobePath == "" {
		errs = append(errs, "FFMPEG_PATH and FFPROBE_PATH must not be empty")
	}
	if err := ValidateRenditions(p.Renditions); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// GetAPICredentials returns API credentials with fallback for development.
func (c *Config) GetAPICredentials() (username, password string, err error) {
	username = c.API.Username
	password = c.API.Password

	if username == "" || password == "" {
		if c.IsProduction() {
			return "", "", errors.New("API credentials not configured")
		}
		// Development fallback
		return "admin", "secret", nil
	}

	return username, password, nil
}

// GetJWTSecret returns the JWT secret, refusing weak secrets in production.
func (c *Config) GetJWTSecret() ([]byte, error) {
	secret := c.API.JWTSecret

	if secret == "" {
		return nil, errors.New("JWT_SECRET is required (set it even for development)")
	}

	if len(secret) < 32 && c.IsProduction() {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}

	return []byte(secret), nil
}

// PlaybackHost returns the host that serves published packages.
func (c *Config) PlaybackHost() string {
	if c.AWS.CDNDomain != "" {
		return c.AWS.CDNDomain
	}
	return fmt.Sprintf("%s.s3.%s.amazonaws.com", c.AWS.PublishBucket, c.AWS.Region)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d >= 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
