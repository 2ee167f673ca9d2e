package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Setenv("PUBLISH_BUCKET", "test-bucket")
	t.Setenv("SQS_QUEUE_URL", "https://sqs.test")
	t.Setenv("DYNAMODB_TABLE", "test-table")
	t.Setenv("TOOL_TIMEOUT", "90s")
	t.Setenv("SCRATCH_MIN_FREE_MB", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.AWS.PublishBucket != "test-bucket" {
		t.Errorf("PublishBucket = %v, want %v", cfg.AWS.PublishBucket, "test-bucket")
	}
	if cfg.Pipeline.ToolTimeout != 90*time.Second {
		t.Errorf("ToolTimeout = %v, want 90s", cfg.Pipeline.ToolTimeout)
	}
	if cfg.Pipeline.MinFreeBytes != 2<<20 {
		t.Errorf("MinFreeBytes = %d, want %d", cfg.Pipeline.MinFreeBytes, 2<<20)
	}
	if cfg.Pipeline.SegmentDuration != DefaultSegmentDuration {
		t.Errorf("SegmentDuration = %d, want %d", cfg.Pipeline.SegmentDuration, DefaultSegmentDuration)
	}
	if len(cfg.Pipeline.Renditions) != 3 {
		t.Errorf("len(Renditions) = %d, want 3", len(cfg.Pipeline.Renditions))
	}
}

func TestLoad_RenditionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "renditions.yaml")
	content := `renditions:
  - name: uhd
    quality: 20
    bitrate: 12000000
  - name: sd
    quality: 32
    bitrate: 1200000
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("RENDITIONS_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got := cfg.Pipeline.Renditions
	if len(got) != 2 {
		t.Fatalf("len(Renditions) = %d, want 2", len(got))
	}
	if got[0].Name != "uhd" || got[0].QualityParam != 20 || got[0].TargetBitrate != 12000000 {
		t.Errorf("Renditions[0] = %+v", got[0])
	}
}

func TestLoad_RenditionsFileMissing(t *testing.T) {
	t.Setenv("RENDITIONS_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := Load(); err == nil {
		t.Error("Load() expected error for missing renditions file")
	}
}

func TestValidateRenditions(t *testing.T) {
	tests := []struct {
		name    string
		specs   []RenditionSpec
		wantErr string
	}{
		{"defaults", DefaultRenditions(), ""},
		{"empty", nil, "empty"},
		{"duplicate", []RenditionSpec{
			{Name: "high", QualityParam: 23, TargetBitrate: 1},
			{Name: "high", QualityParam: 28, TargetBitrate: 1},
		}, "duplicate"},
		{"unsafe name", []RenditionSpec{{Name: "../high", QualityParam: 23, TargetBitrate: 1}}, "invalid name"},
		{"quality out of range", []RenditionSpec{{Name: "high", QualityParam: 60, TargetBitrate: 1}}, "quality"},
		{"no bitrate", []RenditionSpec{{Name: "high", QualityParam: 23}}, "bitrate"},
		{"master name", []RenditionSpec{
			{Name: "master", QualityParam: 23, TargetBitrate: 1},
			{Name: "low", QualityParam: 35, TargetBitrate: 1},
		}, "reserved"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRenditions(tt.specs)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateRenditions() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateRenditions() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAPI_MissingRequired(t *testing.T) {
	cfg := &Config{
		Environment: "dev",
		AWS:         AWSConfig{},
	}

	err := cfg.ValidateAPI()
	if err == nil {
		t.Error("ValidateAPI() expected error for missing required fields")
	}
}

func TestValidateAPI_ProductionRequiresCredentials(t *testing.T) {
	cfg := &Config{
		Environment: "production",
		AWS: AWSConfig{
			SQSQueueURL:   "url",
			DynamoDBTable: "table",
		},
		API: APIConfig{UploadDir: "/tmp/up"},
	}

	err := cfg.ValidateAPI()
	if err == nil {
		t.Error("ValidateAPI() expected error for missing credentials in production")
	}
}

func validWorkerConfig() *Config {
	return &Config{
		Environment: "dev",
		AWS: AWSConfig{
			Region:        "us-west-2",
			PublishBucket: "published",
			SQSQueueURL:   "url",
			DynamoDBTable: "table",
		},
		Pipeline: PipelineConfig{
			ScratchRoot:     "/tmp/scratch",
			SegmentDuration: 10,
			ThumbnailCount:  5,
			ThumbnailStride: 100,
			FFmpegPath:      "ffmpeg",
			FFprobePath:     "ffprobe",
			Renditions:      DefaultRenditions(),
		},
	}
}

func TestValidateWorker_AllPresent(t *testing.T) {
	if err := validWorkerConfig().ValidateWorker(); err != nil {
		t.Errorf("ValidateWorker() error = %v", err)
	}
}

func TestValidateWorker_Pipeline(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no bucket", func(c *Config) { c.AWS.PublishBucket = "" }},
		{"no scratch", func(c *Config) { c.Pipeline.ScratchRoot = "" }},
		{"zero segment", func(c *Config) { c.Pipeline.SegmentDuration = 0 }},
		{"zero thumbnails", func(c *Config) { c.Pipeline.ThumbnailCount = 0 }},
		{"negative timeout", func(c *Config) { c.Pipeline.ToolTimeout = -time.Second }},
		{"empty renditions", func(c *Config) { c.Pipeline.Renditions = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validWorkerConfig()
			tt.mutate(cfg)
			if err := cfg.ValidateWorker(); err == nil {
				t.Error("ValidateWorker() expected error")
			}
		})
	}
}

func TestPlaybackHost(t *testing.T) {
	cfg := validWorkerConfig()
	if got := cfg.PlaybackHost(); got != "published.s3.us-west-2.amazonaws.com" {
		t.Errorf("PlaybackHost() = %s", got)
	}
	cfg.AWS.CDNDomain = "cdn.example.com"
	if got := cfg.PlaybackHost(); got != "cdn.example.com" {
		t.Errorf("PlaybackHost() with CDN = %s", got)
	}
}

func TestIsProduction(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"prod", true},
		{"production", true},
		{"PRODUCTION", true},
		{"dev", false},
		{"staging", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := &Config{Environment: tt.env}
			if got := cfg.IsProduction(); got != tt.want {
				t.Errorf("IsProduction() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetJWTSecret(t *testing.T) {
	cfg := &Config{Environment: "production", API: APIConfig{JWTSecret: "short"}}
	if _, err := cfg.GetJWTSecret(); err == nil {
		t.Error("GetJWTSecret() expected error for short production secret")
	}

	cfg.Environment = "dev"
	if _, err := cfg.GetJWTSecret(); err != nil {
		t.Errorf("GetJWTSecret() error = %v", err)
	}

	cfg.API.JWTSecret = ""
	if _, err := cfg.GetJWTSecret(); err == nil {
		t.Error("GetJWTSecret() expected error for empty secret")
	}
}

func TestLoad_WorkerSettings(t *testing.T) {
	t.Setenv("SHUTDOWN_GRACE", "45s")
	t.Setenv("REMOVE_SOURCES", "false")
	t.Setenv("MAX_CONCURRENT_JOBS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.ShutdownGrace != 45*time.Second {
		t.Errorf("ShutdownGrace = %v, want 45s", cfg.Worker.ShutdownGrace)
	}
	if cfg.Worker.RemoveSources {
		t.Error("RemoveSources = true, want false")
	}
	if cfg.Worker.MaxConcurrentJobs != 3 {
		t.Errorf("MaxConcurrentJobs = %d, want 3", cfg.Worker.MaxConcurrentJobs)
	}
}

func TestLoad_WorkerDefaults(t *testing.T) {
	t.Setenv("REMOVE_SOURCES", "not-a-bool")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.ShutdownGrace != DefaultShutdownGrace {
		t.Errorf("ShutdownGrace = %v, want %v", cfg.Worker.ShutdownGrace, DefaultShutdownGrace)
	}
	if !cfg.Worker.RemoveSources {
		t.Error("RemoveSources = false, want the default true")
	}
}

func TestValidatePipeline_KillGrace(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"default", "", false},
		{"explicit", "3s", false},
		{"zero", "0s", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TOOL_KILL_GRACE", tt.value)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			err = cfg.ValidatePipeline()
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "TOOL_KILL_GRACE") {
					t.Errorf("ValidatePipeline() error = %v, want TOOL_KILL_GRACE error", err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidatePipeline() error = %v", err)
			}
		})
	}
}
