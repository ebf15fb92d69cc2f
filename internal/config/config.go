package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Blob      BlobConfig      `yaml:"blob"`
	Provider  ProviderConfig  `yaml:"provider"`
	Upload    UploadConfig    `yaml:"upload"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Backoff   BackoffConfig   `yaml:"backoff"`
}

type ServerConfig struct {
	OpsPort int    `yaml:"ops_port"`
	Env     string `yaml:"env"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	ProjectID           string `yaml:"project_id"`
	UploadTopic         string `yaml:"upload_topic"`
	UploadSubscription  string `yaml:"upload_subscription"`
	IndexTopic          string `yaml:"index_topic"`
	IndexSubscription   string `yaml:"index_subscription"`
	CleanupTopic        string `yaml:"cleanup_topic"`
	CleanupSubscription string `yaml:"cleanup_subscription"`
}

type TasksConfig struct {
	LocationID    string `yaml:"location_id"`
	QueueID       string `yaml:"queue_id"`
	TargetBaseURL string `yaml:"target_base_url"`
}

type BlobConfig struct {
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type ProviderConfig struct {
	Kind             string `yaml:"kind"`
	Region           string `yaml:"region"`
	DetectorURL      string `yaml:"detector_url"`
	MaxFacesPerImage int    `yaml:"max_faces_per_image"`
	QualityFilter    string `yaml:"quality_filter"`
	MaxBytes         int64  `yaml:"max_bytes"`
}

type UploadConfig struct {
	MaxFileSize      int64 `yaml:"max_file_size"`
	NormalizeMaxDim  int   `yaml:"normalize_max_dim"`
	NormalizeQuality int   `yaml:"normalize_quality"`
}

type RateLimitConfig struct {
	TPS               float64 `yaml:"tps"`
	SafetyFactor      float64 `yaml:"safety_factor"`
	ThrottlePenaltyMs int     `yaml:"throttle_penalty_ms"`
}

type CleanupConfig struct {
	RetentionDays int `yaml:"retention_days"`
	BatchSize     int `yaml:"batch_size"`
}

type BackoffConfig struct {
	BaseSeconds         int `yaml:"base_seconds"`
	CapSeconds          int `yaml:"cap_seconds"`
	ThrottleBaseSeconds int `yaml:"throttle_base_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
}

// Retention converts retention_days to a duration.
func (c CleanupConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ThrottlePenalty converts throttle_penalty_ms to a duration.
func (c RateLimitConfig) ThrottlePenalty() time.Duration {
	return time.Duration(c.ThrottlePenaltyMs) * time.Millisecond
}

// Load reads the YAML config at path, layers environment overrides on top,
// and fills defaults. An empty path configures from the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.PubSub.ProjectID, "PUBSUB_PROJECT_ID")
	setString(&c.Blob.Bucket, "BLOB_BUCKET")
	setString(&c.Blob.Endpoint, "BLOB_ENDPOINT")
	setString(&c.Blob.Region, "BLOB_REGION")
	setString(&c.Blob.AccessKey, "BLOB_ACCESS_KEY")
	setString(&c.Blob.SecretKey, "BLOB_SECRET_KEY")
	setString(&c.Provider.Kind, "PROVIDER_KIND")
	setString(&c.Provider.Region, "PROVIDER_REGION")
	setString(&c.Provider.DetectorURL, "PROVIDER_DETECTOR_URL")
	setString(&c.Tasks.TargetBaseURL, "TASKS_TARGET_BASE_URL")
	setString(&c.Server.Env, "APP_ENV")
	setInt(&c.Server.OpsPort, "OPS_PORT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.OpsPort == 0 {
		c.Server.OpsPort = 9090
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.PubSub.UploadTopic == "" {
		c.PubSub.UploadTopic = "object-created"
	}
	if c.PubSub.UploadSubscription == "" {
		c.PubSub.UploadSubscription = c.PubSub.UploadTopic + "-pipeline"
	}
	if c.PubSub.IndexTopic == "" {
		c.PubSub.IndexTopic = "photo-index"
	}
	if c.PubSub.IndexSubscription == "" {
		c.PubSub.IndexSubscription = c.PubSub.IndexTopic + "-pipeline"
	}
	if c.PubSub.CleanupTopic == "" {
		c.PubSub.CleanupTopic = "event-cleanup"
	}
	if c.PubSub.CleanupSubscription == "" {
		c.PubSub.CleanupSubscription = c.PubSub.CleanupTopic + "-pipeline"
	}
	if c.Tasks.LocationID == "" {
		c.Tasks.LocationID = "us-central1"
	}
	if c.Tasks.QueueID == "" {
		c.Tasks.QueueID = "pipeline-retries"
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = "rekognition"
	}
	if c.Provider.MaxFacesPerImage == 0 {
		c.Provider.MaxFacesPerImage = 100
	}
	if c.Provider.QualityFilter == "" {
		c.Provider.QualityFilter = "auto"
	}
	if c.Provider.MaxBytes == 0 {
		c.Provider.MaxBytes = 5 * 1024 * 1024
	}
	if c.Upload.MaxFileSize == 0 {
		c.Upload.MaxFileSize = 20 * 1024 * 1024
	}
	if c.Upload.NormalizeMaxDim == 0 {
		c.Upload.NormalizeMaxDim = 4000
	}
	if c.Upload.NormalizeQuality == 0 {
		c.Upload.NormalizeQuality = 90
	}
	if c.RateLimit.TPS == 0 {
		c.RateLimit.TPS = 50
	}
	if c.RateLimit.SafetyFactor == 0 {
		c.RateLimit.SafetyFactor = 0.9
	}
	if c.RateLimit.ThrottlePenaltyMs == 0 {
		c.RateLimit.ThrottlePenaltyMs = 2000
	}
	if c.Cleanup.RetentionDays == 0 {
		c.Cleanup.RetentionDays = 30
	}
	if c.Cleanup.BatchSize == 0 {
		c.Cleanup.BatchSize = 10
	}
	if c.Backoff.BaseSeconds == 0 {
		c.Backoff.BaseSeconds = 1
	}
	if c.Backoff.CapSeconds == 0 {
		c.Backoff.CapSeconds = 300
	}
	if c.Backoff.ThrottleBaseSeconds == 0 {
		c.Backoff.ThrottleBaseSeconds = 5
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = 8
	}
}
