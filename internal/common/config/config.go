// Package config provides configuration management for Runloom.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for both Runloom servers.
// The Backend and the Executor Manager share one config shape; each
// binary only reads the sections it needs.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Services  ServicesConfig  `mapstructure:"services"`
	Pull      PullConfig      `mapstructure:"pull"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	S3        S3Config        `mapstructure:"s3"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the sqlite database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ServicesConfig holds the cross-service URLs and tokens.
type ServicesConfig struct {
	BackendURL         string `mapstructure:"backendUrl"`
	ExecutorManagerURL string `mapstructure:"executorManagerUrl"`
	ExecutorURL        string `mapstructure:"executorUrl"`
	InternalAPIToken   string `mapstructure:"internalApiToken"`
	CallbackBaseURL    string `mapstructure:"callbackBaseUrl"`
	CallbackToken      string `mapstructure:"callbackToken"`
}

// PullConfig holds run claiming and dispatch configuration.
type PullConfig struct {
	MaxConcurrentTasks int    `mapstructure:"maxConcurrentTasks"`
	ClaimLeaseSeconds  int    `mapstructure:"claimLeaseSeconds"`
	ScheduleConfigPath string `mapstructure:"scheduleConfigPath"`

	ScheduledTasksEnabled         bool `mapstructure:"scheduledTasksEnabled"`
	ScheduledDispatchIntervalSecs int  `mapstructure:"scheduledDispatchIntervalSecs"`
	ScheduledDispatchBatchSize    int  `mapstructure:"scheduledDispatchBatchSize"`
}

// WorkspaceConfig holds workspace root and export configuration.
type WorkspaceConfig struct {
	Root           string   `mapstructure:"root"`
	CleanupEnabled bool     `mapstructure:"cleanupEnabled"`
	ExportIgnore   []string `mapstructure:"exportIgnore"`
	IncludeHidden  bool     `mapstructure:"includeHidden"`
	ArchiveEnabled bool     `mapstructure:"archiveEnabled"`
}

// S3Config holds the blob store configuration.
type S3Config struct {
	Endpoint       string `mapstructure:"endpoint"`
	PublicEndpoint string `mapstructure:"publicEndpoint"`
	AccessKey      string `mapstructure:"accessKey"`
	SecretKey      string `mapstructure:"secretKey"`
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	ForcePathStyle bool   `mapstructure:"forcePathStyle"`
	PresignExpires int    `mapstructure:"presignExpires"` // in seconds
}

// DockerConfig holds container provisioner configuration.
// When disabled, the static provisioner pointing at services.executorUrl
// is used instead.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Image          string `mapstructure:"image"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	ExecutorPort   int    `mapstructure:"executorPort"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ClaimLease returns the claim lease as a time.Duration.
func (p *PullConfig) ClaimLease() time.Duration {
	return time.Duration(p.ClaimLeaseSeconds) * time.Second
}

// PresignTTL returns the presigned URL lifetime as a time.Duration.
func (s *S3Config) PresignTTL() time.Duration {
	return time.Duration(s.PresignExpires) * time.Second
}

// detectDefaultLogFormat returns "json" in production-like environments
// and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RUNLOOM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "runloom.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Cross-service defaults
	v.SetDefault("services.backendUrl", "http://localhost:8080")
	v.SetDefault("services.executorManagerUrl", "http://localhost:8081")
	v.SetDefault("services.executorUrl", "http://localhost:8082")
	v.SetDefault("services.internalApiToken", "")
	v.SetDefault("services.callbackBaseUrl", "")
	v.SetDefault("services.callbackToken", "")

	// Pull loop defaults
	v.SetDefault("pull.maxConcurrentTasks", 8)
	v.SetDefault("pull.claimLeaseSeconds", 30)
	v.SetDefault("pull.scheduleConfigPath", "")
	v.SetDefault("pull.scheduledTasksEnabled", true)
	v.SetDefault("pull.scheduledDispatchIntervalSecs", 15)
	v.SetDefault("pull.scheduledDispatchBatchSize", 10)

	// Workspace defaults
	v.SetDefault("workspace.root", "/var/lib/runloom/workspaces")
	v.SetDefault("workspace.cleanupEnabled", false)
	v.SetDefault("workspace.exportIgnore", []string{
		".git", "node_modules", "__pycache__", ".venv", "venv",
		".claude_data", ".cache", "dist", "target",
	})
	v.SetDefault("workspace.includeHidden", false)
	v.SetDefault("workspace.archiveEnabled", true)

	// S3 defaults
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.publicEndpoint", "")
	v.SetDefault("s3.accessKey", "")
	v.SetDefault("s3.secretKey", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "runloom-workspaces")
	v.SetDefault("s3.forcePathStyle", true)
	v.SetDefault("s3.presignExpires", 900)

	// Docker defaults
	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.image", "runloom/executor:latest")
	v.SetDefault("docker.defaultNetwork", "runloom-network")
	v.SetDefault("docker.executorPort", 8082)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RUNLOOM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/runloom/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RUNLOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the flat deployment env vars. AutomaticEnv does
	// not handle camelCase to SNAKE_CASE conversion, and the deployment
	// surface uses unprefixed names.
	_ = v.BindEnv("services.backendUrl", "BACKEND_URL")
	_ = v.BindEnv("services.executorManagerUrl", "EXECUTOR_MANAGER_URL")
	_ = v.BindEnv("services.executorUrl", "EXECUTOR_URL")
	_ = v.BindEnv("services.internalApiToken", "INTERNAL_API_TOKEN")
	_ = v.BindEnv("services.callbackBaseUrl", "CALLBACK_BASE_URL")
	_ = v.BindEnv("services.callbackToken", "CALLBACK_TOKEN")
	_ = v.BindEnv("pull.maxConcurrentTasks", "MAX_CONCURRENT_TASKS")
	_ = v.BindEnv("pull.claimLeaseSeconds", "TASK_CLAIM_LEASE_SECONDS")
	_ = v.BindEnv("pull.scheduledTasksEnabled", "SCHEDULED_TASKS_ENABLED")
	_ = v.BindEnv("pull.scheduledDispatchIntervalSecs", "SCHEDULED_TASKS_DISPATCH_INTERVAL_SECONDS")
	_ = v.BindEnv("pull.scheduledDispatchBatchSize", "SCHEDULED_TASKS_DISPATCH_BATCH_SIZE")
	_ = v.BindEnv("workspace.cleanupEnabled", "WORKSPACE_CLEANUP_ENABLED")
	_ = v.BindEnv("s3.endpoint", "S3_ENDPOINT")
	_ = v.BindEnv("s3.publicEndpoint", "S3_PUBLIC_ENDPOINT")
	_ = v.BindEnv("s3.accessKey", "S3_ACCESS_KEY")
	_ = v.BindEnv("s3.secretKey", "S3_SECRET_KEY")
	_ = v.BindEnv("s3.region", "S3_REGION")
	_ = v.BindEnv("s3.bucket", "S3_BUCKET")
	_ = v.BindEnv("s3.forcePathStyle", "S3_FORCE_PATH_STYLE")
	_ = v.BindEnv("s3.presignExpires", "S3_PRESIGN_EXPIRES")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "RUNLOOM_LOGGING_LEVEL")
	_ = v.BindEnv("logging.outputPath", "LOG_OUTPUT_PATH", "RUNLOOM_LOGGING_OUTPUTPATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runloom/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Pull.MaxConcurrentTasks <= 0 {
		errs = append(errs, "pull.maxConcurrentTasks must be positive")
	}
	if cfg.Pull.ClaimLeaseSeconds <= 0 {
		errs = append(errs, "pull.claimLeaseSeconds must be positive")
	}
	if cfg.Pull.ScheduledDispatchBatchSize <= 0 {
		errs = append(errs, "pull.scheduledDispatchBatchSize must be positive")
	}

	if cfg.S3.PresignExpires <= 0 {
		errs = append(errs, "s3.presignExpires must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
