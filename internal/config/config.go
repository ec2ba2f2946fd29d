package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the analysis worker.
type Config struct {
	Server       ServerConfig
	Service      ServiceConfig
	Orchestrator OrchestratorConfig
	Jobs         JobsConfig
	Redis        RedisConfig
	RateLimit    RateLimitConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	BaseURL         string
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64
}

// ServiceConfig describes the service in its registration record.
type ServiceConfig struct {
	Name         string
	Version      string
	Description  string
	Capabilities []string
	MaxFileSize  string
}

type OrchestratorConfig struct {
	Enabled           bool
	URL               string
	APIPrefix         string
	RegisterTimeout   time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration
	RegisterRetries   int
}

type JobsConfig struct {
	DataDir                string
	Timeout                time.Duration
	EnforceRequiredOutputs bool
	StatusTTL              time.Duration
}

// RedisConfig is optional. Without a URL the worker keeps job state in memory
// only and rate limits per process.
type RedisConfig struct {
	URL string
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any value is invalid.
func Load() (*Config, error) {
	port := envInt("PORT", 8000)
	cfg := &Config{
		Server: ServerConfig{
			Port:            port,
			Env:             envString("ENV", "development"),
			BaseURL:         envString("BASE_URL", fmt.Sprintf("http://localhost:%d", port)),
			ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxUploadBytes:  envInt64("MAX_UPLOAD_BYTES", 32<<20),
		},
		Service: ServiceConfig{
			Name:         envString("SERVICE_NAME", "mirow-delivery-analysis-template"),
			Version:      envString("SERVICE_VERSION", "1.0.0"),
			Description:  envString("SERVICE_DESCRIPTION", "A simple analysis service that processes 2 CSV files"),
			Capabilities: envList("CAPABILITIES", []string{"csv_processing", "data_analysis"}),
			MaxFileSize:  envString("MAX_FILE_SIZE", "10MB"),
		},
		Orchestrator: OrchestratorConfig{
			Enabled:           envBool("ORCHESTRATOR_ENABLED", true),
			URL:               envString("ORCHESTRATOR_URL", "http://localhost:8000"),
			APIPrefix:         envString("ORCHESTRATOR_API_PREFIX", "/api/v1"),
			RegisterTimeout:   envDuration("REGISTER_TIMEOUT", 10*time.Second),
			HeartbeatTimeout:  envDuration("HEARTBEAT_TIMEOUT", 5*time.Second),
			HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 60*time.Second),
			RegisterRetries:   envInt("REGISTER_RETRIES", 0),
		},
		Jobs: JobsConfig{
			DataDir:                envString("DATA_DIR", "./analysis/data"),
			Timeout:                envDuration("JOB_TIMEOUT", 0),
			EnforceRequiredOutputs: envBool("ENFORCE_REQUIRED_OUTPUTS", false),
			StatusTTL:              envDuration("JOB_STATUS_TTL", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_RPM", 0),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if !isHTTPURL(c.Server.BaseURL) {
		return fmt.Errorf("BASE_URL must start with http:// or https://, got %q", c.Server.BaseURL)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.Server.MaxUploadBytes)
	}

	if c.Service.Name == "" {
		return fmt.Errorf("SERVICE_NAME is required")
	}
	if strings.Contains(c.Service.Name, "/") {
		return fmt.Errorf("SERVICE_NAME must not contain '/', got %q", c.Service.Name)
	}

	if c.Orchestrator.Enabled {
		if !isHTTPURL(c.Orchestrator.URL) {
			return fmt.Errorf("ORCHESTRATOR_URL must start with http:// or https://, got %q", c.Orchestrator.URL)
		}
		if c.Orchestrator.APIPrefix != "" && !strings.HasPrefix(c.Orchestrator.APIPrefix, "/") {
			return fmt.Errorf("ORCHESTRATOR_API_PREFIX must start with '/', got %q", c.Orchestrator.APIPrefix)
		}
		if c.Orchestrator.HeartbeatInterval <= 0 {
			return fmt.Errorf("HEARTBEAT_INTERVAL must be positive, got %s", c.Orchestrator.HeartbeatInterval)
		}
		if c.Orchestrator.RegisterRetries < 0 {
			return fmt.Errorf("REGISTER_RETRIES must not be negative, got %d", c.Orchestrator.RegisterRetries)
		}
	}

	if c.Jobs.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.Jobs.Timeout < 0 {
		return fmt.Errorf("JOB_TIMEOUT must not be negative, got %s", c.Jobs.Timeout)
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative, got %d", c.RateLimit.RequestsPerMinute)
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList splits a comma-separated value, dropping blanks.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
