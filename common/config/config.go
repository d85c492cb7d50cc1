// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the workflow daemon needs.
type Config struct {
	Service   ServiceConfig
	Workflow  WorkflowConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds HTTP service settings.
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// WorkflowConfig points at the document to serve and bounds its runs.
type WorkflowConfig struct {
	Path           string
	RunTimeout     time.Duration
	AllowedEngines []string
	CancelOnError  bool
}

// TelemetryConfig selects event sinks. The JSONL file sink is always on
// unless EventLogPath is empty; Postgres and Redis sinks activate when
// their connection settings are present.
type TelemetryConfig struct {
	EventLogPath   string
	EventBuffer    int
	Console        bool
	PostgresDSN    string
	RedisAddr      string
	RedisStream    string
	RedisMaxEvents int64
	EnableOTel     bool
}

// Load loads configuration from environment variables.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Workflow: WorkflowConfig{
			Path:           getEnv("WORKFLOW_PATH", ""),
			RunTimeout:     getEnvDuration("RUN_TIMEOUT", 5*time.Minute),
			AllowedEngines: getEnvSlice("ALLOWED_ENGINES", nil),
			CancelOnError:  getEnvBool("CANCEL_ON_ERROR", true),
		},
		Telemetry: TelemetryConfig{
			EventLogPath:   getEnv("EVENT_LOG_PATH", "events.jsonl"),
			EventBuffer:    getEnvInt("EVENT_BUFFER", 1000),
			Console:        getEnvBool("EVENT_CONSOLE", false),
			PostgresDSN:    getEnv("POSTGRES_DSN", ""),
			RedisAddr:      getEnv("REDIS_ADDR", ""),
			RedisStream:    getEnv("REDIS_STREAM", "workflow-events"),
			RedisMaxEvents: int64(getEnvInt("REDIS_STREAM_MAXLEN", 10000)),
			EnableOTel:     getEnvBool("ENABLE_OTEL", false),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Workflow.Path == "" {
		return fmt.Errorf("WORKFLOW_PATH is required")
	}

	return nil
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
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
