// Package config provides configuration management for agentchat.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default mutation tools whose results invalidate client-side document caches.
var defaultMutationTools = []string{
	"mcp__punypage_internal__create_document",
	"mcp__punypage_internal__update_document",
}

// Config holds all configuration sections for agentchat.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	MCP      MCPConfig      `mapstructure:"mcp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	ReadTimeout      int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout     int    `mapstructure:"writeTimeout"` // in seconds, 0 for streaming
	FrontendURL      string `mapstructure:"frontendUrl"`
	MaxMessageLength int    `mapstructure:"maxMessageLength"`
}

// BackendConfig selects and configures the agent backend processes.
type BackendConfig struct {
	Kind          string   `mapstructure:"kind"` // claude, acp
	Command       string   `mapstructure:"command"`
	Args          []string `mapstructure:"args"`
	WorkDir       string   `mapstructure:"workDir"`
	InitTimeout   int      `mapstructure:"initTimeout"` // in seconds
	MCPConfig     string   `mapstructure:"mcpConfig"`
	AllowedTools  []string `mapstructure:"allowedTools"`
	MutationTools []string `mapstructure:"mutationTools"`
	IdleTimeout   int      `mapstructure:"idleTimeout"` // in seconds, 0 disables reaping
}

// DatabaseConfig holds token store configuration. An empty driver disables persistence.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// MCPConfig controls the embedded MCP admin server.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port for the HTTP listener.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// InitTimeoutDuration returns the backend handshake timeout.
func (b *BackendConfig) InitTimeoutDuration() time.Duration {
	return time.Duration(b.InitTimeout) * time.Second
}

// IdleTimeoutDuration returns how long a detached idle session survives.
func (b *BackendConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(b.IdleTimeout) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTCHAT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.frontendUrl", "http://localhost:5500")
	v.SetDefault("server.maxMessageLength", 10000)

	v.SetDefault("backend.kind", "claude")
	v.SetDefault("backend.command", "claude")
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.workDir", "")
	v.SetDefault("backend.initTimeout", 60)
	v.SetDefault("backend.mcpConfig", "")
	v.SetDefault("backend.allowedTools", []string{})
	v.SetDefault("backend.mutationTools", defaultMutationTools)
	v.SetDefault("backend.idleTimeout", 1800)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./agentchat.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentchat")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentchat")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentchat")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "agentchat")

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 4001)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTCHAT_ (e.g. AGENTCHAT_SERVER_PORT).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase keys do not map to SNAKE_CASE through AutomaticEnv.
	_ = v.BindEnv("server.frontendUrl", "AGENTCHAT_SERVER_FRONTEND_URL", "FRONTEND_URL")
	_ = v.BindEnv("server.maxMessageLength", "AGENTCHAT_SERVER_MAX_MESSAGE_LENGTH")
	_ = v.BindEnv("backend.workDir", "AGENTCHAT_BACKEND_WORK_DIR")
	_ = v.BindEnv("backend.mcpConfig", "AGENTCHAT_BACKEND_MCP_CONFIG")
	_ = v.BindEnv("backend.idleTimeout", "AGENTCHAT_BACKEND_IDLE_TIMEOUT")
	_ = v.BindEnv("tracing.endpoint", "AGENTCHAT_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.agentchat")
	}
	v.AddConfigPath("/etc/agentchat/")

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

// validate collects every configuration problem into one error.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxMessageLength <= 0 {
		errs = append(errs, "server.maxMessageLength must be positive")
	}

	switch cfg.Backend.Kind {
	case "claude", "acp":
	default:
		errs = append(errs, "backend.kind must be one of: claude, acp")
	}
	if cfg.Backend.Command == "" {
		errs = append(errs, "backend.command is required")
	}
	if cfg.Backend.InitTimeout <= 0 {
		errs = append(errs, "backend.initTimeout must be positive")
	}
	if cfg.Backend.IdleTimeout < 0 {
		errs = append(errs, "backend.idleTimeout must not be negative")
	}

	switch cfg.Database.Driver {
	case "":
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	case "postgres":
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres, or empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
