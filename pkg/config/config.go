package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"
)

// Config carries every runtime setting for the API server.
type Config struct {
	Server    ServerConfig
	Engine    EngineConfig
	Files     FilesConfig
	Stream    StreamConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"PORT" envDefault:"8000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Addr renders the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EngineConfig selects and tunes the provisioning tool driver.
type EngineConfig struct {
	Driver           string        `env:"ENGINE_DRIVER" envDefault:"pulumi"`
	Binary           string        `env:"ENGINE_BINARY" envDefault:"pulumi"`
	WorkDir          string        `env:"ENGINE_WORKDIR" envDefault:"./infra"`
	EnvFile          string        `env:"ENGINE_ENV_FILE"`
	StopGracePeriod  time.Duration `env:"ENGINE_STOP_GRACE" envDefault:"15s"`
	OperationTimeout time.Duration `env:"ENGINE_OPERATION_TIMEOUT" envDefault:"30m"`
	SimStepDelay     time.Duration `env:"SIM_STEP_DELAY" envDefault:"500ms"`
}

// FilesConfig bounds the workspace file service.
type FilesConfig struct {
	Root      string `env:"FILES_ROOT" envDefault:"./infra"`
	MaxSizeKB int    `env:"FILES_MAX_SIZE_KB" envDefault:"512"`
}

// StreamConfig tunes the event bus and websocket gateway.
type StreamConfig struct {
	HeartbeatInterval time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"30s"`
	WriteTimeout      time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	SubscriberBuffer  int           `env:"EVENT_BUFFER_SIZE" envDefault:"64"`
	HistoryLimit      int           `env:"DEPLOYMENT_HISTORY_LIMIT" envDefault:"50"`
}

// RateLimitConfig controls API request throttling.
type RateLimitConfig struct {
	Requests  int           `env:"RATE_LIMIT_REQUESTS" envDefault:"120"`
	Window    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	RedisAddr string        `env:"REDIS_ADDR"`
	RedisPass string        `env:"REDIS_PASSWORD"`
	RedisDB   int           `env:"REDIS_DB" envDefault:"0"`
}

// LogConfig selects log verbosity and output format.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks constraints the env tags cannot express.
func (c Config) Validate() error {
	switch c.Engine.Driver {
	case "pulumi", "sim":
	default:
		return fmt.Errorf("unknown engine driver %q", c.Engine.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Stream.SubscriberBuffer <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", c.Stream.SubscriberBuffer)
	}
	if c.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.Stream.HeartbeatInterval)
	}
	if c.Files.MaxSizeKB <= 0 {
		return fmt.Errorf("file size limit must be positive, got %d", c.Files.MaxSizeKB)
	}
	return nil
}
