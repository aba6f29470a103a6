// Package config loads server configuration from defaults, an optional YAML
// file and DBCAST_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override, e.g.
// DBCAST_AUTH_JWTSECRET.
const EnvPrefix = "DBCAST"

// Config holds application-wide configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listenAddr"`
	CORSOrigin      string        `mapstructure:"corsOrigin"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	Environment     string        `mapstructure:"environment"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwtSecret"`
	TokenTTL  time.Duration `mapstructure:"tokenTTL"`
}

// RateLimitConfig configures the per-subject limiter. MaxRequests is the
// general per-window budget reported by the status endpoints; the subscribe
// and publish limits are what the dispatcher enforces.
type RateLimitConfig struct {
	Window         time.Duration `mapstructure:"window"`
	MaxRequests    int           `mapstructure:"maxRequests"`
	SubscribeLimit int           `mapstructure:"subscribeLimit"`
	PublishLimit   int           `mapstructure:"publishLimit"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"pingInterval"`
	PongWait     time.Duration `mapstructure:"pongWait"`
	WriteWait    time.Duration `mapstructure:"writeWait"`
	ReadLimit    int64         `mapstructure:"readLimit"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

type IngestConfig struct {
	NATS     NATSConfig     `mapstructure:"nats"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

type PostgresConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	ConnString string        `mapstructure:"connString"`
	Channel    string        `mapstructure:"channel"`
	MaxBackoff time.Duration `mapstructure:"maxBackoff"`
}

type GRPCConfig struct {
	HealthAddr string `mapstructure:"healthAddr"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var (
	ErrMissingListenAddr = errors.New("server.listenAddr is required")
	ErrMissingJWTSecret  = errors.New("auth.jwtSecret is required")
	ErrInvalidTokenTTL   = errors.New("auth.tokenTTL must be positive")
	ErrInvalidWindow     = errors.New("rateLimit.window must be positive")
	ErrInvalidLimit      = errors.New("rate limits must be positive")
	ErrInvalidHeartbeat  = errors.New("websocket.pingInterval must be shorter than websocket.pongWait")
	ErrMissingNATSURL    = errors.New("ingest.nats.url is required when nats ingest is enabled")
	ErrMissingPGConn     = errors.New("ingest.postgres.connString is required when postgres ingest is enabled")
)

// setDefaults registers every key so that environment overrides apply even
// when no config file mentions them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listenAddr", ":3000")
	v.SetDefault("server.corsOrigin", "http://localhost:3000")
	v.SetDefault("server.shutdownTimeout", 30*time.Second)
	v.SetDefault("server.environment", "development")

	v.SetDefault("auth.jwtSecret", "secret_key")
	v.SetDefault("auth.tokenTTL", 24*time.Hour)

	v.SetDefault("rateLimit.window", 60*time.Second)
	v.SetDefault("rateLimit.maxRequests", 100)
	v.SetDefault("rateLimit.subscribeLimit", 10)
	v.SetDefault("rateLimit.publishLimit", 5)

	v.SetDefault("websocket.pingInterval", 25*time.Second)
	v.SetDefault("websocket.pongWait", 60*time.Second)
	v.SetDefault("websocket.writeWait", 10*time.Second)
	v.SetDefault("websocket.readLimit", 1<<20)
	v.SetDefault("websocket.sendBuffer", 256)

	v.SetDefault("ingest.nats.enabled", false)
	v.SetDefault("ingest.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("ingest.nats.subject", "dbcast.changes")
	v.SetDefault("ingest.nats.queue", "")
	v.SetDefault("ingest.postgres.enabled", false)
	v.SetDefault("ingest.postgres.connString", "")
	v.SetDefault("ingest.postgres.channel", "db_changes")
	v.SetDefault("ingest.postgres.maxBackoff", 30*time.Second)

	v.SetDefault("grpc.healthAddr", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads config from file or environment. With an empty cfgFile it
// looks for dbcast.yaml in ~/.config and the working directory and carries on
// with defaults when none exists.
func Load(cfgFile string) (*Config, error) {
	v := newViper()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("dbcast")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return ErrMissingListenAddr
	}
	if c.Auth.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if c.Auth.TokenTTL <= 0 {
		return ErrInvalidTokenTTL
	}
	if c.RateLimit.Window <= 0 {
		return ErrInvalidWindow
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.SubscribeLimit <= 0 || c.RateLimit.PublishLimit <= 0 {
		return ErrInvalidLimit
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return ErrInvalidHeartbeat
	}
	if c.Ingest.NATS.Enabled && c.Ingest.NATS.URL == "" {
		return ErrMissingNATSURL
	}
	if c.Ingest.Postgres.Enabled && c.Ingest.Postgres.ConnString == "" {
		return ErrMissingPGConn
	}
	return nil
}
