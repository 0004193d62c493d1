package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	JWT      JWTConfig
	Upstream UpstreamConfig
	Bridge   BridgeConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Log      LogConfig
}

var (
	ConfigInstance *Config
	once           sync.Once
	loadErr        error
)

type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type JWTConfig struct {
	Secret    string
	UserClaim string
	Issuer    string
}

// UpstreamConfig describes the backend messaging service every bridge session dials.
type UpstreamConfig struct {
	URL         string
	UserHeader  string
	DialTimeout time.Duration
}

type BridgeConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
	EventBuffer    int
}

type RedisConfig struct {
	URI              string
	RateLimitConnect int
	RateLimitWindow  time.Duration
	EventsChannel    string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type LogConfig struct {
	Level  string
	Format string
}

// Address returns the host:port pair the HTTP server listens on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// LoadConfig loads the process configuration once and returns the shared instance.
func LoadConfig() (*Config, error) {
	once.Do(func() {
		// Load .env file
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found, using environment variables")
		}
		ConfigInstance, loadErr = Load()
	})

	return ConfigInstance, loadErr
}

// Load reads configuration from the environment on every call.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("GATEWAY_PORT", "8080")
	v.SetDefault("GATEWAY_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("GATEWAY_WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("GATEWAY_IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GATEWAY_SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("JWT_SECRET", "secret")
	v.SetDefault("JWT_USER_CLAIM", "user_id")
	v.SetDefault("UPSTREAM_URL", "ws://127.0.0.1:9000/ws")
	v.SetDefault("UPSTREAM_USER_HEADER", "X-User-ID")
	v.SetDefault("UPSTREAM_DIAL_TIMEOUT", 10*time.Second)
	v.SetDefault("BRIDGE_WRITE_WAIT", 10*time.Second)
	v.SetDefault("BRIDGE_PONG_WAIT", 60*time.Second)
	v.SetDefault("BRIDGE_MAX_MESSAGE_SIZE", 64*1024)
	v.SetDefault("BRIDGE_SEND_BUFFER", 256)
	v.SetDefault("BRIDGE_EVENT_BUFFER", 1024)
	v.SetDefault("RATE_LIMIT_CONNECTS", 30)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)
	v.SetDefault("EVENTS_REDIS_CHANNEL", "gateway:events")
	v.SetDefault("KAFKA_TOPIC", "gateway.lifecycle")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("GATEWAY_HOST"),
			Port:            v.GetString("GATEWAY_PORT"),
			ReadTimeout:     v.GetDuration("GATEWAY_READ_TIMEOUT"),
			WriteTimeout:    v.GetDuration("GATEWAY_WRITE_TIMEOUT"),
			IdleTimeout:     v.GetDuration("GATEWAY_IDLE_TIMEOUT"),
			ShutdownTimeout: v.GetDuration("GATEWAY_SHUTDOWN_TIMEOUT"),
			AllowedOrigins:  splitList(v.GetString("GATEWAY_ALLOWED_ORIGINS")),
		},
		JWT: JWTConfig{
			Secret:    v.GetString("JWT_SECRET"),
			UserClaim: v.GetString("JWT_USER_CLAIM"),
			Issuer:    v.GetString("JWT_ISSUER"),
		},
		Upstream: UpstreamConfig{
			URL:         v.GetString("UPSTREAM_URL"),
			UserHeader:  v.GetString("UPSTREAM_USER_HEADER"),
			DialTimeout: v.GetDuration("UPSTREAM_DIAL_TIMEOUT"),
		},
		Bridge: BridgeConfig{
			WriteWait:      v.GetDuration("BRIDGE_WRITE_WAIT"),
			PongWait:       v.GetDuration("BRIDGE_PONG_WAIT"),
			MaxMessageSize: v.GetInt64("BRIDGE_MAX_MESSAGE_SIZE"),
			SendBuffer:     v.GetInt("BRIDGE_SEND_BUFFER"),
			EventBuffer:    v.GetInt("BRIDGE_EVENT_BUFFER"),
		},
		Redis: RedisConfig{
			URI:              v.GetString("REDIS_URL"),
			RateLimitConnect: v.GetInt("RATE_LIMIT_CONNECTS"),
			RateLimitWindow:  v.GetDuration("RATE_LIMIT_WINDOW"),
			EventsChannel:    v.GetString("EVENTS_REDIS_CHANNEL"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Upstream.URL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("UPSTREAM_URL: %w", err))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Errorf("UPSTREAM_URL: scheme must be ws or wss, got %q", u.Scheme))
	}
	if strings.TrimSpace(c.Upstream.UserHeader) == "" {
		errs = append(errs, errors.New("UPSTREAM_USER_HEADER must not be empty"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET must not be empty"))
	}

	positive := map[string]time.Duration{
		"UPSTREAM_DIAL_TIMEOUT":    c.Upstream.DialTimeout,
		"BRIDGE_WRITE_WAIT":        c.Bridge.WriteWait,
		"BRIDGE_PONG_WAIT":         c.Bridge.PongWait,
		"GATEWAY_SHUTDOWN_TIMEOUT": c.Server.ShutdownTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Bridge.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("BRIDGE_MAX_MESSAGE_SIZE must be positive, got %d", c.Bridge.MaxMessageSize))
	}
	if c.Bridge.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("BRIDGE_SEND_BUFFER must be positive, got %d", c.Bridge.SendBuffer))
	}
	if c.Redis.URI != "" && (c.Redis.RateLimitConnect <= 0 || c.Redis.RateLimitWindow <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_CONNECTS and RATE_LIMIT_WINDOW must be positive when REDIS_URL is set"))
	}

	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
