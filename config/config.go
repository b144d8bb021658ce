package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	RequireAuth    bool
	LogVerbosity   int
	Redis          RedisConfig
	Signaling      SignalingConfig
	Reports        ReportsConfig
}

type RedisConfig struct {
	Enabled      bool
	Host         string
	Port         string
	Password     string
	DB           int
	PresenceTTL  time.Duration
	EventsStream string
}

// SignalingConfig tunes the per-connection behavior of the relay.
type SignalingConfig struct {
	RateLimitPerSecond float64
	RateLimitBurst     int64
	APIRateLimit       float64
	SendBuffer         int
}

type ReportsConfig struct {
	DSN string
}

// Load reads configuration from the environment and, when CONFIG_FILE is
// set, from that file. Environment variables win over file values.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	// Parse allowed origins (comma-separated)
	var origins []string
	for _, o := range strings.Split(v.GetString("ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	cfg := &Config{
		Port:           v.GetString("PORT"),
		Environment:    v.GetString("ENVIRONMENT"),
		AllowedOrigins: origins,
		JWTSecret:      v.GetString("JWT_SECRET"),
		RequireAuth:    v.GetBool("REQUIRE_AUTH"),
		LogVerbosity:   v.GetInt("LOG_VERBOSITY"),
		Redis: RedisConfig{
			Enabled:      v.GetBool("REDIS_ENABLED"),
			Host:         v.GetString("REDIS_HOST"),
			Port:         v.GetString("REDIS_PORT"),
			Password:     v.GetString("REDIS_PASSWORD"),
			DB:           v.GetInt("REDIS_DB"),
			PresenceTTL:  v.GetDuration("PRESENCE_TTL"),
			EventsStream: v.GetString("EVENTS_STREAM"),
		},
		Signaling: SignalingConfig{
			RateLimitPerSecond: v.GetFloat64("RATE_LIMIT_PER_SECOND"),
			RateLimitBurst:     v.GetInt64("RATE_LIMIT_BURST"),
			APIRateLimit:       v.GetFloat64("API_RATE_LIMIT"),
			SendBuffer:         v.GetInt("SEND_BUFFER"),
		},
		Reports: ReportsConfig{
			DSN: v.GetString("REPORTS_DSN"),
		},
	}

	if cfg.Environment == "production" && cfg.JWTSecret == defaultJWTSecret {
		return nil, fmt.Errorf("JWT_SECRET must be set in production")
	}
	if cfg.Signaling.SendBuffer <= 0 {
		return nil, fmt.Errorf("SEND_BUFFER must be positive, got %d", cfg.Signaling.SendBuffer)
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Addr returns host:port for the Redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

const defaultJWTSecret = "change-me-in-production"

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("REQUIRE_AUTH", false)
	v.SetDefault("LOG_VERBOSITY", 0)

	v.SetDefault("REDIS_ENABLED", true)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("PRESENCE_TTL", 24*time.Hour)
	v.SetDefault("EVENTS_STREAM", "calls:ended")

	v.SetDefault("RATE_LIMIT_PER_SECOND", 50.0)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("API_RATE_LIMIT", 100.0)
	v.SetDefault("SEND_BUFFER", 256)

	v.SetDefault("REPORTS_DSN", "sqlite://data/reports.sqlite")
}
