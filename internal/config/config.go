// Package config loads service settings from the environment and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/retry"
)

// Delivery holds the provider credentials. It is read once at startup.
type Delivery struct {
	BotToken   string
	ChatID     string
	ParseMode  string
	APIBaseURL string
}

// Valid reports whether both credentials are present.
func (d Delivery) Valid() bool {
	return strings.TrimSpace(d.BotToken) != "" && strings.TrimSpace(d.ChatID) != ""
}

type RateLimit struct {
	Backend       string
	MaxRequests   int
	Window        time.Duration
	SweepInterval time.Duration
	RedisURL      string
}

type Provider struct {
	SendTimeout  time.Duration
	CheckTimeout time.Duration
	// ProbeTimeout bounds the readiness check against the provider.
	ProbeTimeout time.Duration
	Rate         float64
	Burst        int
}

type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// Enabled reports whether enough is set to send mail.
func (s SMTP) Enabled() bool {
	return s.Host != "" && s.To != ""
}

type Fallback struct {
	DatabaseURL  string
	KafkaBrokers []string
	KafkaTopic   string
	SMTP         SMTP
	ContactEmail string
	Timeout      time.Duration
}

type Redelivery struct {
	// Addr serves health and metrics for the redelivery worker.
	Addr         string
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

type Config struct {
	Addr        string
	LogLevel    string
	Timezone    string
	CORSOrigins []string

	Delivery   Delivery
	RateLimit  RateLimit
	Retry      retry.Policy
	Provider   Provider
	Fallback   Fallback
	Redelivery Redelivery
}

var (
	errInvalidBackend = errors.New("RATE_LIMIT_BACKEND must be memory or redis")
	errMissingRedis   = errors.New("REDIS_URL is required for the redis rate limit backend")
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("timezone", "Local")
	v.SetDefault("cors_allowed_origins", "*")

	v.SetDefault("telegram_api_url", "https://api.telegram.org")
	v.SetDefault("telegram_parse_mode", "Markdown")

	v.SetDefault("rate_limit_backend", "memory")
	v.SetDefault("rate_limit_max_requests", 10)
	v.SetDefault("rate_limit_window", "60s")
	v.SetDefault("rate_limit_sweep_interval", "5m")

	def := retry.DefaultPolicy()
	v.SetDefault("retry_max_retries", def.MaxRetries)
	v.SetDefault("retry_base_delay", def.BaseDelay)
	v.SetDefault("retry_max_delay", def.MaxDelay)
	v.SetDefault("retry_multiplier", def.Multiplier)

	v.SetDefault("send_timeout", "20s")
	v.SetDefault("check_timeout", "15s")
	v.SetDefault("provider_probe_timeout", "3s")
	v.SetDefault("provider_rate", 1.0)
	v.SetDefault("provider_burst", 3)

	v.SetDefault("kafka_topic", "contact.delivery_failed")
	v.SetDefault("smtp_port", 587)
	v.SetDefault("fallback_timeout", "10s")

	v.SetDefault("redelivery_addr", ":8081")
	v.SetDefault("redelivery_poll_interval", "30s")
	v.SetDefault("redelivery_batch_size", 10)
	v.SetDefault("redelivery_max_attempts", 5)
	v.SetDefault("redelivery_base_delay", "1m")
	v.SetDefault("redelivery_max_delay", "1h")
}

// Load reads settings from the environment. If CONFIG_FILE is set, that file
// is read first and environment variables override it.
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom is Load over a caller-provided viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		Addr:        v.GetString("addr"),
		LogLevel:    v.GetString("log_level"),
		Timezone:    v.GetString("timezone"),
		CORSOrigins: splitList(v.GetString("cors_allowed_origins")),
		Delivery: Delivery{
			BotToken:   strings.TrimSpace(v.GetString("telegram_bot_token")),
			ChatID:     strings.TrimSpace(v.GetString("telegram_chat_id")),
			ParseMode:  v.GetString("telegram_parse_mode"),
			APIBaseURL: v.GetString("telegram_api_url"),
		},
		RateLimit: RateLimit{
			Backend:       strings.ToLower(v.GetString("rate_limit_backend")),
			MaxRequests:   v.GetInt("rate_limit_max_requests"),
			Window:        v.GetDuration("rate_limit_window"),
			SweepInterval: v.GetDuration("rate_limit_sweep_interval"),
			RedisURL:      v.GetString("redis_url"),
		},
		Retry: retry.Policy{
			MaxRetries: v.GetInt("retry_max_retries"),
			BaseDelay:  v.GetDuration("retry_base_delay"),
			MaxDelay:   v.GetDuration("retry_max_delay"),
			Multiplier: v.GetFloat64("retry_multiplier"),
		},
		Provider: Provider{
			SendTimeout:  v.GetDuration("send_timeout"),
			CheckTimeout: v.GetDuration("check_timeout"),
			ProbeTimeout: v.GetDuration("provider_probe_timeout"),
			Rate:         v.GetFloat64("provider_rate"),
			Burst:        v.GetInt("provider_burst"),
		},
		Fallback: Fallback{
			DatabaseURL:  v.GetString("database_url"),
			KafkaBrokers: splitList(v.GetString("kafka_brokers")),
			KafkaTopic:   v.GetString("kafka_topic"),
			SMTP: SMTP{
				Host:     v.GetString("smtp_host"),
				Port:     v.GetInt("smtp_port"),
				Username: v.GetString("smtp_username"),
				Password: v.GetString("smtp_password"),
				From:     v.GetString("smtp_from"),
				To:       v.GetString("smtp_to"),
			},
			ContactEmail: v.GetString("fallback_email"),
			Timeout:      v.GetDuration("fallback_timeout"),
		},
		Redelivery: Redelivery{
			Addr:         v.GetString("redelivery_addr"),
			PollInterval: v.GetDuration("redelivery_poll_interval"),
			BatchSize:    v.GetInt("redelivery_batch_size"),
			MaxAttempts:  v.GetInt("redelivery_max_attempts"),
			BaseDelay:    v.GetDuration("redelivery_base_delay"),
			MaxDelay:     v.GetDuration("redelivery_max_delay"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks structural settings. Missing delivery credentials are not
// an error here: the service starts and reports CONFIGURATION_MISSING per call.
func (c *Config) validate() error {
	var errs []error
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			errs = append(errs, errMissingRedis)
		}
	default:
		errs = append(errs, errInvalidBackend)
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry policy: %w", err))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, falling back to the process local zone.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
