// Package config loads application configuration from the environment. An
// optional .env file is read first; real environment variables win.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/iliyamo/pod-booking/internal/gateway"
	"github.com/iliyamo/pod-booking/internal/scheduler"
)

// CallbackPath is where the gateway posts payment results.
const CallbackPath = "/v1/payments/zalopay/callback"

type AppConfig struct {
	Env           string `envconfig:"APP_ENV" default:"dev"`
	Port          string `envconfig:"APP_PORT" default:"8080"`
	Timezone      string `envconfig:"APP_TIMEZONE" default:"Asia/Ho_Chi_Minh"`
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
}

type DBConfig struct {
	User        string `envconfig:"DB_USER" required:"true"`
	Pass        string `envconfig:"DB_PASS"`
	Host        string `envconfig:"DB_HOST" default:"127.0.0.1"`
	Port        string `envconfig:"DB_PORT" default:"3306"`
	Name        string `envconfig:"DB_NAME" required:"true"`
	AutoMigrate bool   `envconfig:"DB_AUTO_MIGRATE" default:"true"`
}

type JWTConfig struct {
	Secret string `envconfig:"JWT_SECRET" required:"true"`
}

type AMQPConfig struct {
	// URL empty means events are only logged.
	URL         string `envconfig:"AMQP_URL"`
	Exchange    string `envconfig:"AMQP_EXCHANGE" default:"pod.booking"`
	NotifyQueue string `envconfig:"AMQP_NOTIFY_QUEUE" default:"pod.notify"`
}

type GatewayConfig struct {
	AppID         int           `envconfig:"ZALOPAY_APP_ID" required:"true"`
	Key1          string        `envconfig:"ZALOPAY_KEY1" required:"true"`
	Key2          string        `envconfig:"ZALOPAY_KEY2" required:"true"`
	CreateURL     string        `envconfig:"ZALOPAY_CREATE_URL" default:"https://sb-openapi.zalopay.vn/v2/create"`
	QueryURL      string        `envconfig:"ZALOPAY_QUERY_URL" default:"https://sb-openapi.zalopay.vn/v2/query"`
	ExpireSeconds int           `envconfig:"ZALOPAY_EXPIRE_SECONDS" default:"900"`
	BankCode      string        `envconfig:"ZALOPAY_BANK_CODE"`
	Timeout       time.Duration `envconfig:"ZALOPAY_TIMEOUT" default:"15s"`
	QPS           float64       `envconfig:"ZALOPAY_QPS" default:"10"`
}

type WatcherConfig struct {
	Expiry             time.Duration `envconfig:"WATCHER_EXPIRY" default:"5m"`
	BookingInterval    time.Duration `envconfig:"WATCHER_BOOKING_INTERVAL" default:"1s"`
	PaymentInterval    time.Duration `envconfig:"WATCHER_PAYMENT_INTERVAL" default:"1s"`
	PaymentMaxInterval time.Duration `envconfig:"WATCHER_PAYMENT_MAX_INTERVAL" default:"16s"`
	ResumeSpec         string        `envconfig:"WATCHER_RESUME_SPEC" default:"@every 1m"`
}

// Config holds all runtime configuration values.
type Config struct {
	App       AppConfig
	DB        DBConfig
	JWT       JWTConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	AMQP      AMQPConfig
	Gateway   GatewayConfig
	Watcher   WatcherConfig

	// Location is App.Timezone resolved.
	Location *time.Location
}

// Load reads .env (if present) and the environment. A missing required
// variable or an unparsable value is an error.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv is Load without the .env file.
func FromEnv() (Config, error) {
	var c Config
	sections := []interface{}{
		&c.App, &c.DB, &c.JWT, &c.Redis, &c.RateLimit, &c.Cache, &c.AMQP, &c.Gateway, &c.Watcher,
	}
	for _, s := range sections {
		if err := envconfig.Process("", s); err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}

	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return Config{}, fmt.Errorf("config: APP_TIMEZONE: %w", err)
	}
	c.Location = loc
	c.RateLimit.normalize()
	c.Cache.normalize()
	return c, nil
}

// GatewayClientConfig is the gateway client's view of the configuration.
func (c Config) GatewayClientConfig() gateway.Config {
	return gateway.Config{
		AppID:         c.Gateway.AppID,
		Key1:          c.Gateway.Key1,
		Key2:          c.Gateway.Key2,
		CreateURL:     c.Gateway.CreateURL,
		QueryURL:      c.Gateway.QueryURL,
		CallbackURL:   strings.TrimRight(c.App.PublicBaseURL, "/") + CallbackPath,
		BankCode:      c.Gateway.BankCode,
		ExpireSeconds: c.Gateway.ExpireSeconds,
		Timeout:       c.Gateway.Timeout,
		Location:      c.Location,
	}
}

// SchedulerConfig is the watchers' view of the configuration.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Expiry:             c.Watcher.Expiry,
		BookingInterval:    c.Watcher.BookingInterval,
		PaymentInterval:    c.Watcher.PaymentInterval,
		PaymentMaxInterval: c.Watcher.PaymentMaxInterval,
		QueryQPS:           c.Gateway.QPS,
	}
}
