package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Logger   Logger   `mapstructure:"logger"`
	Database Database `mapstructure:"database"`
	Webhook  Webhook  `mapstructure:"webhook"`
	Copy     Copy     `mapstructure:"copy"`
	LP       LP       `mapstructure:"lp"`
	Resync   Resync   `mapstructure:"resync"`
	Cache    Cache    `mapstructure:"cache"`
	Redis    Redis    `mapstructure:"redis"`
	Kafka    Kafka    `mapstructure:"kafka"`
}

// Server holds the configuration for the HTTP servers.
type Server struct {
	Port   int `mapstructure:"port"`
	UIPort int `mapstructure:"ui_port"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// Webhook holds the inbound alert settings.
type Webhook struct {
	// GlobalSecret accepts unscoped signals when no strategy secret matches. Empty disables it.
	GlobalSecret string        `mapstructure:"global_secret"`
	DedupeWindow time.Duration `mapstructure:"dedupe_window"`
}

// Copy holds the fan-out and sizing configuration.
type Copy struct {
	Workers           int     `mapstructure:"workers"`
	MaxLot            float64 `mapstructure:"max_lot"`
	MaxMasterProfiles int     `mapstructure:"max_master_profiles"`
	DefaultLotStep    float64 `mapstructure:"default_lot_step"`
	DefaultMinLot     float64 `mapstructure:"default_min_lot"`
	DefaultQuantity   float64 `mapstructure:"default_quantity"`
}

// LP holds the liquidity provider connection settings.
type LP struct {
	ApiURL         string        `mapstructure:"api_url"`
	ApiKey         string        `mapstructure:"api_key"`
	ApiSecret      string        `mapstructure:"api_secret"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	SocketURL      string        `mapstructure:"socket_url"`
	PlatformKey    string        `mapstructure:"platform_key"`
	SourcePlatform string        `mapstructure:"source_platform"`
	InboundSecret  string        `mapstructure:"inbound_secret"`
	InboundKey     string        `mapstructure:"inbound_key"`
	AsyncWorkers   int           `mapstructure:"async_workers"`
}

// Configured reports whether the REST channel has everything it needs to sign requests.
func (l LP) Configured() bool {
	return l.ApiURL != "" && l.ApiKey != "" && l.ApiSecret != ""
}

// Resync holds the schedule of the reconciliation job.
type Resync struct {
	Enabled   bool   `mapstructure:"enabled"`
	Schedule  string `mapstructure:"schedule"`
	BatchSize int    `mapstructure:"batch_size"`
}

// Cache selects the price cache backend.
type Cache struct {
	Backend  string        `mapstructure:"backend"`
	PriceTTL time.Duration `mapstructure:"price_ttl"`
}

// Redis holds the redis connection used by the redis cache backend.
type Redis struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Kafka holds the event bus settings. No brokers disables the bus.
type Kafka struct {
	Brokers     []string `mapstructure:"brokers"`
	SignalTopic string   `mapstructure:"signal_topic"`
	TradeTopic  string   `mapstructure:"trade_topic"`
	GroupID     string   `mapstructure:"group_id"`
}

// Enabled reports whether at least one broker is configured.
func (k Kafka) Enabled() bool {
	return len(k.Brokers) > 0 && k.Brokers[0] != ""
}

// LoadConfig reads configuration from file or environment variables.
// A missing config file is not an error; defaults and environment still apply.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.ui_port", 8081)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("database.dsn", "file:router.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("webhook.global_secret", "")
	v.SetDefault("webhook.dedupe_window", "10m")

	v.SetDefault("copy.workers", 8)
	v.SetDefault("copy.max_lot", 100)
	v.SetDefault("copy.max_master_profiles", 5)
	v.SetDefault("copy.default_lot_step", 0.01)
	v.SetDefault("copy.default_min_lot", 0.01)
	v.SetDefault("copy.default_quantity", 1)

	v.SetDefault("lp.api_url", "")
	v.SetDefault("lp.api_key", "")
	v.SetDefault("lp.api_secret", "")
	v.SetDefault("lp.socket_url", "")
	v.SetDefault("lp.platform_key", "")
	v.SetDefault("lp.inbound_key", "")
	v.SetDefault("lp.inbound_secret", "")
	v.SetDefault("lp.timeout", "5s")
	v.SetDefault("lp.max_retries", 2)
	v.SetDefault("lp.rate_limit", 20)      // requests per second
	v.SetDefault("lp.rate_limit_burst", 5) // burst size
	v.SetDefault("lp.source_platform", "copy-signal-router")
	v.SetDefault("lp.async_workers", 4)

	v.SetDefault("resync.enabled", true)
	v.SetDefault("resync.schedule", "@every 5m")
	v.SetDefault("resync.batch_size", 500)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.price_ttl", "30s")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "router:price:")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.signal_topic", "router.signals")
	v.SetDefault("kafka.trade_topic", "ledger.trades")
	v.SetDefault("kafka.group_id", "copy-signal-router")
}
