package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Workers    WorkerConfig     `mapstructure:"workers"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Webhooks   WebhookConfig    `mapstructure:"webhooks"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type RedisConfig struct {
	Hot  RedisInstanceConfig `mapstructure:"hot"`
	Warm RedisInstanceConfig `mapstructure:"warm"`
}

type RedisInstanceConfig struct {
	URL        string        `mapstructure:"url"`
	MaxRetries int           `mapstructure:"max_retries"`
	PoolSize   int           `mapstructure:"pool_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topics  struct {
		OperationEvents string `mapstructure:"operation_events"`
	} `mapstructure:"topics"`
}

type QueueConfig struct {
	PriorityLevels    int           `mapstructure:"priority_levels"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	PromoteInterval   time.Duration `mapstructure:"promote_interval"`
	PromoteBatchSize  int           `mapstructure:"promote_batch_size"`
}

type WorkerConfig struct {
	Count           int           `mapstructure:"count"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffInitial  time.Duration `mapstructure:"backoff_initial"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	ProviderPoll    time.Duration `mapstructure:"provider_poll_interval"`
	ProviderMaxWait time.Duration `mapstructure:"provider_max_wait"`
}

type ProvidersConfig struct {
	SimulatedDelay time.Duration `mapstructure:"simulated_delay"`
}

type WebhookConfig struct {
	DefaultRetries  int           `mapstructure:"default_retries"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	RegistrationTTL time.Duration `mapstructure:"registration_ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	SignatureHeader string        `mapstructure:"signature_header"`
}

type CacheConfig struct {
	ImageAnalysisTTL time.Duration `mapstructure:"image_analysis_ttl"`
	ScriptTTL        time.Duration `mapstructure:"script_ttl"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
}

type QuotaConfig struct {
	DailyLimit      int `mapstructure:"daily_limit"`
	MonthlyLimit    int `mapstructure:"monthly_limit"`
	ConcurrentLimit int `mapstructure:"concurrent_limit"`
}

type AuthConfig struct {
	JWTSecret string          `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration   `mapstructure:"token_ttl"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Default int           `mapstructure:"default"`
	Premium int           `mapstructure:"premium"`
	Window  time.Duration `mapstructure:"window"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional, continue with env vars and defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "development")

	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.max_idle_time", "15m")
	viper.SetDefault("database.max_lifetime", "1h")
	viper.SetDefault("database.connect_timeout", "10s")

	viper.SetDefault("redis.hot.max_retries", 3)
	viper.SetDefault("redis.hot.pool_size", 10)
	viper.SetDefault("redis.hot.timeout", "5s")
	viper.SetDefault("redis.warm.max_retries", 3)
	viper.SetDefault("redis.warm.pool_size", 5)
	viper.SetDefault("redis.warm.timeout", "10s")

	viper.SetDefault("kafka.topics.operation_events", "operation-events")

	viper.SetDefault("queue.priority_levels", 10)
	viper.SetDefault("queue.visibility_timeout", "10m")
	viper.SetDefault("queue.promote_interval", "2s")
	viper.SetDefault("queue.promote_batch_size", 100)

	viper.SetDefault("workers.count", 5)
	viper.SetDefault("workers.poll_interval", "1s")
	viper.SetDefault("workers.max_attempts", 3)
	viper.SetDefault("workers.backoff_initial", "2s")
	viper.SetDefault("workers.backoff_max", "5m")
	viper.SetDefault("workers.provider_poll_interval", "10s")
	viper.SetDefault("workers.provider_max_wait", "6m")

	viper.SetDefault("providers.simulated_delay", "15s")

	viper.SetDefault("webhooks.default_retries", 3)
	viper.SetDefault("webhooks.default_timeout", "10s")
	viper.SetDefault("webhooks.retry_delay", "2s")
	viper.SetDefault("webhooks.registration_ttl", "24h")
	viper.SetDefault("webhooks.sweep_interval", "1h")
	viper.SetDefault("webhooks.signature_header", "X-Briefcast-Signature")

	viper.SetDefault("cache.image_analysis_ttl", "24h")
	viper.SetDefault("cache.script_ttl", "4h")
	viper.SetDefault("cache.key_prefix", "briefcast:cache")

	viper.SetDefault("quota.daily_limit", 500)
	viper.SetDefault("quota.monthly_limit", 5000)
	viper.SetDefault("quota.concurrent_limit", 25)

	viper.SetDefault("auth.token_ttl", "24h")
	viper.SetDefault("auth.rate_limit.default", 1000)
	viper.SetDefault("auth.rate_limit.premium", 10000)
	viper.SetDefault("auth.rate_limit.window", "1h")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")

	viper.SetDefault("security.cors.allowed_origins", []string{"*"})
	viper.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	viper.SetDefault("security.cors.allowed_headers", []string{"*"})
}
