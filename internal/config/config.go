package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPPort        string        `yaml:"http_port"`
	GRPCPort        string        `yaml:"grpc_port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`

	StoreDriver string   `yaml:"store_driver"` // postgres | memory
	CartStore   string   `yaml:"cart_store"`   // postgres | mongo | memory
	DB          Database `yaml:"db"`

	MongoURI    string `yaml:"mongo_uri"`
	MongoDBName string `yaml:"mongo_db_name"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	CartCacheTTL  time.Duration `yaml:"cart_cache_ttl"`

	KafkaBrokers []string `yaml:"kafka_brokers"`

	CatalogDBPath         string `yaml:"catalog_db_path"`
	CatalogMigrationsPath string `yaml:"catalog_migrations_path"`

	Processor           string `yaml:"processor"` // stripe | fake
	StripeSecretKey     string `yaml:"stripe_secret_key"`
	StripeWebhookSecret string `yaml:"stripe_webhook_secret"`
	Domain              string `yaml:"domain"`

	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SweepGrace       time.Duration `yaml:"sweep_grace"`
	ActivationTTL    time.Duration `yaml:"activation_ttl"`
	PasswordResetTTL time.Duration `yaml:"password_reset_ttl"`
	RefreshTTL       time.Duration `yaml:"refresh_ttl"`
	MaxActiveRefresh int           `yaml:"max_active_refresh"`

	DispatchWorkers     int           `yaml:"dispatch_workers"`
	CheckoutMaxAttempts int           `yaml:"checkout_max_attempts"`
	CheckoutBaseDelay   time.Duration `yaml:"checkout_base_delay"`
	OutboxInterval      time.Duration `yaml:"outbox_interval"`
}

type Database struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Name           string `yaml:"name"`
	MigrationsPath string `yaml:"migrations_path"`
}

func Default() *Config {
	return &Config{
		HTTPPort:        "8080",
		GRPCPort:        "50051",
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",

		StoreDriver: "postgres",
		CartStore:   "postgres",
		DB: Database{
			Host:           "localhost",
			Port:           5432,
			User:           "postgres",
			Password:       "postgres",
			Name:           "cinema",
			MigrationsPath: "internal/repository/migrations",
		},

		MongoURI:    "mongodb://localhost:27017",
		MongoDBName: "cinema",

		CartCacheTTL: 15 * time.Minute,

		CatalogDBPath:         "catalog.db",
		CatalogMigrationsPath: "internal/catalog/migrations",

		Processor: "fake",
		Domain:    "http://localhost:8080",

		SweepInterval:    time.Hour,
		SweepGrace:       time.Minute,
		ActivationTTL:    24 * time.Hour,
		PasswordResetTTL: time.Hour,
		RefreshTTL:       7 * 24 * time.Hour,
		MaxActiveRefresh: 5,

		DispatchWorkers:     8,
		CheckoutMaxAttempts: 4,
		CheckoutBaseDelay:   100 * time.Millisecond,
		OutboxInterval:      time.Second,
	}
}

// Load starts from defaults, applies the YAML file named by CONFIG_FILE when
// present, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	dur := func(key string, def time.Duration) time.Duration {
		d, err := getDuration(key, def)
		errs = append(errs, err)
		return d
	}
	num := func(key string, def int) int {
		n, err := getInt(key, def)
		errs = append(errs, err)
		return n
	}

	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.GRPCPort = getEnv("GRPC_PORT", c.GRPCPort)
	c.RequestTimeout = dur("REQUEST_TIMEOUT", c.RequestTimeout)
	c.ShutdownTimeout = dur("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.CartStore = getEnv("CART_STORE", c.CartStore)
	c.DB.Host = getEnv("DB_HOST", c.DB.Host)
	c.DB.Port = num("DB_PORT", c.DB.Port)
	c.DB.User = getEnv("DB_USER", c.DB.User)
	c.DB.Password = getEnv("DB_PASSWORD", c.DB.Password)
	c.DB.Name = getEnv("DB_NAME", c.DB.Name)
	c.DB.MigrationsPath = getEnv("MIGRATIONS_PATH", c.DB.MigrationsPath)

	c.MongoURI = getEnv("MONGO_URI", c.MongoURI)
	c.MongoDBName = getEnv("MONGO_DB_NAME", c.MongoDBName)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.CartCacheTTL = dur("CART_CACHE_TTL", c.CartCacheTTL)

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.KafkaBrokers = strings.Split(brokers, ",")
	}

	c.CatalogDBPath = getEnv("CATALOG_DB_PATH", c.CatalogDBPath)
	c.CatalogMigrationsPath = getEnv("CATALOG_MIGRATIONS_PATH", c.CatalogMigrationsPath)

	c.Processor = getEnv("PROCESSOR", c.Processor)
	c.StripeSecretKey = getEnv("STRIPE_SECRET_KEY", c.StripeSecretKey)
	c.StripeWebhookSecret = getEnv("STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret)
	c.Domain = getEnv("DOMAIN", c.Domain)

	c.SweepInterval = dur("SWEEP_INTERVAL", c.SweepInterval)
	c.SweepGrace = dur("SWEEP_GRACE", c.SweepGrace)
	c.ActivationTTL = dur("ACTIVATION_TTL", c.ActivationTTL)
	c.PasswordResetTTL = dur("PASSWORD_RESET_TTL", c.PasswordResetTTL)
	c.RefreshTTL = dur("REFRESH_TTL", c.RefreshTTL)
	c.MaxActiveRefresh = num("MAX_ACTIVE_REFRESH", c.MaxActiveRefresh)

	c.DispatchWorkers = num("DISPATCH_WORKERS", c.DispatchWorkers)
	c.CheckoutMaxAttempts = num("CHECKOUT_MAX_ATTEMPTS", c.CheckoutMaxAttempts)
	c.CheckoutBaseDelay = dur("CHECKOUT_BASE_DELAY", c.CheckoutBaseDelay)
	c.OutboxInterval = dur("OUTBOX_INTERVAL", c.OutboxInterval)

	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error
	if c.StoreDriver != "postgres" && c.StoreDriver != "memory" {
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	switch c.CartStore {
	case "postgres", "mongo", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown CART_STORE %q", c.CartStore))
	}
	if c.CartStore == "postgres" && c.StoreDriver != "postgres" {
		errs = append(errs, errors.New("CART_STORE=postgres requires STORE_DRIVER=postgres"))
	}
	if c.Processor != "stripe" && c.Processor != "fake" {
		errs = append(errs, fmt.Errorf("unknown PROCESSOR %q", c.Processor))
	}
	if c.Processor == "stripe" && (c.StripeSecretKey == "" || c.StripeWebhookSecret == "") {
		errs = append(errs, errors.New("PROCESSOR=stripe requires STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.SweepGrace < 0 {
		errs = append(errs, errors.New("SWEEP_GRACE must not be negative"))
	}
	if c.ActivationTTL <= 0 || c.PasswordResetTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.MaxActiveRefresh < 1 {
		errs = append(errs, errors.New("MAX_ACTIVE_REFRESH must be at least 1"))
	}
	if c.DispatchWorkers < 1 {
		errs = append(errs, errors.New("DISPATCH_WORKERS must be at least 1"))
	}
	if c.CheckoutMaxAttempts < 1 {
		errs = append(errs, errors.New("CHECKOUT_MAX_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
