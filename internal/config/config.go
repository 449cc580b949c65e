// Package config содержит логику чтения конфигурации сервиса выкупа.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Драйверы хранилища.
const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config содержит параметры конфигурации сервиса выкупа.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	StoreDriver   string `env:"STORE_DRIVER"`
	DatabaseURI   string `env:"DATABASE_URI"`
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"redemption"`

	ShopifyBaseURL     string        `env:"SHOPIFY_BASE_URL"`
	ShopifyToken       string        `env:"SHOPIFY_API_KEY"`
	ShopifyAPIVersion  string        `env:"SHOPIFY_API_VERSION" envDefault:"2021-04"`
	ShopifyReadRetries int           `env:"SHOPIFY_READ_RETRIES" envDefault:"2"`
	CommerceTimeout    time.Duration `env:"COMMERCE_TIMEOUT" envDefault:"10s"`
	VariantID          int64         `env:"VARIANT_ID"`

	EthRPCURL        string `env:"ETH_RPC_URL"`
	TokenAddress     string `env:"BURN_TOKEN_ADDRESS" envDefault:"0x19c40ac926DE7276fa69b85dfa35771CA2144bEa"`
	TokenDecimals    uint8  `env:"TOKEN_DECIMALS" envDefault:"18"`
	MinConfirmations uint64 `env:"BURN_MIN_CONFIRMATIONS" envDefault:"1"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB"`
	BurnClaimTTL  time.Duration `env:"BURN_CLAIM_TTL" envDefault:"24h"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"redemption.reconciliation"`

	SubmissionMaxAge      time.Duration `env:"SUBMISSION_MAX_AGE"`
	CustomerClaimTTL      time.Duration `env:"CUSTOMER_CLAIM_TTL" envDefault:"2m"`
	OrderClaimTTL         time.Duration `env:"ORDER_CLAIM_TTL" envDefault:"2m"`
	StatusRefreshInterval time.Duration `env:"STATUS_REFRESH_INTERVAL" envDefault:"1m"`

	MetricsToken string `env:"METRICS_TOKEN"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := loadDotEnv(os.Getenv("ENV_FILE")); err != nil {
		return nil, err
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envStoreDriver := cfg.StoreDriver
	envDatabaseURI := cfg.DatabaseURI
	envShopifyBaseURL := cfg.ShopifyBaseURL
	envEthRPCURL := cfg.EthRPCURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.StoreDriver, "s", StorePostgres, "store driver: postgres or mongo")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ShopifyBaseURL, "shop", "", "shopify store base URL")
	flag.StringVar(&cfg.EthRPCURL, "rpc", "", "ethereum JSON-RPC URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envStoreDriver != "" {
		cfg.StoreDriver = envStoreDriver
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envShopifyBaseURL != "" {
		cfg.ShopifyBaseURL = envShopifyBaseURL
	}
	if envEthRPCURL != "" {
		cfg.EthRPCURL = envEthRPCURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = StorePostgres
	}

	return cfg, nil
}

// loadDotEnv подгружает переменные из файла, не перекрывая уже заданные.
// Отсутствие файла ошибкой не считается.
func loadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Validate проверяет параметры, без которых сервис не может работать.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURI == "" {
			errs = append(errs, errors.New("DATABASE_URI is required for postgres store"))
		}
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for mongo store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}

	if c.ShopifyBaseURL == "" || c.ShopifyToken == "" {
		errs = append(errs, errors.New("SHOPIFY_BASE_URL and SHOPIFY_API_KEY are required"))
	}
	if c.VariantID <= 0 {
		errs = append(errs, errors.New("VARIANT_ID must be positive"))
	}
	if c.EthRPCURL == "" {
		errs = append(errs, errors.New("ETH_RPC_URL is required"))
	}
	if !common.IsHexAddress(c.TokenAddress) {
		errs = append(errs, fmt.Errorf("BURN_TOKEN_ADDRESS %q is not an address", c.TokenAddress))
	}
	if c.SubmissionMaxAge < 0 {
		errs = append(errs, errors.New("SUBMISSION_MAX_AGE must not be negative"))
	}

	return errors.Join(errs...)
}
