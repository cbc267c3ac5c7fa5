package config

import (
	"fmt"
	"net/url"
	"time"

	pkgconfig "github.com/utafrali/textile-orderflow/pkg/config"
)

// Config holds all configuration for the orderflow service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"HTTP_PORT" envDefault:"8080"`

	// PostgreSQL. DATABASE_URL wins over the discrete fields when set.
	DatabaseURL  string `env:"DATABASE_URL"`
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"orderflow"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"orderflow_secret"`
	PostgresDB   string `env:"POSTGRES_DB" envDefault:"orderflow"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"2"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Redis
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisURL      string `env:"REDIS_URL"`

	// Kafka
	KafkaBrokers            []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	CallbackConsumerEnabled bool     `env:"CALLBACK_CONSUMER_ENABLED" envDefault:"false"`
	CallbackConsumerGroup   string   `env:"CALLBACK_CONSUMER_GROUP" envDefault:"orderflow-callbacks"`

	// Checkout lifecycle
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"30m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	// Catalog
	CatalogServiceURL string `env:"CATALOG_SERVICE_URL" envDefault:"http://localhost:8001"`

	// Payment gateway. GATEWAY_PROVIDER=mock runs the in-memory provider.
	GatewayProvider  string        `env:"GATEWAY_PROVIDER" envDefault:"mock"`
	GatewayBaseURL   string        `env:"GATEWAY_BASE_URL" envDefault:"https://sandbox-api.iyzipay.com"`
	GatewayAPIKey    string        `env:"GATEWAY_API_KEY"`
	GatewaySecretKey string        `env:"GATEWAY_SECRET_KEY"`
	GatewayTimeout   time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"30s"`
	GatewayCallback  string        `env:"GATEWAY_CALLBACK_URL" envDefault:"http://localhost:8080/payment/callback"`

	// Storefront redirect targets for the browser callback.
	StorefrontSuccessURL string `env:"STOREFRONT_SUCCESS_URL" envDefault:"http://localhost:3000/checkout/success"`
	StorefrontFailureURL string `env:"STOREFRONT_FAILURE_URL" envDefault:"http://localhost:3000/checkout/failure"`

	// Shipping rates; empty uses the embedded table.
	ShippingRatesFile string `env:"SHIPPING_RATES_FILE"`

	// Identity
	JWTSecret       string `env:"JWT_SECRET"`
	TrustUserHeader bool   `env:"TRUST_USER_HEADER" envDefault:"true"`

	// Circuit breaker settings for downstream calls
	CBMaxRequests  uint32  `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     int     `env:"CB_INTERVAL_SECONDS" envDefault:"60"`
	CBTimeout      int     `env:"CB_TIMEOUT_SECONDS" envDefault:"30"`
	CBFailureRatio float64 `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32  `env:"CB_MIN_REQUESTS" envDefault:"5"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000" envSeparator:","`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// Pprof debug endpoints (IP allowlist in CIDR notation)
	PprofAllowedCIDRs []string `env:"PPROF_ALLOWED_CIDRS" envDefault:"127.0.0.0/8,::1/128" envSeparator:","`

	SlowQueryThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"500"`
}

// Load reads configuration from .env (when present) and the environment.
func Load(dotenvFiles ...string) (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg, dotenvFiles...); err != nil {
		return nil, fmt.Errorf("load orderflow config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.DatabaseURL == "" && c.PostgresHost == "" {
		return fmt.Errorf("DATABASE_URL or POSTGRES_HOST is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive, got %s", c.GatewayTimeout)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}

	switch c.GatewayProvider {
	case "mock":
	case "hosted":
		if c.GatewayAPIKey == "" || c.GatewaySecretKey == "" {
			return fmt.Errorf("GATEWAY_API_KEY and GATEWAY_SECRET_KEY are required for the hosted provider")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_PROVIDER %q", c.GatewayProvider)
	}

	for name, rawURL := range map[string]string{
		"CATALOG_SERVICE_URL":    c.CatalogServiceURL,
		"GATEWAY_BASE_URL":       c.GatewayBaseURL,
		"GATEWAY_CALLBACK_URL":   c.GatewayCallback,
		"STOREFRONT_SUCCESS_URL": c.StorefrontSuccessURL,
		"STOREFRONT_FAILURE_URL": c.StorefrontFailureURL,
	} {
		if rawURL == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, rawURL, err)
		}
	}
	return nil
}

// PoolMaxConnLifetime returns the pool connection lifetime as a duration.
func (c *Config) PoolMaxConnLifetime() time.Duration {
	return time.Duration(c.DBMaxConnLifetimeMins) * time.Minute
}

// PoolMaxConnIdleTime returns the pool idle time as a duration.
func (c *Config) PoolMaxConnIdleTime() time.Duration {
	return time.Duration(c.DBMaxConnIdleTimeMins) * time.Minute
}
