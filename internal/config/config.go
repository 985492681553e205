package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewEntitlementConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string
	Telemetry    TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Stripe    StripeConfig
	Auth      AuthConfig
	Sweep     SweepConfig
	Snowflake int64
}

// TelemetryConfig tunes logging and OpenTelemetry export.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OTLPProtocol  string
	Enabled       bool
	SamplingRatio float64
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	PortalReturn  string
	CheckoutOK    string
	CheckoutAbort string
}

type AuthConfig struct {
	JWTSecret  string
	JWTIssuer  string
	AdminToken string
}

type SweepConfig struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	Timeout     time.Duration
	LockTTL     time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	publicURL := strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:3000"), "/")

	return Config{
		AppName:      getenv("APP_SERVICE", "soldiers"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		Telemetry: TelemetryConfig{
			LogLevel:      getenv("LOG_LEVEL", "info"),
			LogFormat:     getenv("LOG_FORMAT", "json"),
			OTLPProtocol:  getenv("OTLP_PROTOCOL", "grpc"),
			Enabled:       getenvBool("TELEMETRY_ENABLED", true),
			SamplingRatio: getenvFloat("TRACE_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "soldiers"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Stripe: StripeConfig{
			SecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			Timeout:       getenvDuration("PROVIDER_TIMEOUT", 10*time.Second),
			RatePerSecond: getenvFloat("PROVIDER_RATE_PER_SECOND", 20),
			Burst:         getenvInt("PROVIDER_RATE_BURST", 20),
			PortalReturn:  getenv("STRIPE_PORTAL_RETURN_URL", publicURL+"/dashboard/billing"),
			CheckoutOK:    getenv("STRIPE_CHECKOUT_SUCCESS_URL", publicURL+"/checkout/success?session_id={CHECKOUT_SESSION_ID}"),
			CheckoutAbort: getenv("STRIPE_CHECKOUT_CANCEL_URL", publicURL+"/pricing"),
		},
		Auth: AuthConfig{
			JWTSecret:  strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
			JWTIssuer:  strings.TrimSpace(getenv("AUTH_JWT_ISSUER", "")),
			AdminToken: strings.TrimSpace(getenv("ADMIN_TOKEN", "")),
		},
		Sweep: SweepConfig{
			Enabled:     getenvBool("SWEEP_ENABLED", true),
			Interval:    getenvDuration("SWEEP_INTERVAL", 15*time.Minute),
			BatchSize:   getenvInt("SWEEP_BATCH_SIZE", 100),
			Concurrency: getenvInt("SWEEP_CONCURRENCY", 4),
			Timeout:     getenvDuration("SWEEP_TIMEOUT", 10*time.Minute),
			LockTTL:     getenvDuration("SWEEP_LOCK_TTL", 15*time.Minute),
		},
		Snowflake: getenvInt64("SNOWFLAKE_NODE", 1),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
