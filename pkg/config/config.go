package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Dispatch  DispatchConfig
	Scheduler SchedulerConfig
	Pricing   PricingConfig
	Tracing   TracingConfig
	Sentry    SentryConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port           string
	Environment    string
	ServiceName    string
	Version        string
	ReadTimeout    int
	WriteTimeout   int
	RequestTimeout int
	CORSOrigins    string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host          string
	Port          string
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MaxConns      int
	MinConns      int
	RunMigrations bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NATSConfig holds the event bus connection settings
type NATSConfig struct {
	URL        string
	StreamName string
	Enabled    bool
}

// DispatchConfig controls offer locks and the expiry sweeper
type DispatchConfig struct {
	Backend            string // memory or redis
	OfferTTLSeconds    int
	SweepIntervalSec   int
	MaxConflictRetries int
	DefaultRegion      string
}

// SchedulerConfig controls the recurring template worker
type SchedulerConfig struct {
	Enabled         bool
	IntervalSeconds int
}

// PricingConfig is the static fallback used when no settings row exists
type PricingConfig struct {
	BaseFare          float64
	PerKm             float64
	PerMinute         float64
	MinimumFare       float64
	NightStart        string
	NightEnd          string
	NightSurchargePct float64
	WeekendDays       []time.Weekday
	WeekendSurcharge  float64
	DiscountFlat      float64
	DiscountPct       float64
	CommissionPct     float64
	Timezone          string
	Currency          string
	FromDatabase      bool
}

// TracingConfig holds OpenTelemetry exporter settings
type TracingConfig struct {
	Enabled      bool
	OTLPEndpoint string
	SampleRate   float64
}

// SentryConfig holds error tracking settings
type SentryConfig struct {
	DSN string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	weekend, err := parseWeekdays(getEnv("PRICING_WEEKEND_DAYS", "fri,sat"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRICING_WEEKEND_DAYS value: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Environment:    getEnv("ENVIRONMENT", "development"),
			ServiceName:    serviceName,
			Version:        getEnv("SERVICE_VERSION", "dev"),
			ReadTimeout:    getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout:   getEnvAsInt("WRITE_TIMEOUT", 10),
			RequestTimeout: getEnvAsInt("DEFAULT_REQUEST_TIMEOUT", 30),
			CORSOrigins:    getEnv("CORS_ORIGINS", ""),
		},
		Database: DatabaseConfig{
			Host:          getEnv("DB_HOST", "localhost"),
			Port:          getEnv("DB_PORT", "5432"),
			User:          getEnv("DB_USER", "postgres"),
			Password:      getEnv("DB_PASSWORD", "postgres"),
			DBName:        getEnv("DB_NAME", "ridedispatch"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			MaxConns:      getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:      getEnvAsInt("DB_MIN_CONNS", 5),
			RunMigrations: getEnvAsBool("DB_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:        getEnv("NATS_URL", "nats://localhost:4222"),
			StreamName: getEnv("NATS_STREAM", "RIDE_DISPATCH"),
			Enabled:    getEnvAsBool("NATS_ENABLED", false),
		},
		Dispatch: DispatchConfig{
			Backend:            getEnv("DISPATCH_BACKEND", "memory"),
			OfferTTLSeconds:    getEnvAsInt("DISPATCH_OFFER_TTL_SECONDS", 60),
			SweepIntervalSec:   getEnvAsInt("DISPATCH_SWEEP_INTERVAL_SECONDS", 5),
			MaxConflictRetries: getEnvAsInt("DISPATCH_MAX_CONFLICT_RETRIES", 5),
			DefaultRegion:      getEnv("DISPATCH_DEFAULT_REGION", "default"),
		},
		Scheduler: SchedulerConfig{
			Enabled:         getEnvAsBool("SCHEDULER_ENABLED", true),
			IntervalSeconds: getEnvAsInt("SCHEDULER_INTERVAL_SECONDS", 60),
		},
		Pricing: PricingConfig{
			BaseFare:          getEnvAsFloat("PRICING_BASE_FARE", 15),
			PerKm:             getEnvAsFloat("PRICING_PER_KM", 3),
			PerMinute:         getEnvAsFloat("PRICING_PER_MINUTE", 0.5),
			MinimumFare:       getEnvAsFloat("PRICING_MINIMUM_FARE", 0),
			NightStart:        getEnv("PRICING_NIGHT_START", "22:00"),
			NightEnd:          getEnv("PRICING_NIGHT_END", "06:00"),
			NightSurchargePct: getEnvAsFloat("PRICING_NIGHT_SURCHARGE_PCT", 25),
			WeekendDays:       weekend,
			WeekendSurcharge:  getEnvAsFloat("PRICING_WEEKEND_SURCHARGE_PCT", 0),
			DiscountFlat:      getEnvAsFloat("PRICING_DISCOUNT_FLAT", 0),
			DiscountPct:       getEnvAsFloat("PRICING_DISCOUNT_PCT", 0),
			CommissionPct:     getEnvAsFloat("PRICING_COMMISSION_PCT", 0),
			Timezone:          getEnv("PRICING_TIMEZONE", "UTC"),
			Currency:          getEnv("PRICING_CURRENCY", "USD"),
			FromDatabase:      getEnvAsBool("PRICING_FROM_DATABASE", false),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvAsBool("TRACING_ENABLED", false),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			SampleRate:   getEnvAsFloat("TRACING_SAMPLE_RATE", 1.0),
		},
		Sentry: SentryConfig{
			DSN: getEnv("SENTRY_DSN", ""),
		},
	}

	if cfg.Dispatch.Backend != "memory" && cfg.Dispatch.Backend != "redis" {
		return nil, fmt.Errorf("invalid DISPATCH_BACKEND value %q: want memory or redis", cfg.Dispatch.Backend)
	}

	if cfg.Dispatch.OfferTTLSeconds <= 0 {
		cfg.Dispatch.OfferTTLSeconds = 60
	}

	if cfg.Dispatch.SweepIntervalSec <= 0 {
		cfg.Dispatch.SweepIntervalSec = 5
	}

	if cfg.Dispatch.MaxConflictRetries <= 0 {
		cfg.Dispatch.MaxConflictRetries = 5
	}

	if cfg.Scheduler.IntervalSeconds <= 0 {
		cfg.Scheduler.IntervalSeconds = 60
	}

	if _, err := time.LoadLocation(cfg.Pricing.Timezone); err != nil {
		return nil, fmt.Errorf("invalid PRICING_TIMEZONE value: %w", err)
	}

	return cfg, nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate expects
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// OfferTTL returns the default offer lock TTL
func (c DispatchConfig) OfferTTL() time.Duration {
	return time.Duration(c.OfferTTLSeconds) * time.Second
}

// SweepInterval returns how often expired locks are swept
func (c DispatchConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// Interval returns the polling interval of the template worker
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// parseWeekdays reads a comma-separated list such as "fri,sat"
func parseWeekdays(raw string) ([]time.Weekday, error) {
	var days []time.Weekday
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if len(name) > 3 {
			name = name[:3]
		}
		day, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", part)
		}
		days = append(days, day)
	}
	return days, nil
}
