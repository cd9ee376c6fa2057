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
	fx.Provide(NewEngineConfigHolder),
)

// Config holds process configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr      string
	SnowflakeNode int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimitEnabled bool
	TriggerRate      float64
	TriggerBurst     int

	SchedulerEnabled     bool
	SchedulerInterval    time.Duration
	SchedulerEnabledJobs []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:              getenv("APP_SERVICE", "attribution"),
		AppVersion:           getenv("APP_VERSION", "0.1.0"),
		Environment:          getenv("ENVIRONMENT", "development"),
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		SnowflakeNode:        getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint:         getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:               getenv("DATABASE_TYPE", "postgres"),
		DBHost:               getenv("DATABASE_HOST", "localhost"),
		DBPort:               getenv("DATABASE_PORT", "5432"),
		DBName:               getenv("DATABASE_NAME", "postgres"),
		DBUser:               getenv("DATABASE_USER", "postgres"),
		DBPassword:           getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:            getenv("DATABASE_SSLMODE", "disable"),
		DBPath:               getenv("DATABASE_PATH", "attribution.db"),
		DBMaxIdleConn:        int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:        int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime:    int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime:    int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBAutoMigrate:        getenvBool("DATABASE_AUTO_MIGRATE", false),
		RedisAddr:            strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:        getenv("REDIS_PASSWORD", ""),
		RedisDB:              int(getenvInt64("REDIS_DB", 0)),
		RateLimitEnabled:     getenvBool("RATE_LIMIT_ENABLED", false),
		TriggerRate:          getenvFloat("RATE_LIMIT_TRIGGER_RATE", 1.0/60),
		TriggerBurst:         int(getenvInt64("RATE_LIMIT_TRIGGER_BURST", 5)),
		SchedulerEnabled:     getenvBool("SCHEDULER_ENABLED", true),
		SchedulerInterval:    getenvDuration("SCHEDULER_INTERVAL", time.Minute),
		SchedulerEnabledJobs: getenvList("SCHEDULER_ENABLED_JOBS"),
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
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
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

func getenvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
