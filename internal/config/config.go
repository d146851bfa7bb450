package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds application configuration.
type Config struct {
	AppName        string
	AppVersion     string
	Environment    string
	HTTPAddr       string
	MigrateOnStart bool
	// TrustedProxies are the CIDRs or IPs whose X-Forwarded-For is honoured
	// for the caller IP. Empty trusts no proxy.
	TrustedProxies []string

	AuthJWTSecret string
	AuthJWTIssuer string
	AuthTokenTTL  time.Duration

	BootstrapAdminUsername string
	BootstrapAdminEmail    string

	OTLPEndpoint string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

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

	RateLimit    RateLimitConfig
	Events       EventsConfig
	Presence     PresenceConfig
	FleetMetrics FleetMetricsConfig
}

// RateLimitConfig controls throttling of the public validation endpoints.
type RateLimitConfig struct {
	Enabled        bool          `envconfig:"ENABLED" default:"true"`
	IPRate         float64       `envconfig:"IP_RATE" default:"5"`
	IPBurst        int           `envconfig:"IP_BURST" default:"20"`
	KeyRate        float64       `envconfig:"KEY_RATE" default:"1"`
	KeyBurst       int           `envconfig:"KEY_BURST" default:"5"`
	HeartbeatGuard time.Duration `envconfig:"HEARTBEAT_GUARD" default:"5s"`
}

type EventsConfig struct {
	Enabled bool     `envconfig:"ENABLED" default:"false"`
	Brokers []string `envconfig:"BROKERS"`
	Topic   string   `envconfig:"TOPIC" default:"licensehub.license-events"`
}

// PresenceConfig drives the stale sweep. A zero StaleAfter disables it.
type PresenceConfig struct {
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
	StaleAfter    time.Duration `envconfig:"STALE_AFTER" default:"3m"`
	BatchTimeout  time.Duration `envconfig:"BATCH_TIMEOUT" default:"10s"`
}

type FleetMetricsConfig struct {
	Enabled   bool          `envconfig:"ENABLED" default:"false"`
	Exporter  string        `envconfig:"EXPORTER"`
	Endpoint  string        `envconfig:"ENDPOINT"`
	AuthToken string        `envconfig:"AUTH_TOKEN"`
	Interval  time.Duration `envconfig:"INTERVAL" default:"30s"`
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:                getenv("APP_SERVICE", "licensehub"),
		AppVersion:             getenv("APP_VERSION", "0.1.0"),
		Environment:            getenv("ENVIRONMENT", "development"),
		HTTPAddr:               getenv("HTTP_ADDR", ":8080"),
		MigrateOnStart:         getenvBool("MIGRATE_ON_START", true),
		TrustedProxies:         getenvList("HTTP_TRUSTED_PROXIES"),
		AuthJWTSecret:          strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AuthJWTIssuer:          getenv("AUTH_JWT_ISSUER", "licensehub"),
		AuthTokenTTL:           getenvDuration("AUTH_TOKEN_TTL", 7*24*time.Hour),
		BootstrapAdminUsername: strings.TrimSpace(getenv("BOOTSTRAP_ADMIN_USERNAME", "admin")),
		BootstrapAdminEmail:    strings.TrimSpace(getenv("BOOTSTRAP_ADMIN_EMAIL", "admin@localhost")),
		OTLPEndpoint:           getenv("OTLP_ENDPOINT", "localhost:4317"),
		RedisAddr:              strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:          getenv("REDIS_PASSWORD", ""),
		RedisDB:                getenvInt("REDIS_DB", 0),
		DBType:                 strings.ToLower(getenv("DATABASE_TYPE", "postgres")),
		DBHost:                 getenv("DATABASE_HOST", "localhost"),
		DBPort:                 getenv("DATABASE_PORT", "5432"),
		DBName:                 getenv("DATABASE_NAME", "licensehub"),
		DBUser:                 getenv("DATABASE_USER", "postgres"),
		DBPassword:             getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:              getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:          getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:          getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime:      getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime:      getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
	}

	processGroup("RATELIMIT", &cfg.RateLimit)
	processGroup("EVENTS", &cfg.Events)
	processGroup("PRESENCE", &cfg.Presence)
	processGroup("FLEETMETRICS", &cfg.FleetMetrics)
	cfg.FleetMetrics.Exporter = strings.ToLower(strings.TrimSpace(cfg.FleetMetrics.Exporter))

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// processGroup fills a subsystem group from PREFIX_* variables. Parse errors
// are logged, not fatal.
func processGroup(prefix string, target any) {
	if err := envconfig.Process(prefix, target); err != nil {
		log.Printf("[config] %s: %v", prefix, err)
	}
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
