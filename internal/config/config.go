package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	// NodeID seeds the snowflake job id generator; it must differ per instance.
	NodeID int64

	OTLPEndpoint string

	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Tenant   TenantConfig
	Queue    QueueConfig
	Router   RouterConfig
	Events   EventsConfig

	Telemetry TelemetryConfig
}

// DatabaseConfig describes the primary and replica pools.
type DatabaseConfig struct {
	Type     string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string

	// ReplicaHosts are host[:port] entries sharing credentials with the primary.
	ReplicaHosts []string

	MaxOpenConn      int
	MinConn          int
	ConnMaxLifetime  time.Duration
	ConnMaxIdleTime  time.Duration
	AcquireTimeout   time.Duration
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CacheConfig struct {
	MemoryMaxEntries int
	MemoryTTL        time.Duration
	DistributedTTL   time.Duration
	SweepInterval    time.Duration
	// InvalidationChannel is the pub/sub channel peers use to drop local copies.
	InvalidationChannel string
}

type TenantConfig struct {
	ReservedSubdomains []string
	JWTSecret          string
	DomainTTL          time.Duration
	APIKeyTTL          time.Duration
	CustomDomainTTL    time.Duration
	IDTTL              time.Duration
	FeaturesTTL        time.Duration
	DefaultOpLimit     int64
	UsageRetention     time.Duration
	PreloadLimit       int
}

type QueueConfig struct {
	Backend         string
	KeyPrefix       string
	TopologyPath    string
	StalledInterval time.Duration
	LeaseDuration   time.Duration
	PollInterval    time.Duration
}

type RouterConfig struct {
	HealthInterval     time.Duration
	SlowQueryThreshold time.Duration
	// InstrumentPools attaches the gorm prometheus and otel plugins to every pool.
	InstrumentPools bool
}

// TelemetryConfig drives logging, tracing and the otel metric exporter.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelProtocol  string
	SamplingRatio float64
	// ProbeRoutes are logged at debug level.
	ProbeRoutes []string
}

type EventsConfig struct {
	NatsURL       string
	SubjectPrefix string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "tenantcore"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("NODE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		Database: DatabaseConfig{
			Type:             getenv("DATABASE_TYPE", "postgres"),
			Host:             getenv("DATABASE_HOST", "localhost"),
			Port:             getenv("DATABASE_PORT", "5432"),
			Name:             getenv("DATABASE_NAME", "postgres"),
			User:             getenv("DATABASE_USER", "postgres"),
			Password:         getenv("DATABASE_PASSWORD", ""),
			SSLMode:          getenv("DATABASE_SSLMODE", "disable"),
			ReplicaHosts:     splitList(getenv("DATABASE_REPLICA_HOSTS", "")),
			MaxOpenConn:      getenvInt("DATABASE_MAX_OPEN_CONN", 20),
			MinConn:          getenvInt("DATABASE_MIN_CONN", 2),
			ConnMaxLifetime:  getenvDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime:  getenvDuration("DATABASE_CONN_MAX_IDLE_TIME", 30*time.Second),
			AcquireTimeout:   getenvDuration("DATABASE_ACQUIRE_TIMEOUT", 3*time.Second),
			ConnectTimeout:   getenvDuration("DATABASE_CONNECT_TIMEOUT", 5*time.Second),
			StatementTimeout: getenvDuration("DATABASE_STATEMENT_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			MemoryMaxEntries:    getenvInt("CACHE_MEMORY_MAX_ENTRIES", 1000),
			MemoryTTL:           getenvDuration("CACHE_MEMORY_TTL", 5*time.Minute),
			DistributedTTL:      getenvDuration("CACHE_DISTRIBUTED_TTL", 10*time.Minute),
			SweepInterval:       getenvDuration("CACHE_SWEEP_INTERVAL", time.Minute),
			InvalidationChannel: getenv("CACHE_INVALIDATION_CHANNEL", "tenantcore:cache:invalidate"),
		},
		Tenant: TenantConfig{
			ReservedSubdomains: splitList(getenv("TENANT_RESERVED_SUBDOMAINS", "www,api")),
			JWTSecret:          strings.TrimSpace(getenv("TENANT_JWT_SECRET", "")),
			DomainTTL:          getenvDuration("TENANT_DOMAIN_TTL", 5*time.Minute),
			APIKeyTTL:          getenvDuration("TENANT_APIKEY_TTL", time.Minute),
			CustomDomainTTL:    getenvDuration("TENANT_CUSTOM_DOMAIN_TTL", 10*time.Minute),
			IDTTL:              getenvDuration("TENANT_ID_TTL", 5*time.Minute),
			FeaturesTTL:        getenvDuration("TENANT_FEATURES_TTL", 10*time.Minute),
			DefaultOpLimit:     getenvInt64("TENANT_DEFAULT_OPERATION_LIMIT", 100),
			UsageRetention:     getenvDuration("TENANT_USAGE_RETENTION", 30*24*time.Hour),
			PreloadLimit:       getenvInt("TENANT_PRELOAD_LIMIT", 100),
		},
		Queue: QueueConfig{
			Backend:         strings.ToLower(getenv("QUEUE_BACKEND", "redis")),
			KeyPrefix:       getenv("QUEUE_KEY_PREFIX", "tenantcore:queue"),
			TopologyPath:    getenv("QUEUE_TOPOLOGY_PATH", ""),
			StalledInterval: getenvDuration("QUEUE_STALLED_INTERVAL", 30*time.Second),
			LeaseDuration:   getenvDuration("QUEUE_LEASE_DURATION", time.Minute),
			PollInterval:    getenvDuration("QUEUE_POLL_INTERVAL", 200*time.Millisecond),
		},
		Router: RouterConfig{
			HealthInterval:     getenvDuration("ROUTER_HEALTH_INTERVAL", 10*time.Second),
			SlowQueryThreshold: getenvDuration("ROUTER_SLOW_QUERY_THRESHOLD", time.Second),
			InstrumentPools:    getenvBool("ROUTER_INSTRUMENT_POOLS", true),
		},
		Events: EventsConfig{
			NatsURL:       strings.TrimSpace(getenv("EVENTS_NATS_URL", "")),
			SubjectPrefix: getenv("EVENTS_SUBJECT_PREFIX", "tenantcore.events"),
		},
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", true),
			OtelProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
			ProbeRoutes:   splitList(getenv("LOG_PROBE_ROUTES", "/health,/metrics,/status")),
		},
	}

	return cfg
}

// Validate reports every invalid setting at once. It is meant to run once at startup.
func (c Config) Validate() error {
	var result *multierror.Error

	switch c.Database.Type {
	case "postgres", "sqlite":
	default:
		result = multierror.Append(result, fmt.Errorf("database type %q is not supported", c.Database.Type))
	}
	if c.Database.MaxOpenConn <= 0 {
		result = multierror.Append(result, fmt.Errorf("database max open connections must be positive"))
	}
	if c.Database.MinConn < 0 || c.Database.MinConn > c.Database.MaxOpenConn {
		result = multierror.Append(result, fmt.Errorf("database min connections must be between 0 and max open connections"))
	}
	for name, d := range map[string]time.Duration{
		"database acquire timeout":   c.Database.AcquireTimeout,
		"database connect timeout":   c.Database.ConnectTimeout,
		"database statement timeout": c.Database.StatementTimeout,
		"router health interval":     c.Router.HealthInterval,
		"cache sweep interval":       c.Cache.SweepInterval,
		"queue lease duration":       c.Queue.LeaseDuration,
	} {
		if d <= 0 {
			result = multierror.Append(result, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Cache.MemoryMaxEntries <= 0 {
		result = multierror.Append(result, fmt.Errorf("cache memory max entries must be positive"))
	}
	if c.Cache.DistributedTTL > 10*time.Minute {
		result = multierror.Append(result, fmt.Errorf("cache distributed ttl must not exceed 10m"))
	}
	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		result = multierror.Append(result, fmt.Errorf("queue backend %q is not supported", c.Queue.Backend))
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		result = multierror.Append(result, fmt.Errorf("node id must be between 0 and 1023"))
	}
	if r := c.Telemetry.SamplingRatio; r < 0 || r > 1 {
		result = multierror.Append(result, fmt.Errorf("otel sampling ratio must be between 0 and 1"))
	}
	if c.Tenant.UsageRetention <= 0 {
		result = multierror.Append(result, fmt.Errorf("tenant usage retention must be positive"))
	}

	return result.ErrorOrNil()
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
	return int(getenvInt64(key, int64(def)))
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
	if err != nil {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
