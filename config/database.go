package config

import (
	"strings"
	"time"
)

// StoreDriver selects the job store backend.
type StoreDriver string

const (
	// StoreDriverPostgres stores jobs in PostgreSQL.
	StoreDriverPostgres StoreDriver = "postgres"
	// StoreDriverSQLite stores jobs in a local SQLite file; single node only.
	StoreDriverSQLite StoreDriver = "sqlite"
)

// StoreConfig selects and locates the job store.
type StoreConfig struct {
	Driver StoreDriver `env:"STORE_DRIVER" envDefault:"postgres"`
	// SQLitePath is the database file used when Driver is sqlite.
	SQLitePath string `env:"SQLITE_PATH" envDefault:"geoinfer.db"`
}

// Sanitize normalises the driver name and falls back to postgres for unknown values.
func (s *StoreConfig) Sanitize() {
	s.Driver = StoreDriver(strings.ToLower(strings.TrimSpace(string(s.Driver))))
	switch s.Driver {
	case StoreDriverPostgres, StoreDriverSQLite:
	default:
		s.Driver = StoreDriverPostgres
	}
	if s.SQLitePath = strings.TrimSpace(s.SQLitePath); s.SQLitePath == "" {
		s.SQLitePath = "geoinfer.db"
	}
}

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"geoinfer"`
	Password string `env:"PASSWORD"                envDefault:"geoinfer"`
	Name     string `env:"NAME"                    envDefault:"geoinfer"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration. Redis is optional; without it
// Idempotency-Key handling and the cross-replica webhook guard are disabled.
type RedisConfig struct {
	Enabled            bool     `env:"ENABLED"              envDefault:"false"`
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelPort       string   `env:"SENTINEL_PORT"        envDefault:"26379"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// CacheConfig contains lifetimes of Redis-backed keys.
type CacheConfig struct {
	// IdempotencyTTL is how long an Idempotency-Key resolves to its job.
	IdempotencyTTL time.Duration `env:"CACHE_IDEMPOTENCY_TTL" envDefault:"24h"`

	// WebhookGuardTTL is how long the once-per-event webhook guard is held.
	WebhookGuardTTL time.Duration `env:"CACHE_WEBHOOK_GUARD_TTL" envDefault:"24h"`
}

// Sanitize applies guardrails to cache lifetimes.
func (c *CacheConfig) Sanitize() {
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.WebhookGuardTTL <= 0 {
		c.WebhookGuardTTL = 24 * time.Hour
	}
}
