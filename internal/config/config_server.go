package config

import (
	"time"

	"github.com/haasonsaas/tollgate/internal/ratelimit"
)

// Database drivers understood by the storage layer.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`

	// HeartbeatInterval is how often an idle event stream gets a keepalive frame.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RateLimit throttles API requests per owner.
	RateLimit ratelimit.RequestConfig `yaml:"rate_limit"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type AuthConfig struct {
	// JWTSecret enables bearer token auth. Empty disables auth and trusts X-Owner-ID.
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig maps a static API key to the owner it acts as.
type APIKeyConfig struct {
	Key     string `yaml:"key"`
	OwnerID string `yaml:"owner_id"`
	Name    string `yaml:"name"`
}
