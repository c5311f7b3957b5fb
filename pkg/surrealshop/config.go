package surrealshop

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/surrealdb/surrealshop/pkg/localcache"
	"github.com/surrealdb/surrealshop/pkg/remote"
)

const (
	CacheMemory = "memory"
	CacheBolt   = "bolt"
	CacheSQLite = "sqlite"

	RemoteSurreal = "surreal"
	RemoteMemory  = "memory"
	RemoteOffline = "offline"
)

// Config holds everything a tab needs. Fields are read from the environment
// and may be overridden by command line flags.
type Config struct {
	CacheBackend string `env:"SURREALSHOP_CACHE_BACKEND" envDefault:"bolt"`
	CachePath    string `env:"SURREALSHOP_CACHE_PATH" envDefault:"surrealshop.db"`
	CacheQuota   int64  `env:"SURREALSHOP_CACHE_QUOTA" envDefault:"5242880"`
	CachePolicy  string `env:"SURREALSHOP_CACHE_POLICY" envDefault:"oldest"`

	Remote        string `env:"SURREALSHOP_REMOTE" envDefault:"offline"`
	SurrealDBURL  string `env:"SURREALDB_URL" envDefault:"ws://localhost:8000/rpc"`
	SurrealDBNS   string `env:"SURREALDB_NS" envDefault:"surrealshop"`
	SurrealDBDB   string `env:"SURREALDB_DB" envDefault:"surrealshop"`
	SurrealDBUser string `env:"SURREALDB_USER" envDefault:"root"`
	SurrealDBPass string `env:"SURREALDB_PASS" envDefault:"root"`

	// SurrealDBTransport is the SDK WebSocket transport, gorilla or gws.
	SurrealDBTransport string `env:"SURREALDB_CONNECTION_IMPL" envDefault:"gorilla"`

	MaxDocumentBytes int           `env:"SURREALSHOP_MAX_DOCUMENT_BYTES" envDefault:"1048576"`
	ResyncInterval   time.Duration `env:"SURREALSHOP_RESYNC_INTERVAL" envDefault:"30s"`

	UploadURL    string        `env:"SURREALSHOP_UPLOAD_URL"`
	RelayURL     string        `env:"SURREALSHOP_RELAY_URL"`
	ServerPort   string        `env:"SURREALSHOP_PORT" envDefault:"8080"`
	PollInterval time.Duration `env:"SURREALSHOP_POLL_INTERVAL" envDefault:"1s"`

	LogLevel string `env:"SURREALSHOP_LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"SURREALSHOP_LOG_FILE"`

	// OTelEndpoint enables trace export when set.
	OTelEndpoint string `env:"SURREALSHOP_OTEL_ENDPOINT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadConfig reads the environment into a validated Config.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.CacheBackend {
	case CacheMemory:
	case CacheBolt, CacheSQLite:
		if c.CachePath == "" {
			return fmt.Errorf("cache backend %s needs a cache path", c.CacheBackend)
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}
	switch c.Remote {
	case RemoteSurreal:
		if c.SurrealDBURL == "" {
			return fmt.Errorf("remote %s needs SURREALDB_URL", c.Remote)
		}
		transport, err := remote.ParseTransport(c.SurrealDBTransport)
		if err != nil {
			return err
		}
		c.SurrealDBTransport = transport
	case RemoteMemory, RemoteOffline:
	default:
		return fmt.Errorf("unknown remote %q", c.Remote)
	}
	if _, err := localcache.ParsePolicy(c.CachePolicy); err != nil {
		return err
	}
	if c.CacheQuota <= 0 {
		return fmt.Errorf("cache quota must be positive, got %d", c.CacheQuota)
	}
	if c.MaxDocumentBytes <= 0 {
		c.MaxDocumentBytes = remote.DefaultMaxDocumentBytes
	}
	if c.PollInterval <= 0 {
		c.PollInterval = localcache.DefaultPollInterval
	}
	return nil
}

func (c *Config) surreal() remote.SurrealConfig {
	return remote.SurrealConfig{
		URL:       c.SurrealDBURL,
		Namespace: c.SurrealDBNS,
		Database:  c.SurrealDBDB,
		Username:  c.SurrealDBUser,
		Password:  c.SurrealDBPass,
		Transport: c.SurrealDBTransport,
	}
}
