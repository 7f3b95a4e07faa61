package store

import (
	"fmt"

	"go.uber.org/zap"
)

// Backend identifies the session store implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config selects and configures a store backend.
type Config struct {
	Backend Backend
	SQLite  SQLiteConfig
	Redis   RedisConfig
}

// New creates a Store based on configuration. SQLite is the default.
func New(cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		return NewSQLiteStore(cfg.SQLite, logger)
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown session store backend: %s", cfg.Backend)
	}
}
