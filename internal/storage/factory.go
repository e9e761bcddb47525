package storage

import (
	"context"
	"fmt"
	"strings"

	"oidc-server/pkg/config"
)

// NewStorage creates a new storage instance based on the configuration
func NewStorage(ctx context.Context, cfg config.DatabaseConfig) (Storage, error) {
	switch strings.ToLower(cfg.Type) {
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "oidc.db"
		}
		return NewSQLiteStorage(path)
	case "postgres", "postgresql":
		return NewPostgresStorage(cfg.DSN)
	case "redis":
		return NewRedisStorage(ctx, RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
	case "memory", "":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
