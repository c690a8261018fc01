// Package store persists engine records as JSON blobs grouped by topic.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mmbot/internal/config"
)

const (
	TopicTrades             = "trades"
	TopicTargetBasePosition = "target_base_position"
)

var ErrUnknownDriver = errors.New("store: unknown driver")

type Store interface {
	// Load returns every record of topic ordered by key.
	Load(ctx context.Context, topic string) ([]json.RawMessage, error)
	Upsert(ctx context.Context, topic, key string, record any) error
	Delete(ctx context.Context, topic, key string) error
	Close() error
}

func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "pebble":
		return NewPebble(cfg.Path)
	case "redis":
		return NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
