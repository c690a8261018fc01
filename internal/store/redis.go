package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Redis keeps one hash per topic.
type Redis struct {
	client *redis.Client
}

var _ Store = (*Redis)(nil)

func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("store: ping redis: %w", err)
	}
	return &Redis{client: rdb}, nil
}

func hashKey(topic string) string { return "mmbot:" + topic }

func (r *Redis) Load(ctx context.Context, topic string) ([]json.RawMessage, error) {
	all, err := r.client.HGetAll(ctx, hashKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", topic, err)
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	res := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		res = append(res, json.RawMessage(all[k]))
	}
	return res, nil
}

func (r *Redis) Upsert(ctx context.Context, topic, key string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: marshal %s/%s: %w", topic, key, err)
	}
	return r.client.HSet(ctx, hashKey(topic), key, data).Err()
}

func (r *Redis) Delete(ctx context.Context, topic, key string) error {
	return r.client.HDel(ctx, hashKey(topic), key).Err()
}

func (r *Redis) Close() error { return r.client.Close() }
