package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"
)

// RedisCache is a RemoteCache on rueidis.
type RedisCache struct {
	client rueidis.Client
}

func NewRedisCache(addrs []string, password string, db int) (*RedisCache, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addrs is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  addrs,
		Password:     password,
		SelectDB:     db,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Do(ctx, r.client.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var cmd rueidis.Completed
	if ttl > 0 {
		cmd = r.client.B().Set().Key(key).Value(rueidis.BinaryString(value)).Ex(ttl).Build()
	} else {
		cmd = r.client.B().Set().Key(key).Value(rueidis.BinaryString(value)).Build()
	}
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisCache) Close() {
	r.client.Close()
}
