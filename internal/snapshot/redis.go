package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/vanshika/refnet/backend/internal/domain"
)

const (
	keyPrefix = "refnet:snapshot:"
	// DefaultRetention is how long a daily snapshot is kept.
	DefaultRetention = 120 * 24 * time.Hour
)

// RedisStore stores snapshots as JSON strings with a TTL.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Retention time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return NewRedisStoreWithClient(client, opts.Retention), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, retention: retention}
}

func redisKey(userID string, day time.Time) string {
	return keyPrefix + userID + ":" + DayKey(day)
}

func (r *RedisStore) Save(ctx context.Context, snap domain.StatsSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(snap.UserID, snap.TakenAt), raw, r.retention).Err(); err != nil {
		return fmt.Errorf("save snapshot for %s: %w", snap.UserID, err)
	}
	return nil
}

func (r *RedisStore) At(ctx context.Context, userID string, day time.Time) (domain.StatsSnapshot, bool, error) {
	raw, err := r.client.Get(ctx, redisKey(userID, day)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.StatsSnapshot{}, false, nil
	}
	if err != nil {
		return domain.StatsSnapshot{}, false, fmt.Errorf("load snapshot for %s: %w", userID, err)
	}
	var snap domain.StatsSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.StatsSnapshot{}, false, fmt.Errorf("decode snapshot for %s: %w", userID, err)
	}
	return snap, true, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
