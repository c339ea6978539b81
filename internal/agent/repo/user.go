package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/informed-assistant/server/internal/agent/model"
	errx "github.com/informed-assistant/server/internal/core/error"
	"github.com/redis/go-redis/v9"
)

// RedisUserRepository reads user profiles cached by the profile service.
type RedisUserRepository struct {
	rdb redis.Cmdable
}

func NewRedisUserRepository(rdb redis.Cmdable) *RedisUserRepository {
	return &RedisUserRepository{rdb: rdb}
}

func (r *RedisUserRepository) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	if err := getJSON(ctx, r.rdb, userKey(userID), &u); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errx.NotFound("user", userID)
		}
		return nil, err
	}
	return &u, nil
}

func (r *RedisUserRepository) SaveUser(ctx context.Context, u *model.User) error {
	return setJSON(ctx, r.rdb, userKey(u.ID), u, 0)
}

// RedisSnapshotSource reads weather snapshots written by the ingestion job.
type RedisSnapshotSource struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisSnapshotSource(rdb redis.Cmdable, ttl time.Duration) *RedisSnapshotSource {
	return &RedisSnapshotSource{rdb: rdb, ttl: ttl}
}

func (r *RedisSnapshotSource) Snapshot(ctx context.Context, zipCode string) (*model.WeatherSnapshot, error) {
	var s model.WeatherSnapshot
	if err := getJSON(ctx, r.rdb, snapshotKey(zipCode), &s); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errx.NotFound("weather snapshot", zipCode)
		}
		return nil, err
	}
	return &s, nil
}

func (r *RedisSnapshotSource) SaveSnapshot(ctx context.Context, s *model.WeatherSnapshot) error {
	return setJSON(ctx, r.rdb, snapshotKey(s.ZipCode), s, r.ttl)
}

func getJSON(ctx context.Context, rdb redis.Cmdable, key string, v any) error {
	raw, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return err
		}
		return errx.WrapRedis(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func setJSON(ctx context.Context, rdb redis.Cmdable, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return errx.WrapRedis(err)
	}
	return nil
}

var (
	_ model.UserLookup     = (*RedisUserRepository)(nil)
	_ model.SnapshotSource = (*RedisSnapshotSource)(nil)
)
