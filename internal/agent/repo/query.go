package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/informed-assistant/server/internal/agent/model"
	errx "github.com/informed-assistant/server/internal/core/error"
	logx "github.com/informed-assistant/server/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const maxSaveAttempts = 8

// RedisQueryRepository stores queries as JSON strings. Writes to one query are
// serialized with WATCH/MULTI so the state DAG is enforced against the stored row.
type RedisQueryRepository struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisQueryRepository(rdb redis.UniversalClient, ttl time.Duration) *RedisQueryRepository {
	return &RedisQueryRepository{rdb: rdb, ttl: ttl}
}

func (r *RedisQueryRepository) Save(ctx context.Context, q *model.Query) error {
	b, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}
	key := queryKey(q.ID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var current model.Query
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("unmarshal stored query %s: %w", q.ID, err)
			}
			if !current.State.CanTransition(q.State) {
				return fmt.Errorf("%w: stored %s, got %s (query %s)", model.ErrIllegalTransition, current.State, q.State, q.ID)
			}
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, r.ttl)
			p.ZAdd(ctx, userQueriesKey(q.UserID), redis.Z{Score: float64(q.CreatedAt.UnixMicro()), Member: q.ID})
			if r.ttl > 0 {
				p.Expire(ctx, userQueriesKey(q.UserID), r.ttl)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		err = r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			logx.Debug().Str("query_id", q.ID).Int("attempt", attempt).Msg("query save raced, retrying")
			continue
		}
		if err == nil || errors.Is(err, model.ErrIllegalTransition) {
			return err
		}
		logx.Error().Err(err).Str("query_id", q.ID).Msg("failed to save query to redis")
		return errx.WrapRedis(err)
	}
	return errx.WrapRedis(fmt.Errorf("save query %s: %w", q.ID, redis.TxFailedErr))
}

func (r *RedisQueryRepository) Get(ctx context.Context, queryID string) (*model.Query, error) {
	raw, err := r.rdb.Get(ctx, queryKey(queryID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errx.NotFound("query", queryID)
		}
		logx.Error().Err(err).Str("query_id", queryID).Msg("failed to load query from redis")
		return nil, errx.WrapRedis(err)
	}
	var q model.Query
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("unmarshal query %s: %w", queryID, err)
	}
	return &q, nil
}

func (r *RedisQueryRepository) Latest(ctx context.Context, userID string) (*model.Query, error) {
	ids, err := r.rdb.ZRevRange(ctx, userQueriesKey(userID), 0, 0).Result()
	if err != nil {
		return nil, errx.WrapRedis(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	q, err := r.Get(ctx, ids[0])
	if errx.IsNotFound(err) {
		// the row expired before its index entry
		return nil, nil
	}
	return q, err
}

var _ model.QueryRepository = (*RedisQueryRepository)(nil)
