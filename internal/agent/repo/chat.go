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

// threadRecord is the stored thread header; messages live in their own keys.
type threadRecord struct {
	ID        string    `json:"chat_thread_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

type RedisChatRepository struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisChatRepository(rdb redis.Cmdable, ttl time.Duration) *RedisChatRepository {
	return &RedisChatRepository{rdb: rdb, ttl: ttl}
}

func (r *RedisChatRepository) CreateThread(ctx context.Context, thread *model.ChatThread) error {
	header, err := json.Marshal(threadRecord{ID: thread.ID, UserID: thread.UserID, CreatedAt: thread.CreatedAt})
	if err != nil {
		return fmt.Errorf("marshal thread: %w", err)
	}
	encoded, err := encodeMessages(thread.Messages)
	if err != nil {
		return err
	}

	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, threadKey(thread.ID), header, 0)
		p.SAdd(ctx, threadIndexKey, thread.ID)
		for i, m := range thread.Messages {
			p.RPush(ctx, threadOrderKey(thread.ID), m.ID)
			p.HSet(ctx, threadMessagesKey(thread.ID), m.ID, encoded[i])
			p.HSet(ctx, messageIndexKey, m.ID, thread.ID)
		}
		r.touch(ctx, p, thread.ID)
		return nil
	})
	if err != nil {
		logx.Error().Err(err).Str("chat_thread_id", thread.ID).Msg("failed to create chat thread in redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisChatRepository) AppendMessage(ctx context.Context, msg *model.Message) error {
	if err := r.ensureThread(ctx, msg.ThreadID); err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		logx.Error().Err(err).Str("chat_thread_id", msg.ThreadID).Msg("failed to marshal message")
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, threadOrderKey(msg.ThreadID), msg.ID)
		p.HSet(ctx, threadMessagesKey(msg.ThreadID), msg.ID, b)
		p.HSet(ctx, messageIndexKey, msg.ID, msg.ThreadID)
		r.touch(ctx, p, msg.ThreadID)
		return nil
	})
	if err != nil {
		logx.Error().Err(err).Str("chat_thread_id", msg.ThreadID).Msg("failed to append message to redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisChatRepository) GetThread(ctx context.Context, threadID string) (*model.ChatThread, error) {
	raw, err := r.rdb.Get(ctx, threadKey(threadID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errx.NotFound("chat thread", threadID)
		}
		logx.Error().Err(err).Str("chat_thread_id", threadID).Msg("failed to load chat thread from redis")
		return nil, errx.WrapRedis(err)
	}
	var header threadRecord
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("unmarshal thread %s: %w", threadID, err)
	}

	ids, err := r.rdb.LRange(ctx, threadOrderKey(threadID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logx.Error().Err(err).Str("chat_thread_id", threadID).Msg("failed to load message order from redis")
		return nil, errx.WrapRedis(err)
	}

	thread := &model.ChatThread{ID: header.ID, UserID: header.UserID, CreatedAt: header.CreatedAt, Messages: []*model.Message{}}
	if len(ids) == 0 {
		return thread, nil
	}

	rows, err := r.rdb.HMGet(ctx, threadMessagesKey(threadID), ids...).Result()
	if err != nil {
		logx.Error().Err(err).Str("chat_thread_id", threadID).Msg("failed to load messages from redis")
		return nil, errx.WrapRedis(err)
	}
	for i, row := range rows {
		s, ok := row.(string)
		if !ok {
			logx.Warn().Str("chat_thread_id", threadID).Str("message_id", ids[i]).Msg("message body missing, skipping")
			continue
		}
		var m model.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			logx.Error().Err(err).Str("chat_thread_id", threadID).Int("index", i).Msg("failed to unmarshal message")
			return nil, fmt.Errorf("unmarshal message at index %d: %w", i, err)
		}
		thread.Messages = append(thread.Messages, &m)
	}
	return thread, nil
}

func (r *RedisChatRepository) ListThreads(ctx context.Context) ([]*model.ChatThread, error) {
	ids, err := r.rdb.SMembers(ctx, threadIndexKey).Result()
	if err != nil {
		return nil, errx.WrapRedis(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = threadKey(id)
	}
	rows, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errx.WrapRedis(err)
	}

	threads := make([]*model.ChatThread, 0, len(rows))
	var expired []any
	for i, row := range rows {
		s, ok := row.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var header threadRecord
		if err := json.Unmarshal([]byte(s), &header); err != nil {
			return nil, fmt.Errorf("unmarshal thread %s: %w", ids[i], err)
		}
		threads = append(threads, &model.ChatThread{ID: header.ID, UserID: header.UserID, CreatedAt: header.CreatedAt})
	}
	if len(expired) > 0 {
		if err := r.rdb.SRem(ctx, threadIndexKey, expired...).Err(); err != nil {
			logx.Warn().Err(err).Int("count", len(expired)).Msg("failed to prune expired threads from index")
		}
	}
	return threads, nil
}

func (r *RedisChatRepository) DeleteThread(ctx context.Context, threadID string) error {
	if err := r.ensureThread(ctx, threadID); err != nil {
		return err
	}
	ids, err := r.rdb.LRange(ctx, threadOrderKey(threadID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errx.WrapRedis(err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, threadKey(threadID), threadOrderKey(threadID), threadMessagesKey(threadID))
		p.SRem(ctx, threadIndexKey, threadID)
		if len(ids) > 0 {
			p.HDel(ctx, messageIndexKey, ids...)
		}
		return nil
	})
	if err != nil {
		logx.Error().Err(err).Str("chat_thread_id", threadID).Msg("failed to delete chat thread from redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisChatRepository) UpdateMessage(ctx context.Context, msg *model.Message) error {
	threadID, err := r.threadOf(ctx, msg.ID)
	if err != nil {
		return err
	}
	exists, err := r.rdb.HExists(ctx, threadMessagesKey(threadID), msg.ID).Result()
	if err != nil {
		return errx.WrapRedis(err)
	}
	if !exists {
		return errx.NotFound("message", msg.ID)
	}

	stored := msg.Clone()
	stored.ThreadID = threadID
	b, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, threadMessagesKey(threadID), msg.ID, b)
		r.touch(ctx, p, threadID)
		return nil
	})
	if err != nil {
		logx.Error().Err(err).Str("message_id", msg.ID).Msg("failed to update message in redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisChatRepository) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	threadID, err := r.threadOf(ctx, messageID)
	if err != nil {
		return nil, err
	}
	raw, err := r.rdb.HGet(ctx, threadMessagesKey(threadID), messageID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// thread expired; drop the dangling index entry
			_ = r.rdb.HDel(ctx, messageIndexKey, messageID).Err()
			return nil, errx.NotFound("message", messageID)
		}
		return nil, errx.WrapRedis(err)
	}
	var m model.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message %s: %w", messageID, err)
	}
	return &m, nil
}

func (r *RedisChatRepository) ensureThread(ctx context.Context, threadID string) error {
	n, err := r.rdb.Exists(ctx, threadKey(threadID)).Result()
	if err != nil {
		logx.Error().Err(err).Str("chat_thread_id", threadID).Msg("failed to check chat thread")
		return errx.WrapRedis(err)
	}
	if n == 0 {
		return errx.NotFound("chat thread", threadID)
	}
	return nil
}

func (r *RedisChatRepository) threadOf(ctx context.Context, messageID string) (string, error) {
	threadID, err := r.rdb.HGet(ctx, messageIndexKey, messageID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", errx.NotFound("message", messageID)
		}
		return "", errx.WrapRedis(err)
	}
	return threadID, nil
}

// touch extends the thread TTL on every write.
func (r *RedisChatRepository) touch(ctx context.Context, p redis.Pipeliner, threadID string) {
	if r.ttl <= 0 {
		return
	}
	p.Expire(ctx, threadKey(threadID), r.ttl)
	p.Expire(ctx, threadOrderKey(threadID), r.ttl)
	p.Expire(ctx, threadMessagesKey(threadID), r.ttl)
}

func encodeMessages(msgs []*model.Message) ([][]byte, error) {
	out := make([][]byte, len(msgs))
	for i, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("marshal message %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

var _ model.ChatRepository = (*RedisChatRepository)(nil)
