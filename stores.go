package main

import (
	"context"
	"fmt"
	"time"

	"github.com/informed-assistant/server/internal/agent/model"
	"github.com/informed-assistant/server/internal/agent/repo"
	"github.com/informed-assistant/server/internal/agent/repo/memory"
	logx "github.com/informed-assistant/server/pkg/logger"
)

const snapshotTTL = 24 * time.Hour

type userStore interface {
	model.UserLookup
	SaveUser(ctx context.Context, u *model.User) error
}

type snapshotStore interface {
	model.SnapshotSource
	SaveSnapshot(ctx context.Context, s *model.WeatherSnapshot) error
}

type stores struct {
	queries   model.QueryRepository
	chats     model.ChatRepository
	users     userStore
	snapshots snapshotStore
	close     func()
}

func openStores(ctx context.Context, cfg AppConfig) (*stores, error) {
	switch cfg.Storage {
	case "memory":
		logx.Warn().Msg("using in-memory storage, nothing is persisted")
		return &stores{
			queries:   memory.NewQueryStore(),
			chats:     memory.NewChatStore(),
			users:     memory.NewUserStore(),
			snapshots: memory.NewSnapshotStore(),
			close:     func() {},
		}, nil
	case "redis", "":
		rdb, err := cfg.Redis.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise Redis client: %w", err)
		}
		logx.Info().Msg("Connected to Redis successfully")
		return &stores{
			queries:   repo.NewRedisQueryRepository(rdb, cfg.Conversation.TTL),
			chats:     repo.NewRedisChatRepository(rdb, cfg.Conversation.TTL),
			users:     repo.NewRedisUserRepository(rdb),
			snapshots: repo.NewRedisSnapshotSource(rdb, snapshotTTL),
			close:     func() { _ = rdb.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

// seedDemo makes sure the demo user and a weather snapshot for its zip code exist.
func seedDemo(ctx context.Context, st *stores, cfg AppConfig) error {
	if _, err := st.users.GetUser(ctx, cfg.DemoUserID); err != nil {
		if err := st.users.SaveUser(ctx, &model.User{
			ID:       cfg.DemoUserID,
			Name:     "Demo User",
			ZipCode:  cfg.DemoZipCode,
			Language: model.English,
		}); err != nil {
			return fmt.Errorf("save demo user: %w", err)
		}
	}
	if _, err := st.snapshots.Snapshot(ctx, cfg.DemoZipCode); err != nil {
		if err := st.snapshots.SaveSnapshot(ctx, &model.WeatherSnapshot{
			ZipCode:      cfg.DemoZipCode,
			Location:     "San Francisco, California, USA",
			Condition:    "Partly cloudy",
			TempF:        62,
			FeelsLikeF:   61,
			WindMph:      9,
			WindDir:      "W",
			Humidity:     70,
			AQI:          1,
			MaxTempF:     66,
			MinTempF:     54,
			Forecast:     "Sunny",
			ChanceOfRain: 5,
			ObservedAt:   time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("save demo snapshot: %w", err)
		}
	}
	return nil
}
