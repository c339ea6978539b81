package conversations

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/informed-assistant/server/internal/agent/model"
	"github.com/informed-assistant/server/internal/agent/notify"
	logx "github.com/informed-assistant/server/pkg/logger"
)

// QueryManager is the Query store adapter: durable rows in a QueryRepository
// plus process-local change notification per watched query id.
type QueryManager struct {
	repo    model.QueryRepository
	updates *notify.Registry[string]
	now     func() time.Time
}

func NewQueryManager(repo model.QueryRepository, config model.AgentConfig) *QueryManager {
	return &QueryManager{
		repo:    repo,
		updates: notify.NewRegistry[string](config.UpdateEventTTL),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new query in the created state.
func (qm *QueryManager) Create(ctx context.Context, userID, text string) (*model.Query, error) {
	now := qm.now()
	q := &model.Query{
		ID:        uuid.NewString(),
		UserID:    userID,
		Query:     text,
		Sources:   []model.QuerySource{},
		State:     model.QueryCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := qm.repo.Save(ctx, q); err != nil {
		return nil, fmt.Errorf("create query: %w", err)
	}
	logx.Debug().Str("query_id", q.ID).Str("user_id", userID).Msg("query created")
	return q, nil
}

func (qm *QueryManager) Get(ctx context.Context, queryID string) (*model.Query, error) {
	return qm.repo.Get(ctx, queryID)
}

// Persist bumps UpdatedAt, upserts q and wakes anyone awaiting an update.
func (qm *QueryManager) Persist(ctx context.Context, q *model.Query) error {
	q.UpdatedAt = qm.now()
	if err := qm.repo.Save(ctx, q); err != nil {
		return err
	}
	qm.updates.NotifyWatched(q.ID)
	return nil
}

// UpdateState loads the query, moves it to state and persists it.
func (qm *QueryManager) UpdateState(ctx context.Context, queryID string, state model.QueryState) (*model.Query, error) {
	q, err := qm.repo.Get(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if err := q.Transition(state); err != nil {
		return nil, err
	}
	if err := qm.Persist(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// Recent returns the newest query of userID, or nil when the user has none.
func (qm *QueryManager) Recent(ctx context.Context, userID string) (*model.Query, error) {
	return qm.repo.Latest(ctx, userID)
}

// Watch starts tracking updates for queryID. Persists that happen after Watch
// and before the next AwaitUpdate are not lost.
func (qm *QueryManager) Watch(queryID string) {
	qm.updates.Watch(queryID)
}

// Forget stops tracking queryID.
func (qm *QueryManager) Forget(queryID string) {
	qm.updates.Forget(queryID)
}

// AwaitUpdate blocks until the next Persist of queryID or until timeout, and
// returns the current row either way. Only ctx cancellation is an error.
func (qm *QueryManager) AwaitUpdate(ctx context.Context, queryID string, timeout time.Duration) (*model.Query, error) {
	if _, err := qm.updates.Wait(ctx, queryID, timeout); err != nil {
		return nil, err
	}
	return qm.repo.Get(ctx, queryID)
}
