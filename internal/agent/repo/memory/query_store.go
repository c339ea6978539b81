package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/informed-assistant/server/internal/agent/model"
	errx "github.com/informed-assistant/server/internal/core/error"
)

type QueryStore struct {
	mu      sync.RWMutex
	queries map[string]*model.Query
}

func NewQueryStore() *QueryStore {
	return &QueryStore{
		queries: make(map[string]*model.Query),
	}
}

func (s *QueryStore) Save(_ context.Context, q *model.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.queries[q.ID]; ok && !current.State.CanTransition(q.State) {
		return fmt.Errorf("%w: stored %s, got %s (query %s)", model.ErrIllegalTransition, current.State, q.State, q.ID)
	}
	s.queries[q.ID] = q.Clone()
	return nil
}

func (s *QueryStore) Get(_ context.Context, queryID string) (*model.Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queries[queryID]
	if !ok {
		return nil, errx.NotFound("query", queryID)
	}
	return q.Clone(), nil
}

func (s *QueryStore) Latest(_ context.Context, userID string) (*model.Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Query
	for _, q := range s.queries {
		if q.UserID != userID {
			continue
		}
		if latest == nil || q.CreatedAt.After(latest.CreatedAt) {
			latest = q
		}
	}
	return latest.Clone(), nil
}

var _ model.QueryRepository = (*QueryStore)(nil)
