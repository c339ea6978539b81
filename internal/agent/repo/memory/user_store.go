package memory

import (
	"context"
	"sync"

	"github.com/informed-assistant/server/internal/agent/model"
	errx "github.com/informed-assistant/server/internal/core/error"
)

type UserStore struct {
	mu    sync.RWMutex
	users map[string]*model.User
}

func NewUserStore(users ...*model.User) *UserStore {
	s := &UserStore{users: make(map[string]*model.User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *UserStore) GetUser(_ context.Context, userID string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, errx.NotFound("user", userID)
	}
	c := *u
	return &c, nil
}

func (s *UserStore) SaveUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *u
	s.users[u.ID] = &c
	return nil
}

type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]*model.WeatherSnapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snapshots: make(map[string]*model.WeatherSnapshot)}
}

func (s *SnapshotStore) Snapshot(_ context.Context, zipCode string) (*model.WeatherSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[zipCode]
	if !ok {
		return nil, errx.NotFound("weather snapshot", zipCode)
	}
	c := *snap
	return &c, nil
}

func (s *SnapshotStore) SaveSnapshot(_ context.Context, snap *model.WeatherSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *snap
	s.snapshots[snap.ZipCode] = &c
	return nil
}

var (
	_ model.UserLookup     = (*UserStore)(nil)
	_ model.SnapshotSource = (*SnapshotStore)(nil)
)
