package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/informed-assistant/server/internal/agent/model"
	errx "github.com/informed-assistant/server/internal/core/error"
)

type ChatStore struct {
	mu       sync.RWMutex
	threads  map[string]*model.ChatThread
	messages map[string]*model.Message
}

func NewChatStore() *ChatStore {
	return &ChatStore{
		threads:  make(map[string]*model.ChatThread),
		messages: make(map[string]*model.Message),
	}
}

func (s *ChatStore) CreateThread(_ context.Context, thread *model.ChatThread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := &model.ChatThread{ID: thread.ID, UserID: thread.UserID, CreatedAt: thread.CreatedAt}
	for _, m := range thread.Messages {
		c := m.Clone()
		stored.Messages = append(stored.Messages, c)
		s.messages[c.ID] = c
	}
	s.threads[thread.ID] = stored
	return nil
}

func (s *ChatStore) AppendMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[msg.ThreadID]
	if !ok {
		return errx.NotFound("chat thread", msg.ThreadID)
	}
	c := msg.Clone()
	thread.Messages = append(thread.Messages, c)
	s.messages[c.ID] = c
	return nil
}

func (s *ChatStore) GetThread(_ context.Context, threadID string) (*model.ChatThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return nil, errx.NotFound("chat thread", threadID)
	}
	out := &model.ChatThread{ID: thread.ID, UserID: thread.UserID, CreatedAt: thread.CreatedAt, Messages: make([]*model.Message, 0, len(thread.Messages))}
	for _, m := range thread.Messages {
		out.Messages = append(out.Messages, m.Clone())
	}
	return out, nil
}

func (s *ChatStore) ListThreads(_ context.Context) ([]*model.ChatThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.ChatThread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, &model.ChatThread{ID: t.ID, UserID: t.UserID, CreatedAt: t.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *ChatStore) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return errx.NotFound("chat thread", threadID)
	}
	for _, m := range thread.Messages {
		delete(s.messages, m.ID)
	}
	delete(s.threads, threadID)
	return nil
}

// UpdateMessage overwrites the stored message in place so thread order is kept.
func (s *ChatStore) UpdateMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.messages[msg.ID]
	if !ok {
		return errx.NotFound("message", msg.ID)
	}
	threadID := stored.ThreadID
	*stored = *msg
	stored.ThreadID = threadID
	return nil
}

func (s *ChatStore) GetMessage(_ context.Context, messageID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, errx.NotFound("message", messageID)
	}
	return m.Clone(), nil
}

var _ model.ChatRepository = (*ChatStore)(nil)
