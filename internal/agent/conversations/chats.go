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

// ChatManager is the Chat store adapter. Adding a user message wakes the
// agent serving the thread through a per-thread new-message event.
type ChatManager struct {
	repo   model.ChatRepository
	events *notify.Registry[string]
	now    func() time.Time
}

func NewChatManager(repo model.ChatRepository, config model.AgentConfig) *ChatManager {
	return &ChatManager{
		repo:   repo,
		events: notify.NewRegistry[string](config.UpdateEventTTL),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// =========== Threads ===========
func (cm *ChatManager) CreateThread(ctx context.Context, userID string, initial *model.Message) (*model.ChatThread, error) {
	thread := &model.ChatThread{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: cm.now(),
		Messages:  []*model.Message{},
	}
	if initial != nil {
		msg := initial.Clone()
		cm.stamp(thread.ID, msg)
		if msg.IsUser() && msg.UserID == "" {
			msg.UserID = userID
		}
		thread.Messages = append(thread.Messages, msg)
	}

	if err := cm.repo.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	if len(thread.PendingMessages()) > 0 {
		cm.NotifyNewMessage(thread.ID)
	}
	logx.Info().Str("chat_thread_id", thread.ID).Str("user_id", userID).Msg("chat thread created")
	return thread, nil
}

func (cm *ChatManager) GetThread(ctx context.Context, threadID string) (*model.ChatThread, error) {
	return cm.repo.GetThread(ctx, threadID)
}

func (cm *ChatManager) ListThreads(ctx context.Context) ([]*model.ChatThread, error) {
	return cm.repo.ListThreads(ctx)
}

func (cm *ChatManager) DeleteThread(ctx context.Context, threadID string) error {
	if err := cm.repo.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	cm.events.Forget(threadID)
	return nil
}

// =========== Messages ===========

// AddUserMessage appends msg to the thread and wakes its agent. The thread
// must exist.
func (cm *ChatManager) AddUserMessage(ctx context.Context, threadID string, msg *model.Message) (string, error) {
	if !msg.IsUser() {
		return "", fmt.Errorf("add user message: message source is %q", msg.Source)
	}
	if err := cm.append(ctx, threadID, msg); err != nil {
		return "", err
	}
	cm.NotifyNewMessage(threadID)
	return msg.ID, nil
}

func (cm *ChatManager) AddAssistantMessage(ctx context.Context, threadID string, msg *model.Message) (string, error) {
	if !msg.IsAssistant() {
		return "", fmt.Errorf("add assistant message: message source is %q", msg.Source)
	}
	if err := cm.append(ctx, threadID, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// UpdateMessage overwrites a stored message. Acknowledgement never reverts.
func (cm *ChatManager) UpdateMessage(ctx context.Context, msg *model.Message) error {
	stored, err := cm.repo.GetMessage(ctx, msg.ID)
	if err != nil {
		return err
	}
	if stored.Acknowledged && !msg.Acknowledged {
		msg.Acknowledged = true
	}
	return cm.repo.UpdateMessage(ctx, msg)
}

func (cm *ChatManager) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	return cm.repo.GetMessage(ctx, messageID)
}

// =========== Wake-up ===========

// NotifyNewMessage sets the thread's new-message event. Setting it twice
// before a wait is consumed once.
func (cm *ChatManager) NotifyNewMessage(threadID string) {
	cm.events.Notify(threadID)
}

// AwaitNewMessage waits for and consumes the thread's new-message event. It
// reports false on timeout; only ctx cancellation is an error.
func (cm *ChatManager) AwaitNewMessage(ctx context.Context, threadID string, timeout time.Duration) (bool, error) {
	return cm.events.Wait(ctx, threadID, timeout)
}

func (cm *ChatManager) append(ctx context.Context, threadID string, msg *model.Message) error {
	cm.stamp(threadID, msg)
	if err := cm.repo.AppendMessage(ctx, msg); err != nil {
		return err
	}
	logx.Debug().
		Str("chat_thread_id", threadID).
		Str("message_id", msg.ID).
		Str("source", string(msg.Source)).
		Msg("message appended")
	return nil
}

func (cm *ChatManager) stamp(threadID string, msg *model.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = cm.now()
	}
	msg.ThreadID = threadID
}
