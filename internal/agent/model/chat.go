package model

import "time"

// ResponseType is the requested or assigned response modality of a message.
type ResponseType string

const (
	ResponseText        ResponseType = "text"
	ResponseTextMessage ResponseType = "text_message"
	ResponseAudio       ResponseType = "audio"
)

// Language is the response language of a message.
type Language string

const (
	English Language = "en"
	Spanish Language = "es"
	Tagalog Language = "tl"
)

// MessageSource is the discriminant of the Message sum type.
type MessageSource string

const (
	SourceUser      MessageSource = "webapp"
	SourceAssistant MessageSource = "assistant"
)

// Message is a chat message. Source selects the variant: user messages use
// UserID, Acknowledged and RequestedResponseType; assistant messages carry the
// QueryID that produced them. A user message also records the QueryID it was
// dispatched to.
type Message struct {
	ID           string        `json:"message_id"`
	ThreadID     string        `json:"chat_thread_id"`
	Source       MessageSource `json:"source"`
	Content      string        `json:"content"`
	ResponseType ResponseType  `json:"response_type"`
	Language     Language      `json:"language"`
	CreatedAt    time.Time     `json:"created_at"`
	QueryID      string        `json:"query_id,omitempty"`

	UserID                string       `json:"user_id,omitempty"`
	Acknowledged          bool         `json:"acknowledged"`
	RequestedResponseType ResponseType `json:"requested_response_type,omitempty"`
}

// NewUserMessage builds an unacknowledged user message.
func NewUserMessage(userID, content string, requested ResponseType, lang Language) *Message {
	if requested == "" {
		requested = ResponseText
	}
	if lang == "" {
		lang = English
	}
	return &Message{
		Source:                SourceUser,
		Content:               content,
		ResponseType:          ResponseText,
		Language:              lang,
		UserID:                userID,
		RequestedResponseType: requested,
	}
}

// NewAssistantMessage builds the assistant reply produced by a query.
func NewAssistantMessage(threadID, queryID, content string, rt ResponseType, lang Language) *Message {
	return &Message{
		ThreadID:     threadID,
		Source:       SourceAssistant,
		Content:      content,
		ResponseType: rt,
		Language:     lang,
		QueryID:      queryID,
	}
}

// IsUser reports whether m is a user message.
func (m *Message) IsUser() bool { return m.Source == SourceUser }

// IsAssistant reports whether m is an assistant message.
func (m *Message) IsAssistant() bool { return m.Source == SourceAssistant }

// IsPending reports whether m is a user message no answer attempt was dispatched for.
func (m *Message) IsPending() bool { return m.IsUser() && !m.Acknowledged }

// Clone returns a copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// ChatThread is an ordered, append-only conversation owned by one user.
type ChatThread struct {
	ID        string     `json:"chat_thread_id"`
	UserID    string     `json:"user_id"`
	CreatedAt time.Time  `json:"created_at"`
	Messages  []*Message `json:"messages"`
}

// PendingMessages returns the unacknowledged user messages in insertion order.
func (t *ChatThread) PendingMessages() []*Message {
	var pending []*Message
	for _, m := range t.Messages {
		if m.IsPending() {
			pending = append(pending, m)
		}
	}
	return pending
}

// DispatchedMessage returns the user message dispatched to queryID, if any.
func (t *ChatThread) DispatchedMessage(queryID string) *Message {
	for _, m := range t.Messages {
		if m.IsUser() && m.QueryID == queryID {
			return m
		}
	}
	return nil
}
