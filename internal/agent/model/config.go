package model

import "time"

// ================ Config ================
type AgentConfig struct {
	IdleTimeout         time.Duration `envconfig:"CHAT_IDLE_TIMEOUT" default:"20m"`
	QueryMonitorTimeout time.Duration `envconfig:"QUERY_MONITOR_TIMEOUT" default:"2m"`
	UpdateEventTTL      time.Duration `envconfig:"UPDATE_EVENT_TTL" default:"30m"`
}

type ConversationConfig struct {
	TTL time.Duration `envconfig:"CONVERSATION_TTL" default:"720h"`
}

type CompletionModelConfig struct {
	Model          string  `envconfig:"COMPLETION_MODEL" default:"gemini-2.5-flash"`
	MaxTokens      int     `envconfig:"COMPLETION_MAX_TOKENS" default:"1024"`
	Temperature    float32 `envconfig:"COMPLETION_TEMPERATURE" default:"0"`
	ThinkingBudget int32   `envconfig:"COMPLETION_THINKING_BUDGET" default:"0"`
}

type PromptConfig struct {
	SourceURL string `envconfig:"PROMPT_SOURCE_URL" default:"https://api.weather.gov"`
}
