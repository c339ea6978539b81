package model

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cloudwego/eino/schema"
)

// QueryRepository is the durable side of the Query store.
type QueryRepository interface {
	// Save upserts q. It returns ErrIllegalTransition when the stored row cannot
	// move to q.State, which includes every write to a terminal row.
	Save(ctx context.Context, q *Query) error

	// Get returns the query or an errx not-found error.
	Get(ctx context.Context, queryID string) (*Query, error)

	// Latest returns the newest query created by userID, or nil when there is none.
	Latest(ctx context.Context, userID string) (*Query, error)
}

// ChatRepository is the durable side of the Chat store.
type ChatRepository interface {
	// CreateThread persists a thread and its initial messages.
	CreateThread(ctx context.Context, thread *ChatThread) error

	// AppendMessage appends msg to its thread. Missing threads are not-found errors.
	AppendMessage(ctx context.Context, msg *Message) error

	// GetThread loads a thread with its messages in insertion order.
	GetThread(ctx context.Context, threadID string) (*ChatThread, error)

	// ListThreads returns every thread without messages.
	ListThreads(ctx context.Context) ([]*ChatThread, error)

	// DeleteThread removes a thread and all of its messages.
	DeleteThread(ctx context.Context, threadID string) error

	// UpdateMessage overwrites an existing message.
	UpdateMessage(ctx context.Context, msg *Message) error

	// GetMessage loads a single message.
	GetMessage(ctx context.Context, messageID string) (*Message, error)
}

// UserLookup resolves the owner of a query.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*User, error)
}

// ContextBuilder produces the opaque weather/health context of a query prompt.
type ContextBuilder interface {
	BuildContext(ctx context.Context, user *User) (string, error)
}

// CompletionRequest is one structured-output completion call.
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	// Output describes the single function the model must answer through.
	Output *schema.ToolInfo
}

// Completer is the language-model completion API. It returns the raw JSON
// arguments of the structured output and performs no retries.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (json.RawMessage, error)
}

// WeatherSnapshot is the latest ingested weather data for one zip code.
type WeatherSnapshot struct {
	ZipCode      string    `json:"zip_code"`
	Location     string    `json:"location"`
	Condition    string    `json:"condition"`
	TempF        float64   `json:"temp_f"`
	FeelsLikeF   float64   `json:"feelslike_f"`
	WindMph      float64   `json:"wind_mph"`
	WindDir      string    `json:"wind_dir"`
	Humidity     int       `json:"humidity"`
	PrecipIn     float64   `json:"precip_in"`
	AQI          int       `json:"us_epa_index"`
	MaxTempF     float64   `json:"maxtemp_f"`
	MinTempF     float64   `json:"mintemp_f"`
	Forecast     string    `json:"forecast_condition"`
	ChanceOfRain int       `json:"daily_chance_of_rain"`
	Alerts       []string  `json:"alerts"`
	ObservedAt   time.Time `json:"observed_at"`
}

// SnapshotSource reads weather snapshots written by the ingestion job.
type SnapshotSource interface {
	Snapshot(ctx context.Context, zipCode string) (*WeatherSnapshot, error)
}
