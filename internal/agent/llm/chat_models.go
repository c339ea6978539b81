package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/informed-assistant/server/internal/agent/model"
	errx "github.com/informed-assistant/server/internal/core/error"
	logx "github.com/informed-assistant/server/pkg/logger"
)

const collaborator = "completion api"

// ErrNoStructuredOutput is returned when the model answered without calling
// the output function and its content is not JSON either.
var ErrNoStructuredOutput = errors.New("model returned no structured output")

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	APIKey  string
	BaseURL string
	Model   model.CompletionModelConfig
}

// Client implements model.Completer on top of an Eino tool-calling chat model.
type Client struct {
	chat      einomodel.ToolCallingChatModel
	modelName string
}

// NewClient creates a Gemini backed completion client.
func NewClient(ctx context.Context, config ChatModelConfig) (*Client, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	chat, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.Model.Model,
		Temperature: &config.Model.Temperature,
		MaxTokens:   &config.Model.MaxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(config.Model.ThinkingBudget),
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating completion model")
		return nil, fmt.Errorf("error creating completion model: %w", err)
	}

	return NewWithChatModel(chat, config.Model.Model), nil
}

// NewWithChatModel wraps an already built chat model.
func NewWithChatModel(chat einomodel.ToolCallingChatModel, modelName string) *Client {
	return &Client{chat: chat, modelName: modelName}
}

// Complete runs one system+user completion bound to req.Output and returns
// the JSON arguments the model produced for it. It never retries.
func (c *Client) Complete(ctx context.Context, req model.CompletionRequest) (json.RawMessage, error) {
	if req.Output == nil {
		return nil, fmt.Errorf("completion request has no output schema")
	}

	chat, err := c.chat.WithTools([]*schema.ToolInfo{req.Output})
	if err != nil {
		logx.Error().Err(err).Msg("Failed to bind tools")
		return nil, fmt.Errorf("failed to bind tools: %w", err)
	}

	ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
		Name:      "query_completion",
		Type:      c.modelName,
		Component: components.ComponentOfChatModel,
	})

	out, err := chat.Generate(ctx, []*schema.Message{
		schema.SystemMessage(req.SystemPrompt),
		schema.UserMessage(req.UserPrompt),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errx.Upstream(err, collaborator)
	}
	if out == nil {
		return nil, errx.Upstream(ErrNoStructuredOutput, collaborator)
	}

	raw, err := structuredOutput(out, req.Output.Name)
	if err != nil {
		return nil, errx.Upstream(err, collaborator)
	}
	return raw, nil
}

// structuredOutput returns the arguments of the call to tool, falling back to
// a JSON object in the message content.
func structuredOutput(msg *schema.Message, tool string) (json.RawMessage, error) {
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == tool {
			args := strings.TrimSpace(tc.Function.Arguments)
			if !json.Valid([]byte(args)) {
				return nil, fmt.Errorf("tool %s arguments are not valid JSON", tool)
			}
			return json.RawMessage(args), nil
		}
	}

	content := strings.TrimSpace(msg.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "{") && json.Valid([]byte(content)) {
		return json.RawMessage(content), nil
	}
	return nil, ErrNoStructuredOutput
}

var _ model.Completer = (*Client)(nil)
