package llm

import (
	"context"
	"errors"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/informed-assistant/server/internal/agent/model"
	errx "github.com/informed-assistant/server/internal/core/error"
)

type fakeChatModel struct {
	reply   *schema.Message
	err     error
	bound   []*schema.ToolInfo
	gotMsgs []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	f.gotMsgs = input
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.reply, f.err
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func (f *fakeChatModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	f.bound = tools
	return f, nil
}

func request() model.CompletionRequest {
	return model.CompletionRequest{SystemPrompt: "sys", UserPrompt: "user", Output: AnswerTool()}
}

func TestComplete_ToolCall(t *testing.T) {
	fake := &fakeChatModel{reply: &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			Function: schema.FunctionCall{Name: ToolGenerateAnswer, Arguments: `{"answer":"Yes, air quality is good today."}`},
		}},
	}}
	c := NewWithChatModel(fake, "gemini-2.5-flash")

	raw, err := c.Complete(context.Background(), request())
	require.NoError(t, err)
	require.JSONEq(t, `{"answer":"Yes, air quality is good today."}`, string(raw))
	require.Len(t, fake.bound, 1)
	require.Equal(t, ToolGenerateAnswer, fake.bound[0].Name)
	require.Len(t, fake.gotMsgs, 2)
	require.Equal(t, schema.System, fake.gotMsgs[0].Role)
	require.Equal(t, "user", fake.gotMsgs[1].Content)
}

func TestComplete_ContentFallback(t *testing.T) {
	fake := &fakeChatModel{reply: schema.AssistantMessage("```json\n{\"answer\":\"Bring an umbrella.\"}\n```", nil)}
	raw, err := NewWithChatModel(fake, "m").Complete(context.Background(), request())
	require.NoError(t, err)
	require.JSONEq(t, `{"answer":"Bring an umbrella."}`, string(raw))
}

func TestComplete_NoStructuredOutput(t *testing.T) {
	fake := &fakeChatModel{reply: schema.AssistantMessage("It is sunny.", nil)}
	_, err := NewWithChatModel(fake, "m").Complete(context.Background(), request())
	require.ErrorIs(t, err, ErrNoStructuredOutput)
	require.Equal(t, 502, errx.StatusOf(err))
}

func TestComplete_UpstreamError(t *testing.T) {
	fake := &fakeChatModel{err: errors.New("quota exceeded")}
	_, err := NewWithChatModel(fake, "m").Complete(context.Background(), request())
	require.Error(t, err)
	require.Equal(t, 502, errx.StatusOf(err))
}

func TestComplete_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewWithChatModel(&fakeChatModel{}, "m").Complete(ctx, request())
	require.ErrorIs(t, err, context.Canceled)
}

func TestComplete_RequiresOutput(t *testing.T) {
	_, err := NewWithChatModel(&fakeChatModel{}, "m").Complete(context.Background(), model.CompletionRequest{})
	require.Error(t, err)
}

func TestAnswerTool(t *testing.T) {
	tool := AnswerTool()
	require.Equal(t, ToolGenerateAnswer, tool.Name)
	require.NotNil(t, tool.ParamsOneOf)
}
