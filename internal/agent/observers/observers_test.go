package observers

import (
	"context"
	"errors"
	"testing"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"
)

func TestUsageOf(t *testing.T) {
	msg := &schema.Message{Role: schema.Assistant}
	out := &model.CallbackOutput{Message: msg, TokenUsage: &model.TokenUsage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}}

	got := usageOf(out)
	require.Equal(t, 7, got.TotalTokens)

	msg.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
	got = usageOf(out)
	require.Equal(t, 15, got.TotalTokens)

	require.Nil(t, usageOf(&model.CallbackOutput{Message: &schema.Message{}}))
}

func TestLastUserContent(t *testing.T) {
	msgs := []*schema.Message{
		schema.SystemMessage("sys"),
		nil,
		schema.UserMessage("  first  "),
		schema.AssistantMessage("reply", nil),
	}
	require.Equal(t, "first", lastUserContent(msgs))
	require.Empty(t, lastUserContent(msgs[:2]))
}

func TestModelHandlerReturnsContext(t *testing.T) {
	h := newModelHandler()
	info := &einocb.RunInfo{Name: "completion", Type: "Gemini"}
	ctx := context.Background()

	require.Equal(t, ctx, h.OnStart(ctx, info, &model.CallbackInput{Messages: []*schema.Message{schema.UserMessage("hi")}}))
	require.Equal(t, ctx, h.OnEnd(ctx, info, &model.CallbackOutput{
		Message: &schema.Message{ResponseMeta: &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 1}}},
		Config:  &model.Config{Model: "gemini-2.5-flash"},
	}))
	require.Equal(t, ctx, h.OnEnd(ctx, info, nil))
	require.Equal(t, ctx, h.OnError(ctx, info, errors.New("boom")))
}

func TestNewAllCallbacks(t *testing.T) {
	require.NotNil(t, NewAllCallbacks())
	RegisterGlobal()
	RegisterGlobal()
}
