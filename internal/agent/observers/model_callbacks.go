package observers

import (
	"context"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	agentmodel "github.com/informed-assistant/server/internal/agent/model"
	logx "github.com/informed-assistant/server/pkg/logger"
)

// newModelHandler logs model calls, token usage and USD cost.
func newModelHandler() *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *model.CallbackInput) context.Context {
			ev := logx.Debug().Str("component", info.Name).Str("type", info.Type)
			if input != nil {
				ev = ev.Int("messages", len(input.Messages)).Int("tools", len(input.Tools))
				if um := lastUserContent(input.Messages); um != "" {
					ev = ev.Int("user_prompt_chars", len(um))
				}
			}
			ev.Msg("model call start")
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *model.CallbackOutput) context.Context {
			ev := logx.Debug().Str("component", info.Name).Str("type", info.Type)
			if output == nil || output.Message == nil {
				ev.Msg("model call end")
				return ctx
			}
			ev = ev.Int("tool_calls", len(output.Message.ToolCalls))
			if usage := usageOf(output); usage != nil {
				modelName := ""
				if output.Config != nil {
					modelName = output.Config.Model
				}
				inC, outC, totalC := agentmodel.ComputeCost(usage, agentmodel.ResolvePricing(modelName))
				ev = ev.
					Str("model", modelName).
					Int("prompt_tokens", usage.PromptTokens).
					Int("completion_tokens", usage.CompletionTokens).
					Int("total_tokens", usage.TotalTokens).
					Float64("input_cost_usd", inC).
					Float64("output_cost_usd", outC).
					Float64("total_cost_usd", totalC)
			}
			ev.Msg("model call end")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Warn().Err(err).Str("component", info.Name).Str("type", info.Type).Msg("model call failed")
			return ctx
		},
	}
}

// usageOf prefers the usage reported on the message over the callback summary.
func usageOf(output *model.CallbackOutput) *schema.TokenUsage {
	if output.Message.ResponseMeta != nil && output.Message.ResponseMeta.Usage != nil {
		return output.Message.ResponseMeta.Usage
	}
	if output.TokenUsage != nil {
		return &schema.TokenUsage{
			PromptTokens:     output.TokenUsage.PromptTokens,
			CompletionTokens: output.TokenUsage.CompletionTokens,
			TotalTokens:      output.TokenUsage.TotalTokens,
		}
	}
	return nil
}

func lastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil {
			continue
		}
		if m.Role == schema.User {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}
