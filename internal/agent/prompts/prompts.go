package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed template/system_prompt.txt
var systemPrompt string

//go:embed template/query_prompt.txt
var queryPrompt string

// SystemVars are the inputs of the executor system prompt.
type SystemVars struct {
	Now          time.Time
	Instructions string
	AnswerTool   string
}

// QueryVars are the inputs of the executor user prompt.
type QueryVars struct {
	Query   string
	Context string
	User    string
}

// RenderSystem renders the system prompt via the Eino prompt component so
// prompt callbacks fire.
func RenderSystem(ctx context.Context, vars SystemVars) (string, error) {
	if vars.Now.IsZero() {
		vars.Now = time.Now()
	}
	return render(ctx, "system", schema.SystemMessage(systemPrompt), map[string]any{
		"Now":          vars.Now.UTC().Format(time.RFC3339),
		"Instructions": strings.TrimSpace(vars.Instructions),
		"AnswerTool":   vars.AnswerTool,
	})
}

// RenderQuery renders the user prompt carrying the question, the opaque
// context string and the user profile.
func RenderQuery(ctx context.Context, vars QueryVars) (string, error) {
	return render(ctx, "query", schema.UserMessage(queryPrompt), map[string]any{
		"Query":   strings.TrimSpace(vars.Query),
		"Context": strings.TrimSpace(vars.Context),
		"User":    strings.TrimSpace(vars.User),
	})
}

func render(ctx context.Context, name string, tplMsg *schema.Message, vars map[string]any) (string, error) {
	tpl := prompt.FromMessages(schema.GoTemplate, tplMsg)
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("%s prompt render: %w", name, err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("%s prompt render: empty result", name)
	}
	return msgs[0].Content, nil
}
