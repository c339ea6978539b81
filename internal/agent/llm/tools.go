package llm

import "github.com/cloudwego/eino/schema"

const (
	ToolGenerateAnswer = "generate_answer"
	AnswerField        = "answer"
)

// AnswerTool is the output contract of a query completion: a single
// required answer string.
func AnswerTool() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: ToolGenerateAnswer,
		Desc: "Answer the user's question about the weather",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			AnswerField: {
				Type:     schema.String,
				Desc:     "The complete answer to show to the user, following every length and style instruction.",
				Required: true,
			},
		}),
	}
}
