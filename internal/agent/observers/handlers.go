package observers

import (
	"sync"

	einocb "github.com/cloudwego/eino/callbacks"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"
)

var registerOnce sync.Once

// NewAllCallbacks aggregates the model and prompt handlers into one callbacks.Handler.
func NewAllCallbacks() einocb.Handler {
	return callbackHelper.NewHandlerHelper().
		ChatModel(newModelHandler()).
		Prompt(newPromptHandler()).
		Handler()
}

// RegisterGlobal attaches the observers to every Eino component run in the
// process. Safe to call more than once.
func RegisterGlobal() {
	registerOnce.Do(func() {
		einocb.AppendGlobalHandlers(NewAllCallbacks())
	})
}
