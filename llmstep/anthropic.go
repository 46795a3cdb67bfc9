package llmstep

import (
	"github.com/distflow/corewf/engine"
	"github.com/distflow/corewf/graph/model/anthropic"
)

// NewAnthropicStep builds an engine.StepFunc that calls Claude via the
// anthropic-sdk-go-backed model.ChatModel, writing its response under
// outputKey.
func NewAnthropicStep(apiKey, modelName, outputKey string) engine.StepFunc {
	chat := anthropic.NewChatModel(apiKey, modelName)
	return Call(chat, outputKey)
}
