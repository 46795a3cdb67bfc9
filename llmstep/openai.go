package llmstep

import (
	"github.com/distflow/corewf/engine"
	"github.com/distflow/corewf/graph/model/openai"
)

// NewOpenAIStep builds an engine.StepFunc that calls an OpenAI chat model
// via the openai-go-backed model.ChatModel, writing its response under
// outputKey.
func NewOpenAIStep(apiKey, modelName, outputKey string) engine.StepFunc {
	chat := openai.NewChatModel(apiKey, modelName)
	return Call(chat, outputKey)
}
