package llmstep

import (
	"github.com/distflow/corewf/engine"
	"github.com/distflow/corewf/graph/model/google"
)

// NewGeminiStep builds an engine.StepFunc that calls Gemini via the
// generative-ai-go-backed model.ChatModel, writing its response under
// outputKey.
func NewGeminiStep(apiKey, modelName, outputKey string) engine.StepFunc {
	chat := google.NewChatModel(apiKey, modelName)
	return Call(chat, outputKey)
}
