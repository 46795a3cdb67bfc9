// Package llmstep adapts the graph/model chat providers (Anthropic, OpenAI,
// Google) into engine.StepFunc values, so an LLM call can run as an
// ordinary durable step: its prompt and response travel through the
// journal as the step's delta, and a cache hit on resume means the
// provider is never called twice for the same step attempt. This is the
// calling pattern spec.md §7 describes for non-idempotent side effects:
// the step itself is what's made idempotent, not the call underneath it.
package llmstep

import (
	"context"
	"fmt"

	"github.com/distflow/corewf/graph/model"
)

// Call wraps a model.ChatModel into an engine.StepFunc. vars must contain a
// "messages" key holding []model.Message (the conversation so far) and may
// contain a "tools" key holding []model.ToolSpec. The returned map carries
// the response under outputKey as a model.ChatOut, ready to be folded back
// into the workflow's variables by the step's caller.
//
// Because the engine only invokes this function once per step attempt (a
// CheckCompleted cache hit skips re-invocation entirely on resume), the
// underlying provider call is never issued twice for the same attempt even
// though neither the provider nor the HTTP transport underneath it is
// itself idempotent.
func Call(chat model.ChatModel, outputKey string) func(ctx context.Context, vars map[string]any) (map[string]any, error) {
	return func(ctx context.Context, vars map[string]any) (map[string]any, error) {
		messages, ok := vars["messages"].([]model.Message)
		if !ok {
			return nil, fmt.Errorf("llmstep: vars[%q] missing or not []model.Message", "messages")
		}
		var tools []model.ToolSpec
		if raw, ok := vars["tools"]; ok {
			tools, _ = raw.([]model.ToolSpec)
		}

		out, err := chat.Chat(ctx, messages, tools)
		if err != nil {
			return nil, fmt.Errorf("llmstep: chat call failed: %w", err)
		}

		return map[string]any{outputKey: out}, nil
	}
}

// AppendMessage is a small helper for composing a step's output into the
// next step's input conversation, since model.ChatOut carries only the
// assistant's half of the exchange.
func AppendMessage(messages []model.Message, role, content string) []model.Message {
	out := make([]model.Message, len(messages), len(messages)+1)
	copy(out, messages)
	return append(out, model.Message{Role: role, Content: content})
}
