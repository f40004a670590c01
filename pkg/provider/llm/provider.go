// Package llm defines the Provider interface for large language model
// backends.
//
// An LLM provider wraps a remote or local model API and exposes a uniform
// interface for the voice session to stream completions, run tool-calling
// rounds, and inspect model capabilities without coupling to any specific
// SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/vocalis-ai/vocalis/pkg/types"
)

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for the same
// text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a
// response. At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically the committed user turn.
	Messages []types.Message

	// Tools is the set of tool definitions offered to the model.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in [0.0, 2.0]. Zero requests
	// the provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int

	// SystemPrompt is the agent's instruction block, injected before the
	// history. Providers without a dedicated system field prepend it as a
	// "system"-role message.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, or any combination.
type Chunk struct {
	// Text is the incremental text content.
	Text string

	// FinishReason is set on the final chunk: "stop", "length",
	// "tool_calls", or "error" for failures after the stream opened.
	FinishReason string

	// ToolCalls contains fully accumulated tool invocations, delivered on
	// the final chunk.
	ToolCalls []types.ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the reply. Empty when the model responds
	// exclusively with tool calls.
	Content string

	// ToolCalls lists the invocations the model requested. The caller
	// executes them and appends the results to the conversation.
	ToolCalls []types.ToolCall

	// Usage holds token accounting for this exchange.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
type Provider interface {
	// StreamCompletion sends req and returns a read-only channel emitting
	// chunks as they arrive. The channel is closed when generation finishes
	// or ctx is cancelled; callers must drain it. Errors after the stream
	// opens surface as a chunk with FinishReason "error"; the error return
	// is non-nil only when the stream cannot start.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. Convenience for
	// callers that do not need incremental output, such as query expansion
	// and call summarisation.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the context-window cost of the message list.
	// The result need not be exact but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata about the underlying model,
	// constant for the lifetime of the Provider.
	Capabilities() types.ModelCapabilities
}
