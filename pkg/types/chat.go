package types

// Message is one entry in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the textual body. Empty for assistant messages that only
	// carry tool calls.
	Content string

	// Name optionally labels the message author (used by some providers
	// for multi-participant prompts).
	Name string

	// ToolCalls holds the invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolCallID links a "tool" role message back to the call it answers.
	ToolCallID string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	// ID is the provider-assigned call identifier, echoed back in the
	// tool result message.
	ID string

	// Name is the tool to invoke.
	Name string

	// Arguments is the JSON-encoded argument object, accumulated across
	// streaming chunks.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the function name the model calls.
	Name string

	// Description tells the model when the tool applies.
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// ModelCapabilities describes what an LLM backend supports.
type ModelCapabilities struct {
	SupportsToolCalling bool
	SupportsStreaming   bool
	ContextWindow       int
	MaxOutputTokens     int
}
