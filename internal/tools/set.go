package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vocalis-ai/vocalis/internal/knowledge"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// Builtin is a tool executed in-process.
type Builtin struct {
	Definition types.ToolDefinition
	Run        func(ctx context.Context, args map[string]any) (string, error)
}

// Result is the outcome of one tool execution, shaped for the conversation
// history. Tool-level failures are content, not Go errors, so the model can
// react to them.
type Result struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Set is the tool surface of one call session: the agent's built-ins plus
// whatever the MCP host exposes. A nil host disables external tools.
type Set struct {
	host     *Host
	builtins map[string]Builtin
}

// NewSet builds a per-session tool set.
func NewSet(host *Host, builtins ...Builtin) *Set {
	byName := make(map[string]Builtin, len(builtins))
	for _, b := range builtins {
		byName[b.Definition.Name] = b
	}
	return &Set{host: host, builtins: byName}
}

// Definitions returns every tool offered to the model.
func (s *Set) Definitions(ctx context.Context) []types.ToolDefinition {
	defs := make([]types.ToolDefinition, 0, len(s.builtins))
	for _, b := range s.builtins {
		defs = append(defs, b.Definition)
	}
	if s.host != nil {
		defs = append(defs, s.host.Definitions(ctx)...)
	}
	return defs
}

// Execute runs one model-requested call. Built-ins match on the bare name;
// prefixed names route to the MCP host. Unknown tools and argument parse
// failures are returned as error content so the model can recover.
func (s *Set) Execute(ctx context.Context, call types.ToolCall) Result {
	args, err := parseArgs(call.Arguments)
	if err != nil {
		return Result{CallID: call.ID, Name: call.Name,
			Content: fmt.Sprintf("invalid tool arguments: %s", err), IsError: true}
	}

	if b, ok := s.builtins[call.Name]; ok {
		content, err := b.Run(ctx, args)
		if err != nil {
			return Result{CallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}
		}
		return Result{CallID: call.ID, Name: call.Name, Content: content}
	}

	if s.host != nil && strings.Contains(call.Name, ".") {
		content, isErr, err := s.host.Call(ctx, call.Name, args)
		if err != nil {
			return Result{CallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}
		}
		return Result{CallID: call.ID, Name: call.Name, Content: content, IsError: isErr}
	}

	return Result{CallID: call.ID, Name: call.Name,
		Content: fmt.Sprintf("unknown tool %q", call.Name), IsError: true}
}

func parseArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// ─── built-ins ───

// SearchKnowledge returns the built-in retrieval tool bound to one agent's
// namespace. The model calls it to ground answers in ingested documents.
func SearchKnowledge(retriever *knowledge.Retriever, agentID string) Builtin {
	return Builtin{
		Definition: types.ToolDefinition{
			Name: "search_knowledge",
			Description: "Search the agent's knowledge base for information relevant " +
				"to the caller's question. Use before answering factual questions " +
				"about products, policies, or services.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What to look up, phrased as the caller asked it.",
					},
				},
				"required": []any{"query"},
			},
		},
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return "", fmt.Errorf("query must not be empty")
			}

			res, err := retriever.Search(ctx, agentID, query, knowledge.SearchOpts{})
			if err != nil {
				return "", fmt.Errorf("knowledge search: %w", err)
			}
			if len(res.Items) == 0 {
				return "No relevant information found in the knowledge base.", nil
			}

			var b strings.Builder
			for i, item := range res.Items {
				if i > 0 {
					b.WriteString("\n\n")
				}
				fmt.Fprintf(&b, "[%d] %s", i+1, item.Text)
			}
			return b.String(), nil
		},
	}
}
