package integration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vocalis-ai/vocalis/internal/apperr"
	"github.com/vocalis-ai/vocalis/internal/tools"
)

// MCPPlugin forwards call payloads to a tool on a configured MCP server.
// Config fields: "server" (a server name from the tools configuration) and
// "tool" (the tool to invoke, required).
type MCPPlugin struct {
	host *tools.Host
}

// NewMCPPlugin builds the MCP integration plugin over the shared tool host.
func NewMCPPlugin(host *tools.Host) *MCPPlugin {
	return &MCPPlugin{host: host}
}

func (p *MCPPlugin) ID() string { return "mcp" }

func (p *MCPPlugin) ConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"server": map[string]any{
				"type":        "string",
				"description": "Configured MCP server name.",
			},
			"tool": map[string]any{
				"type":        "string",
				"description": "Tool invoked with the call payload.",
			},
		},
		"required": []any{"server", "tool"},
	}
}

func (p *MCPPlugin) ValidateConfig(config map[string]any) error {
	if _, err := configString(config, "server"); err != nil {
		return err
	}
	_, err := configString(config, "tool")
	return err
}

func (p *MCPPlugin) TestConnection(ctx context.Context, config map[string]any) error {
	server, err := configString(config, "server")
	if err != nil {
		return err
	}
	return p.host.TestConnection(ctx, server)
}

func (p *MCPPlugin) Execute(ctx context.Context, payload Payload, config map[string]any) error {
	server, err := configString(config, "server")
	if err != nil {
		return err
	}
	tool, err := configString(config, "tool")
	if err != nil {
		return err
	}

	// Round-trip through JSON so the tool receives plain maps and strings.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mcp payload: %w", err)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("mcp payload: %w", err)
	}

	content, isErr, err := p.host.Call(ctx, server+"."+tool, args)
	if err != nil {
		return err
	}
	if isErr {
		return apperr.Errorf(apperr.Pipeline, "mcp tool %s.%s rejected payload: %s", server, tool, content)
	}
	return nil
}

var _ Plugin = (*MCPPlugin)(nil)
