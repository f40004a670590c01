// Package tools bridges external MCP tool servers and built-in functions
// into the tool set offered to the LLM during a call. External tools carry
// server-prefixed names ("crm.create_lead"); built-ins are bare names.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vocalis-ai/vocalis/internal/apperr"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

const (
	connectTimeout   = 10 * time.Second
	operationTimeout = 30 * time.Second
)

// Host maintains connections to the configured MCP tool servers. Servers
// are connected lazily on first use and kept for the Host's lifetime. Safe
// for concurrent use.
type Host struct {
	servers map[string]config.ToolServerConfig
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// NewHost builds a host for the configured servers.
func NewHost(servers []config.ToolServerConfig, log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	byName := make(map[string]config.ToolServerConfig, len(servers))
	for _, s := range servers {
		byName[s.Name] = s
	}
	return &Host{
		servers:  byName,
		sessions: make(map[string]*mcpsdk.ClientSession),
		log:      log,
	}
}

// session returns the live session for a server, connecting if needed.
func (h *Host) session(ctx context.Context, name string) (*mcpsdk.ClientSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions[name]; ok {
		return s, nil
	}
	cfg, ok := h.servers[name]
	if !ok {
		return nil, apperr.Errorf(apperr.NotFound, "tool server %q not configured", name)
	}

	transport := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	if cfg.Token != "" {
		transport.HTTPClient = &http.Client{
			Transport: &bearerTransport{base: http.DefaultTransport, token: cfg.Token},
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "vocalis", Version: "1"}, nil)
	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, apperr.Errorf(apperr.Transport, "connect tool server %q: %w", name, err)
	}

	h.sessions[name] = session
	h.log.Info("tool server connected", "server", name)
	return session, nil
}

// Definitions lists the tools of every configured server, names prefixed
// with "server.". Servers that fail to answer are skipped with a warning so
// one broken server does not empty the whole tool set.
func (h *Host) Definitions(ctx context.Context) []types.ToolDefinition {
	var defs []types.ToolDefinition
	for name := range h.servers {
		session, err := h.session(ctx, name)
		if err != nil {
			h.log.Warn("tool server unavailable", "server", name, "error", err)
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
		result, err := session.ListTools(opCtx, nil)
		cancel()
		if err != nil {
			h.log.Warn("tool listing failed", "server", name, "error", err)
			continue
		}

		for _, tool := range result.Tools {
			defs = append(defs, types.ToolDefinition{
				Name:        name + "." + tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
			})
		}
	}
	return defs
}

// Call executes one prefixed tool call. Tool-level failures come back as
// (content, true, nil) per MCP convention; transport failures as an error.
func (h *Host) Call(ctx context.Context, name string, args map[string]any) (content string, isError bool, err error) {
	server, tool, ok := splitToolName(name)
	if !ok {
		return "", false, apperr.Errorf(apperr.Validation, "tool name %q is not server-prefixed", name)
	}

	session, err := h.session(ctx, server)
	if err != nil {
		return "", false, err
	}

	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	result, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", false, apperr.Errorf(apperr.Transport, "call %s: %w", name, err)
	}
	return extractText(result), result.IsError, nil
}

// TestConnection verifies a server answers a tool listing. Used by the
// integration binding test endpoint.
func (h *Host) TestConnection(ctx context.Context, server string) error {
	session, err := h.session(ctx, server)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	if _, err := session.ListTools(opCtx, nil); err != nil {
		return apperr.Errorf(apperr.Transport, "tool server %q: %w", server, err)
	}
	return nil
}

// Close shuts down every open session.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for name, s := range h.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close tool server %q: %w", name, err)
		}
	}
	h.sessions = make(map[string]*mcpsdk.ClientSession)
	return firstErr
}

func splitToolName(name string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(name, ".")
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// extractText concatenates the text items of a tool result; non-text
// content is skipped.
func extractText(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// schemaToMap converts a tool's input schema to the generic map carried in
// [types.ToolDefinition].
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
