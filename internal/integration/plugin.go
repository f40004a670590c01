package integration

import (
	"context"

	"github.com/vocalis-ai/vocalis/internal/apperr"
)

// Plugin executes one kind of integration. Implementations must be safe for
// concurrent use; Execute runs once per binding per trigger.
type Plugin interface {
	// ID is the tool id bindings reference ("webhook", "mcp").
	ID() string

	// ConfigSchema describes the binding config as a JSON Schema object,
	// surfaced to the dashboard for form rendering.
	ConfigSchema() map[string]any

	// ValidateConfig rejects malformed binding configs at create time.
	ValidateConfig(config map[string]any) error

	// TestConnection verifies the configured target is reachable.
	TestConnection(ctx context.Context, config map[string]any) error

	// Execute delivers one payload. A returned error triggers the
	// dispatcher's retry; return nil once the delivery is accepted.
	Execute(ctx context.Context, payload Payload, config map[string]any) error
}

// PluginRegistry maps tool ids to plugins.
type PluginRegistry struct {
	plugins map[string]Plugin
}

// NewPluginRegistry builds a registry from the given plugins.
func NewPluginRegistry(plugins ...Plugin) *PluginRegistry {
	r := &PluginRegistry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		r.plugins[p.ID()] = p
	}
	return r
}

// Get returns the plugin for a tool id.
func (r *PluginRegistry) Get(toolID string) (Plugin, error) {
	p, ok := r.plugins[toolID]
	if !ok {
		return nil, apperr.Errorf(apperr.NotFound, "integration plugin %q not registered", toolID)
	}
	return p, nil
}

// IDs lists the registered plugin ids.
func (r *PluginRegistry) IDs() []string {
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	return ids
}

// configString reads a required string field from a binding config.
func configString(config map[string]any, key string) (string, error) {
	v, ok := config[key].(string)
	if !ok || v == "" {
		return "", apperr.Errorf(apperr.Validation, "config field %q must be a non-empty string", key)
	}
	return v, nil
}
