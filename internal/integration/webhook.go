package integration

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/vocalis-ai/vocalis/internal/apperr"
)

// WebhookPlugin delivers call payloads as JSON POSTs. Config fields:
// "url" (required), "secret" (optional, enables an HMAC-SHA256 signature
// header), "headers" (optional map of extra request headers).
type WebhookPlugin struct {
	client *http.Client
}

// NewWebhookPlugin builds the webhook plugin with a 15 second per-delivery
// timeout.
func NewWebhookPlugin() *WebhookPlugin {
	return &WebhookPlugin{client: &http.Client{Timeout: 15 * time.Second}}
}

func (p *WebhookPlugin) ID() string { return "webhook" }

func (p *WebhookPlugin) ConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTPS endpoint receiving the call payload.",
			},
			"secret": map[string]any{
				"type":        "string",
				"description": "Optional shared secret; payloads are signed with HMAC-SHA256.",
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Extra headers added to every delivery.",
			},
		},
		"required": []any{"url"},
	}
}

func (p *WebhookPlugin) ValidateConfig(config map[string]any) error {
	raw, err := configString(config, "url")
	if err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.Errorf(apperr.Validation, "webhook url %q is not a valid http(s) URL", raw)
	}
	return nil
}

// TestConnection sends a ping payload so the receiver can verify wiring
// end to end.
func (p *WebhookPlugin) TestConnection(ctx context.Context, config map[string]any) error {
	return p.deliver(ctx, config, []byte(`{"event":"ping"}`))
}

func (p *WebhookPlugin) Execute(ctx context.Context, payload Payload, config map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook payload: %w", err)
	}
	return p.deliver(ctx, config, body)
}

func (p *WebhookPlugin) deliver(ctx context.Context, config map[string]any, body []byte) error {
	target, err := configString(config, "url")
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret, _ := config["secret"].(string); secret != "" {
		req.Header.Set("X-Vocalis-Signature", sign(secret, body))
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return apperr.Errorf(apperr.Transport, "webhook delivery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.Errorf(apperr.Transport, "webhook delivery: status %d", resp.StatusCode)
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

var _ Plugin = (*WebhookPlugin)(nil)
