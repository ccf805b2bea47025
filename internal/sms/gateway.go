// Package sms delivers text messages through an HTTP SMS gateway.
package sms

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/khanghh/kguard/internal/dispatch"
)

type GatewayConfig struct {
	URL      string `mapstructure:"url"`
	APIKey   string `mapstructure:"apiKey"`
	SenderID string `mapstructure:"senderID"`
}

type Renderer interface {
	RenderText(name string, vars map[string]any) (string, error)
}

// GatewayTransport posts one form encoded request per message. Any non 2xx
// response is a failed delivery.
type GatewayTransport struct {
	cfg      GatewayConfig
	client   *http.Client
	renderer Renderer
}

func (g *GatewayTransport) Send(ctx context.Context, msg *dispatch.Message) error {
	text, err := g.renderer.RenderText("sms/"+msg.Template, msg.Data)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("to", msg.To)
	form.Set("from", g.cfg.SenderID)
	form.Set("message", text)
	form.Set("reference", msg.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	slog.Debug("SMS accepted by gateway", "reference", msg.ID, "duration", time.Since(start))
	return nil
}

func NewGatewayTransport(cfg GatewayConfig, client *http.Client, renderer Renderer) *GatewayTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GatewayTransport{cfg: cfg, client: client, renderer: renderer}
}
