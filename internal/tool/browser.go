package tool

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"agentgate/internal/browser"
	"agentgate/internal/domain"
)

const browserReadTimeout = 60 * time.Second

// BrowserReadTool renders a page in headless Chrome and returns its text.
// Slower than http_fetch but handles script-driven pages.
type BrowserReadTool struct {
	bridge *browser.Bridge
}

func NewBrowserReadTool(bridge *browser.Bridge) *BrowserReadTool {
	return &BrowserReadTool{bridge: bridge}
}

func (t *BrowserReadTool) Name() string { return "browser_read" }
func (t *BrowserReadTool) Description() string {
	return "Render a web page in a headless browser and return its visible text. Use for pages that need JavaScript."
}
func (t *BrowserReadTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"url": {Type: "string", Description: "Full URL to render (must start with http:// or https://)"},
		},
		[]string{"url"},
	)
}

func (t *BrowserReadTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL := ArgsString(args, "url")
	if rawURL == "" {
		return "", fmt.Errorf("missing argument: url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme: %s (only http/https allowed)", parsed.Scheme)
	}

	text, err := t.bridge.ReadPage(ctx, rawURL, browserReadTimeout)
	if err != nil {
		return "", err
	}
	if len(text) > fetchMaxOutput {
		text = text[:fetchMaxOutput] + "\n... (truncated)"
	}
	return text, nil
}

var _ domain.Tool = (*BrowserReadTool)(nil)
