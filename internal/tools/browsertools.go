package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/optahq/opta/internal/browser"
	"github.com/optahq/opta/internal/provider"
)

// BrowserTools exposes the browser driver as tools. The gate's browser
// coordination pass injects session_id and the approval flag before any of
// these handlers run.
type BrowserTools struct {
	Driver   browser.Driver
	Mode     browser.Mode
	Endpoint string
}

type browserArgs struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	Selector  string `json:"selector"`
	Text      string `json:"text"`
	Approved  bool   `json:"__browser_approved"`
}

func parseBrowserArgs(args json.RawMessage) (browserArgs, error) {
	var a browserArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return a, fmt.Errorf("invalid arguments: %w", err)
	}
	return a, nil
}

// Register adds every browser tool to the registry.
func (b *BrowserTools) Register(reg *Registry) {
	reg.Register(provider.Tool{
		Name:        "browser_open",
		Description: "Open a new browser session. Requires approval.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "Optional URL to load after opening"}
			}
		}`),
	}, b.open)

	reg.Register(provider.Tool{
		Name:        "browser_navigate",
		Description: "Navigate a browser session to a URL.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url":        {"type": "string"},
				"session_id": {"type": "string", "description": "Session to use (auto-assigned when omitted)"}
			},
			"required": ["url"]
		}`),
	}, b.navigate)

	reg.Register(provider.Tool{
		Name:        "browser_click",
		Description: "Click an element in the current page.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"selector":   {"type": "string", "description": "CSS selector of the element"},
				"url":        {"type": "string", "description": "Page the click targets (backfilled from the session when omitted)"},
				"session_id": {"type": "string"}
			},
			"required": ["selector"]
		}`),
	}, b.click)

	reg.Register(provider.Tool{
		Name:        "browser_type",
		Description: "Type text into an element in the current page.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"selector":   {"type": "string"},
				"text":       {"type": "string"},
				"url":        {"type": "string"},
				"session_id": {"type": "string"}
			},
			"required": ["selector", "text"]
		}`),
	}, b.typeText)

	reg.Register(provider.Tool{
		Name:        "browser_screenshot",
		Description: "Capture a screenshot of the current page.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {"type": "string"}
			}
		}`),
	}, b.screenshot)

	reg.Register(provider.Tool{
		Name:        "browser_close",
		Description: "Close a browser session.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {"type": "string"}
			},
			"required": ["session_id"]
		}`),
	}, b.closeSession)
}

func (b *BrowserTools) open(ctx context.Context, args json.RawMessage) (string, error) {
	a, err := parseBrowserArgs(args)
	if err != nil {
		return "", err
	}
	session, err := b.Driver.Open(ctx, b.Mode, b.Endpoint)
	if err != nil {
		return "", err
	}
	if a.URL != "" {
		if err := b.Driver.Navigate(ctx, session.ID, a.URL); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Opened browser session %s (%s)", session.ID, session.Mode), nil
}

func (b *BrowserTools) navigate(ctx context.Context, args json.RawMessage) (string, error) {
	a, err := parseBrowserArgs(args)
	if err != nil {
		return "", err
	}
	if a.SessionID == "" {
		return "", fmt.Errorf("no browser session assigned")
	}
	if err := b.Driver.Navigate(ctx, a.SessionID, a.URL); err != nil {
		return "", err
	}
	return fmt.Sprintf("Navigated session %s to %s", a.SessionID, a.URL), nil
}

func (b *BrowserTools) click(ctx context.Context, args json.RawMessage) (string, error) {
	a, err := parseBrowserArgs(args)
	if err != nil {
		return "", err
	}
	if a.SessionID == "" {
		return "", fmt.Errorf("no browser session assigned")
	}
	if err := b.Driver.Click(ctx, a.SessionID, a.Selector); err != nil {
		return "", err
	}
	return fmt.Sprintf("Clicked %q", a.Selector), nil
}

func (b *BrowserTools) typeText(ctx context.Context, args json.RawMessage) (string, error) {
	a, err := parseBrowserArgs(args)
	if err != nil {
		return "", err
	}
	if a.SessionID == "" {
		return "", fmt.Errorf("no browser session assigned")
	}
	if err := b.Driver.Type(ctx, a.SessionID, a.Selector, a.Text); err != nil {
		return "", err
	}
	return fmt.Sprintf("Typed %d characters into %q", len(a.Text), a.Selector), nil
}

func (b *BrowserTools) screenshot(ctx context.Context, args json.RawMessage) (string, error) {
	a, err := parseBrowserArgs(args)
	if err != nil {
		return "", err
	}
	if a.SessionID == "" {
		return "", fmt.Errorf("no browser session assigned")
	}
	data, err := b.Driver.Screenshot(ctx, a.SessionID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Captured screenshot (%d bytes)", len(data)), nil
}

func (b *BrowserTools) closeSession(ctx context.Context, args json.RawMessage) (string, error) {
	a, err := parseBrowserArgs(args)
	if err != nil {
		return "", err
	}
	if err := b.Driver.CloseSession(ctx, a.SessionID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Closed session %s", a.SessionID), nil
}
