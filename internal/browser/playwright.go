package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog/log"
)

// PlaywrightRuntime is the default Runtime: isolated sessions launch a
// private Chromium; attach sessions connect over a CDP endpoint.
type PlaywrightRuntime struct {
	mu sync.Mutex
	pw *playwright.Playwright

	sessions map[string]*pwSession
}

type pwSession struct {
	id      string
	mode    Mode
	browser playwright.Browser
	page    playwright.Page
}

// NewPlaywrightRuntime starts the playwright driver.
func NewPlaywrightRuntime() (*PlaywrightRuntime, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	return &PlaywrightRuntime{pw: pw, sessions: make(map[string]*pwSession)}, nil
}

// List returns a snapshot of open sessions and their current URLs.
func (r *PlaywrightRuntime) List(ctx context.Context) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snap := Session{ID: s.id, Mode: s.mode, Open: s.browser.IsConnected()}
		if snap.Open && s.page != nil {
			snap.CurrentURL = s.page.URL()
		}
		out = append(out, snap)
	}
	return out, nil
}

// Open creates a session in the given mode.
func (r *PlaywrightRuntime) Open(ctx context.Context, mode Mode, endpoint string) (Session, error) {
	var (
		b   playwright.Browser
		err error
	)
	switch mode {
	case ModeAttach:
		if endpoint == "" {
			return Session{}, fmt.Errorf("attach mode requires an endpoint")
		}
		b, err = r.pw.Chromium.ConnectOverCDP(endpoint)
	default:
		b, err = r.pw.Chromium.Launch()
	}
	if err != nil {
		return Session{}, fmt.Errorf("open browser (%s): %w", mode, err)
	}

	page, err := b.NewPage()
	if err != nil {
		b.Close() //nolint:errcheck // already failing
		return Session{}, fmt.Errorf("open page: %w", err)
	}

	s := &pwSession{id: uuid.NewString(), mode: mode, browser: b, page: page}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	log.Info().Str("session", s.id).Str("mode", string(mode)).Msg("Browser session opened")
	return Session{ID: s.id, Mode: mode, Open: true}, nil
}

// Page returns the live page for a session; tool handlers drive it.
func (r *PlaywrightRuntime) Page(id string) (playwright.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown browser session %s", id)
	}
	return s.page, nil
}

// Navigate loads a URL in the session's page.
func (r *PlaywrightRuntime) Navigate(ctx context.Context, id, url string) error {
	page, err := r.Page(id)
	if err != nil {
		return err
	}
	_, err = page.Goto(url)
	return err
}

// Click clicks the first element matching selector.
func (r *PlaywrightRuntime) Click(ctx context.Context, id, selector string) error {
	page, err := r.Page(id)
	if err != nil {
		return err
	}
	return page.Locator(selector).Click()
}

// Type fills the first element matching selector with text.
func (r *PlaywrightRuntime) Type(ctx context.Context, id, selector, text string) error {
	page, err := r.Page(id)
	if err != nil {
		return err
	}
	return page.Locator(selector).Fill(text)
}

// Screenshot captures the session's current viewport as PNG bytes.
func (r *PlaywrightRuntime) Screenshot(ctx context.Context, id string) ([]byte, error) {
	page, err := r.Page(id)
	if err != nil {
		return nil, err
	}
	return page.Screenshot()
}

// CloseSession closes one session.
func (r *PlaywrightRuntime) CloseSession(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s.browser.Close()
}

// Close shuts every session and the driver down.
func (r *PlaywrightRuntime) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*pwSession)
	r.mu.Unlock()

	for id, s := range sessions {
		if err := s.browser.Close(); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("Failed to close browser session")
		}
	}
	return r.pw.Stop()
}
