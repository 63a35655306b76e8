// Package browser reconciles browser tool calls with live sessions: it
// scans the runtime once per turn, auto-assigns or spawns sessions, scores
// actions against the risk configuration, and logs every decision.
package browser

import (
	"context"
	"net/url"
	"time"
)

// Mode selects how sessions are created.
type Mode string

const (
	// ModeIsolated launches a private browser owned by the runtime.
	ModeIsolated Mode = "isolated"
	// ModeAttach connects to an already-running browser over a debug
	// endpoint.
	ModeAttach Mode = "attach"
)

// Session is a handle to one open browser session. The runtime owns the
// session; the core holds only identifiers and a URL snapshot.
type Session struct {
	ID         string
	Mode       Mode
	CurrentURL string
	Open       bool
}

// Runtime is the browser runtime collaborator.
type Runtime interface {
	// List returns a health snapshot of open sessions.
	List(ctx context.Context) ([]Session, error)
	// Open creates a session. endpoint is required for ModeAttach.
	Open(ctx context.Context, mode Mode, endpoint string) (Session, error)
	// CloseSession closes one session.
	CloseSession(ctx context.Context, id string) error
	// Close shuts the runtime down.
	Close() error
}

// Driver extends Runtime with the page actions the browser tools execute.
type Driver interface {
	Runtime
	Navigate(ctx context.Context, id, url string) error
	Click(ctx context.Context, id, selector string) error
	Type(ctx context.Context, id, selector, text string) error
	Screenshot(ctx context.Context, id string) ([]byte, error)
}

// AuditEvent is one entry in the approval event log.
type AuditEvent struct {
	ID        string
	Tool      string
	SessionID string
	Risk      string
	Target    string
	Approved  bool
	Reason    string
	At        time.Time
}

// AuditSink persists approval events.
type AuditSink interface {
	Append(ev AuditEvent) error
}

// hostOf extracts the host from a target URL; empty when unparseable.
func hostOf(target string) string {
	if target == "" {
		return ""
	}
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// originOf extracts scheme://host for origin comparisons.
func originOf(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
