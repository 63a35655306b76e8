// Package tools holds the tool registry, the built-in tools, and the
// bounded-parallelism dispatcher that executes gated decisions.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/optahq/opta/internal/provider"
)

// Handler executes one tool call. It receives an owned argument string and
// returns an owned result string.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Registry maps tool names to definitions and handlers.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]provider.Tool
	handlers map[string]Handler
	order    []string
	closers  []func() error
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]provider.Tool),
		handlers: make(map[string]Handler),
	}
}

// Register adds a tool. Re-registering a name replaces its handler.
func (r *Registry) Register(def provider.Tool, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.defs[def.Name] = def
	r.handlers[def.Name] = h
}

// OnClose registers a cleanup function run by Close.
func (r *Registry) OnClose(fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, fn)
}

// Definitions returns tool definitions in registration order.
func (r *Registry) Definitions() []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]provider.Tool, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.defs[name])
	}
	return defs
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Execute runs a tool by name.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tool not found: %s", name)
	}
	return h(ctx, args)
}

// Close runs registered cleanup functions.
func (r *Registry) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var firstErr error
	for _, fn := range closers {
		if err := fn(); err != nil {
			log.Warn().Err(err).Msg("Tool registry close error")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
