package core

import (
	"context"
	"fmt"
	"sync"
)

// ActionHandler performs one external side effect (an API call, a DB
// write) named by an ActionStep's Call field, returning named outputs to
// be mapped into slots.
type ActionHandler interface {
	Execute(ctx context.Context, req ActionRequest) (map[string]interface{}, error)
}

// ActionRequest carries everything a handler needs: its own flow's slots
// and the step's static configuration.
type ActionRequest struct {
	FlowID   string
	FlowName string
	Step     string
	Slots    map[string]interface{}
}

// ActionHandlerFunc adapts a plain function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, req ActionRequest) (map[string]interface{}, error)

func (f ActionHandlerFunc) Execute(ctx context.Context, req ActionRequest) (map[string]interface{}, error) {
	return f(ctx, req)
}

// ActionRegistry is a thread-safe lookup table of named action handlers,
// shared read-mostly across sessions the way teleflow shares its
// registered flow map.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

// NewActionRegistry returns an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]ActionHandler)}
}

// Register adds or replaces a named handler.
func (r *ActionRegistry) Register(name string, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the handler registered under name, or an error if none
// exists — surfaced at startup validation time (spec.md §7) as well as at
// call time.
func (r *ActionRegistry) Lookup(name string) (ActionHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("action %q is not registered", name)
	}
	return h, nil
}
